package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWatchCommand(t *testing.T) {
	cmd, err := parseWatchCommand("/approve plan_1")
	require.NoError(t, err)
	assert.Equal(t, "plan_approval", cmd.frame["type"])
	assert.Equal(t, "plan_1", cmd.frame["plan_id"])
	assert.Equal(t, true, cmd.frame["approved"])

	cmd, err = parseWatchCommand("/reject plan_1")
	require.NoError(t, err)
	assert.Equal(t, false, cmd.frame["approved"])

	cmd, err = parseWatchCommand("/answer req_1 Operating   Account")
	require.NoError(t, err)
	assert.Equal(t, "user_clarification", cmd.frame["type"])
	assert.Equal(t, "req_1", cmd.frame["request_id"])
	assert.Equal(t, "Operating Account", cmd.frame["answer"])

	cmd, err = parseWatchCommand("/cancel run_1")
	require.NoError(t, err)
	assert.Equal(t, "cancel_run", cmd.frame["type"])

	cmd, err = parseWatchCommand("/start reconcile the ledger")
	require.NoError(t, err)
	assert.Nil(t, cmd.frame)
	assert.Equal(t, "reconcile the ledger", cmd.start)

	for _, bad := range []string{"/approve", "/answer req_1", "/cancel", "/start", "/dance"} {
		_, err := parseWatchCommand(bad)
		assert.Error(t, err, bad)
	}
}
