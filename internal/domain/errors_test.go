package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("plan p1: %w", ErrUnknownID), ErrorKindValidation},
		{ErrValidation, ErrorKindValidation},
		{fmt.Errorf("plan p1: %w", ErrStateConflict), ErrorKindStateConflict},
		{ErrCancelled, ErrorKindCancelled},
		{context.Canceled, ErrorKindCancelled},
		{fmt.Errorf("wait: %w", ErrTimedOut), ErrorKindTimedOut},
		{fmt.Errorf("engine: %w", ErrUpstreamEngine), ErrorKindUpstreamEngine},
		{ErrTransport, ErrorKindTransport},
		{ErrForbidden, ErrorKindForbidden},
		{errors.New("boom"), ErrorKindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ErrorKind(tc.err), "%v", tc.err)
	}
}

func TestUnknownIDIsValidation(t *testing.T) {
	err := fmt.Errorf("request r9: %w", ErrUnknownID)
	assert.True(t, errors.Is(err, ErrUnknownID))
	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(ErrValidation, ErrUnknownID))
}

func TestRunStateTransitions(t *testing.T) {
	assert.True(t, RunStatePlanning.CanTransitionTo(RunStateAwaitingApproval))
	assert.True(t, RunStateAwaitingApproval.CanTransitionTo(RunStateExecuting))
	assert.True(t, RunStateAwaitingApproval.CanTransitionTo(RunStateCompleted))
	assert.True(t, RunStateExecuting.CanTransitionTo(RunStateAwaitingClarification))
	assert.True(t, RunStateAwaitingClarification.CanTransitionTo(RunStateExecuting))
	assert.True(t, RunStateAwaitingClarification.CanTransitionTo(RunStateCancelled))
	assert.True(t, RunStateExecuting.CanTransitionTo(RunStateFailed))

	assert.False(t, RunStatePlanning.CanTransitionTo(RunStateExecuting))
	assert.False(t, RunStateAwaitingApproval.CanTransitionTo(RunStateAwaitingClarification))
	assert.False(t, RunStateCompleted.CanTransitionTo(RunStateCancelled))
	assert.False(t, RunStateCancelled.CanTransitionTo(RunStateExecuting))
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(MessageTypeAgentStreaming, "run_1", 3, StreamingPayload{AgentID: "a", Delta: "hi"})
	assert.NoError(t, err)
	assert.Equal(t, int64(3), msg.Sequence)
	assert.JSONEq(t, `{"agent_id":"a","delta":"hi"}`, string(msg.Payload))

	var p StreamingPayload
	assert.NoError(t, msg.Decode(&p))
	assert.Equal(t, "hi", p.Delta)
	assert.True(t, MessageTypeError.Closing())
	assert.False(t, MessageTypeAgentTool.Closing())
}
