// Package testutil holds helpers shared by package tests.
package testutil

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/xiaot623/reviewflow/internal/repository"
)

// NewTestSQLiteStore returns an in-memory store closed when t ends.
func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// Logger returns a logger that writes to t's log when the test is verbose.
func Logger(t *testing.T) zerolog.Logger {
	t.Helper()
	if !testing.Verbose() {
		return zerolog.New(io.Discard)
	}
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}
