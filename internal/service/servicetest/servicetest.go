// Package servicetest builds a fully wired Service for transport tests.
package servicetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xiaot623/reviewflow/internal/config"
	"github.com/xiaot623/reviewflow/internal/domain"
	"github.com/xiaot623/reviewflow/internal/engine"
	"github.com/xiaot623/reviewflow/internal/gate"
	"github.com/xiaot623/reviewflow/internal/policy"
	"github.com/xiaot623/reviewflow/internal/repository"
	"github.com/xiaot623/reviewflow/internal/runctl"
	"github.com/xiaot623/reviewflow/internal/service"
	"github.com/xiaot623/reviewflow/internal/session"
	"github.com/xiaot623/reviewflow/internal/testutil"
)

// Tasks understood by the fixture's engine.
const (
	// TaskReview proposes PlanID, asks RequestID, then completes.
	TaskReview = "review"
	// TaskHold blocks until cancelled.
	TaskHold = "hold"
)

// Keys used by the TaskReview script.
const (
	PlanID    = "plan-1"
	RequestID = "req-1"
)

// WaitFor bounds the fixture's polling helpers.
const WaitFor = 2 * time.Second

// Fixture is a Service over a mock engine, an in-memory archive and the
// default run policy.
type Fixture struct {
	Service  *service.Service
	Store    *repository.SQLiteStore
	Engine   *engine.MockEngine
	Sessions *session.Registry
	Config   *config.Config
}

// New builds a Fixture whose controller is shut down when t ends.
func New(t *testing.T) *Fixture {
	t.Helper()
	logger := testutil.Logger(t)
	store := testutil.NewTestSQLiteStore(t)
	cfg := config.Defaults()

	pe, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	sessions := session.NewRegistry(logger)
	approvals := gate.New[bool]("approval", sessions, logger)
	clarifications := gate.New[string]("clarification", sessions, logger)
	eng := engine.NewMockEngine(func(runID, task string) []engine.Step {
		if task == TaskHold {
			return []engine.Step{{Hold: true}}
		}
		return engine.Steps(
			engine.TextDelta{AgentID: "planner", Chunk: "thinking"},
			engine.PlanProposed{PlanID: PlanID, Content: "step one"},
			engine.ClarificationNeeded{RequestID: RequestID, Prompt: "which account?"},
			engine.AgentMessage{AgentID: "analyst", FullText: "done"},
			engine.FinalResult{Content: "all good"},
		)
	})
	ctl := runctl.New(eng, sessions, approvals, clarifications, logger, runctl.Options{
		CleanCitations: true,
		Archive:        store,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), WaitFor)
		defer cancel()
		_ = ctl.Shutdown(ctx)
	})

	return &Fixture{
		Service:  service.New(store, ctl, approvals, clarifications, sessions, pe, cfg, logger),
		Store:    store,
		Engine:   eng,
		Sessions: sessions,
		Config:   cfg,
	}
}

// Start starts a run for userID and returns its id.
func (f *Fixture) Start(t *testing.T, userID, task string) string {
	t.Helper()
	resp, err := f.Service.StartRun(context.Background(), domain.StartRunRequest{UserID: userID, Task: task})
	require.NoError(t, err)
	return resp.RunID
}

// WaitState polls until runID reaches state.
func (f *Fixture) WaitState(t *testing.T, runID string, state domain.RunState) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := f.Service.GetRun(context.Background(), "", runID)
		return err == nil && run.State == state
	}, WaitFor, time.Millisecond, "run %s never reached %s", runID, state)
}
