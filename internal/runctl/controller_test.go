package runctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/reviewflow/internal/domain"
	"github.com/xiaot623/reviewflow/internal/engine"
	"github.com/xiaot623/reviewflow/internal/gate"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu     sync.Mutex
	byUser map[string][]domain.Message
}

func newRecorder() *recorder {
	return &recorder{byUser: make(map[string][]domain.Message)}
}

func (r *recorder) Send(userID, processID string, msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[userID] = append(r.byUser[userID], msg)
}

func (r *recorder) forUser(userID string) []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.byUser[userID]...)
}

func (r *recorder) forRun(userID, runID string) []domain.Message {
	var out []domain.Message
	for _, msg := range r.forUser(userID) {
		if msg.RunID == runID {
			out = append(out, msg)
		}
	}
	return out
}

type fakeArchive struct {
	mu       sync.Mutex
	states   map[string][]domain.RunState
	messages map[string][]domain.Message
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		states:   make(map[string][]domain.RunState),
		messages: make(map[string][]domain.Message),
	}
}

func (a *fakeArchive) SaveRun(ctx context.Context, run *domain.Run) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	states := a.states[run.RunID]
	if len(states) == 0 || states[len(states)-1] != run.State {
		a.states[run.RunID] = append(states, run.State)
	}
	return nil
}

func (a *fakeArchive) AppendMessage(ctx context.Context, msg domain.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages[msg.RunID] = append(a.messages[msg.RunID], msg)
	return nil
}

func (a *fakeArchive) statesOf(runID string) []domain.RunState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.RunState(nil), a.states[runID]...)
}

func (a *fakeArchive) messagesOf(runID string) []domain.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Message(nil), a.messages[runID]...)
}

type harness struct {
	ctl            *Controller
	eng            *engine.MockEngine
	approvals      *gate.Gate[bool]
	clarifications *gate.Gate[string]
	sink           *recorder
	archive        *fakeArchive
}

// newHarness wires a controller to a mock engine whose script is chosen by task.
func newHarness(t *testing.T, scripts map[string][]engine.Step, opts Options, gateOpts ...gate.Option) *harness {
	t.Helper()
	sink := newRecorder()
	archive := newFakeArchive()
	eng := engine.NewMockEngine(func(runID, task string) []engine.Step {
		return scripts[task]
	})
	approvals := gate.New[bool]("approval", sink, zerolog.Nop(), gateOpts...)
	clarifications := gate.New[string]("clarification", sink, zerolog.Nop(), gateOpts...)
	opts.Archive = archive
	ctl := New(eng, sink, approvals, clarifications, zerolog.Nop(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = ctl.Shutdown(ctx)
	})
	return &harness{ctl: ctl, eng: eng, approvals: approvals, clarifications: clarifications, sink: sink, archive: archive}
}

func (h *harness) start(t *testing.T, userID, task string) string {
	t.Helper()
	run, err := h.ctl.StartRun(context.Background(), domain.StartRunRequest{UserID: userID, Task: task})
	require.NoError(t, err)
	return run.RunID
}

func (h *harness) waitState(t *testing.T, runID string, state domain.RunState) domain.Run {
	t.Helper()
	require.Eventually(t, func() bool {
		run, ok := h.ctl.Run(runID)
		return ok && run.State == state
	}, waitFor, time.Millisecond, "run %s never reached %s", runID, state)
	run, _ := h.ctl.Run(runID)
	return run
}

func (h *harness) waitMessages(t *testing.T, userID, runID string, n int) []domain.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.sink.forRun(userID, runID)) >= n
	}, waitFor, time.Millisecond, "run %s never delivered %d messages", runID, n)
	return h.sink.forRun(userID, runID)
}

func waitPending[T any](t *testing.T, g *gate.Gate[T], runID string) string {
	t.Helper()
	var key string
	require.Eventually(t, func() bool {
		var ok bool
		key, ok = g.Pending(runID)
		return ok
	}, waitFor, time.Millisecond)
	return key
}

func assertGapFree(t *testing.T, msgs []domain.Message) {
	t.Helper()
	for i, msg := range msgs {
		require.Equal(t, int64(i+1), msg.Sequence, "message %d (%s)", i, msg.Type)
	}
}

func types(msgs []domain.Message) []domain.MessageType {
	out := make([]domain.MessageType, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Type
	}
	return out
}

func closingCount(msgs []domain.Message) int {
	n := 0
	for _, msg := range msgs {
		if msg.Type.Closing() {
			n++
		}
	}
	return n
}

func TestScenarioApprovedPlanStreamsAndCompletes(t *testing.T) {
	task := "review Nov 2025 balance sheet"
	h := newHarness(t, map[string][]engine.Step{
		task: engine.Steps(
			engine.PlanProposed{PlanID: "p1", Content: "1. reconcile"},
			engine.TextDelta{AgentID: "A", Chunk: "one "},
			engine.TextDelta{AgentID: "A", Chunk: "two "},
			engine.TextDelta{AgentID: "A", Chunk: "three"},
			engine.FinalResult{Content: "balance sheet reconciles"},
		),
	}, Options{})

	runID := h.start(t, "u1", task)
	assert.Equal(t, "p1", waitPending(t, h.approvals, runID))
	h.waitState(t, runID, domain.RunStateAwaitingApproval)

	require.NoError(t, h.approvals.Resolve("p1", true))
	run := h.waitState(t, runID, domain.RunStateCompleted)
	assert.Equal(t, domain.FinalStatusCompleted, run.Outcome)

	msgs := h.sink.forRun("u1", runID)
	assertGapFree(t, msgs)
	assert.Equal(t, []domain.MessageType{
		domain.MessageTypePlanApprovalRequest,
		domain.MessageTypeAgentStreaming,
		domain.MessageTypeAgentStreaming,
		domain.MessageTypeAgentStreaming,
		domain.MessageTypeAgentComplete,
		domain.MessageTypeFinalResult,
	}, types(msgs))
	assert.Equal(t, 1, closingCount(msgs))
	assert.Equal(t, int64(len(msgs)), run.Sequence)

	var final domain.FinalResultPayload
	require.NoError(t, msgs[len(msgs)-1].Decode(&final))
	assert.Equal(t, "balance sheet reconciles", final.Content)

	assert.Equal(t, []domain.RunState{
		domain.RunStatePlanning,
		domain.RunStateAwaitingApproval,
		domain.RunStateExecuting,
		domain.RunStateCompleted,
	}, h.archive.statesOf(runID))
	assert.Len(t, h.archive.messagesOf(runID), len(msgs))
	assert.True(t, h.eng.Stream(runID).Stopped())
}

func TestRejectedPlanCompletesWithoutConsumingMore(t *testing.T) {
	h := newHarness(t, map[string][]engine.Step{
		"task": engine.Steps(
			engine.PlanProposed{PlanID: "p1", Content: "1. wire money"},
			engine.TextDelta{AgentID: "A", Chunk: "should never be read"},
			engine.FinalResult{Content: "nope"},
		),
	}, Options{})

	runID := h.start(t, "u1", "task")
	waitPending(t, h.approvals, runID)
	require.NoError(t, h.approvals.Resolve("p1", false))

	run := h.waitState(t, runID, domain.RunStateCompleted)
	assert.Equal(t, domain.FinalStatusRejected, run.Outcome)

	msgs := h.sink.forRun("u1", runID)
	assertGapFree(t, msgs)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.MessageTypeFinalResult, msgs[1].Type)
	var final domain.FinalResultPayload
	require.NoError(t, msgs[1].Decode(&final))
	assert.Equal(t, domain.FinalStatusRejected, final.Status)

	assert.Equal(t, 1, h.eng.Stream(runID).Consumed())
}

func TestResolvingPlanTwice(t *testing.T) {
	h := newHarness(t, map[string][]engine.Step{
		"task": append(engine.Steps(engine.PlanProposed{PlanID: "p1"}), engine.Step{Hold: true}),
	}, Options{})

	runID := h.start(t, "u1", "task")
	waitPending(t, h.approvals, runID)
	require.NoError(t, h.approvals.Resolve("p1", true))
	h.waitState(t, runID, domain.RunStateExecuting)

	err := h.approvals.Resolve("p1", false)
	assert.True(t, errors.Is(err, domain.ErrStateConflict))

	time.Sleep(20 * time.Millisecond)
	run, _ := h.ctl.Run(runID)
	assert.Equal(t, domain.RunStateExecuting, run.State)
	assert.Empty(t, run.Outcome)
}

func TestResolvingUnknownIDs(t *testing.T) {
	h := newHarness(t, map[string][]engine.Step{
		"task": engine.Steps(engine.PlanProposed{PlanID: "p1"}),
	}, Options{})

	runID := h.start(t, "u1", "task")
	waitPending(t, h.approvals, runID)
	h.waitMessages(t, "u1", runID, 1)
	before := h.sink.forUser("u1")

	assert.True(t, errors.Is(h.approvals.Resolve("p-unknown", true), domain.ErrValidation))
	assert.True(t, errors.Is(h.clarifications.Resolve("r-unknown", "x"), domain.ErrValidation))

	run, _ := h.ctl.Run(runID)
	assert.Equal(t, domain.RunStateAwaitingApproval, run.State)
	assert.Equal(t, before, h.sink.forUser("u1"))
	_, ok := h.approvals.Owner("p1")
	assert.True(t, ok)
}

func TestCancelWhileAwaitingApproval(t *testing.T) {
	h := newHarness(t, map[string][]engine.Step{
		"task": engine.Steps(
			engine.PlanProposed{PlanID: "p1"},
			engine.TextDelta{AgentID: "A", Chunk: "never"},
		),
	}, Options{})

	runID := h.start(t, "u1", "task")
	waitPending(t, h.approvals, runID)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	start := time.Now()
	run, err := h.ctl.CancelRun(ctx, runID)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, domain.RunStateCancelled, run.State)

	assert.Equal(t, 0, h.approvals.Len())
	assert.True(t, errors.Is(h.approvals.Resolve("p1", true), domain.ErrUnknownID))
	assert.Equal(t, 1, h.eng.Stream(runID).Consumed())
	assert.True(t, h.eng.Stream(runID).Stopped())

	msgs := h.sink.forRun("u1", runID)
	assertGapFree(t, msgs)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.MessageTypeError, msgs[1].Type)
	var payload domain.ErrorPayload
	require.NoError(t, msgs[1].Decode(&payload))
	assert.Equal(t, domain.ErrorKindCancelled, payload.ErrorKind)
}

func TestCancelWhileAwaitingEngine(t *testing.T) {
	h := newHarness(t, map[string][]engine.Step{
		"task": {
			{Event: engine.TextDelta{AgentID: "A", Chunk: "working"}},
			{Hold: true},
			{Event: engine.FinalResult{Content: "never"}},
		},
	}, Options{})

	runID := h.start(t, "u1", "task")
	h.waitMessages(t, "u1", runID, 1)

	run, err := h.ctl.CancelRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateCancelled, run.State)

	msgs := h.sink.forRun("u1", runID)
	assertGapFree(t, msgs)
	assert.Equal(t, []domain.MessageType{
		domain.MessageTypeAgentStreaming,
		domain.MessageTypeError,
	}, types(msgs))
	assert.Equal(t, 1, h.eng.Stream(runID).Consumed())
}

func TestCancelTerminalAndUnknownRuns(t *testing.T) {
	h := newHarness(t, map[string][]engine.Step{
		"task": engine.Steps(engine.FinalResult{Content: "done"}),
	}, Options{})

	runID := h.start(t, "u1", "task")
	h.waitState(t, runID, domain.RunStateCompleted)

	run, err := h.ctl.CancelRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateCompleted, run.State)
	assert.Equal(t, 1, closingCount(h.sink.forRun("u1", runID)))

	_, err = h.ctl.CancelRun(context.Background(), "run_missing")
	assert.True(t, errors.Is(err, domain.ErrUnknownID))
}

func TestScenarioClarificationResumesEngine(t *testing.T) {
	h := newHarness(t, map[string][]engine.Step{
		"task": engine.Steps(
			engine.PlanProposed{PlanID: "p1"},
			engine.ClarificationNeeded{RequestID: "r1", Prompt: "Which bank account?"},
			engine.AgentMessage{AgentID: "A", FullText: "Reconciling Operating Account"},
			engine.FinalResult{Content: "done"},
		),
	}, Options{})

	runID := h.start(t, "u1", "task")
	waitPending(t, h.approvals, runID)
	require.NoError(t, h.approvals.Resolve("p1", true))

	assert.Equal(t, "r1", waitPending(t, h.clarifications, runID))
	h.waitState(t, runID, domain.RunStateAwaitingClarification)

	msgs := h.waitMessages(t, "u1", runID, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.MessageTypeClarificationRequest, msgs[1].Type)
	var prompt domain.ClarificationPayload
	require.NoError(t, msgs[1].Decode(&prompt))
	assert.Equal(t, "Which bank account?", prompt.Prompt)

	require.NoError(t, h.clarifications.Resolve("r1", "Operating Account"))
	h.waitState(t, runID, domain.RunStateCompleted)

	assert.Equal(t, []string{"Operating Account"}, h.eng.Stream(runID).Inputs())
	assert.Equal(t, []domain.RunState{
		domain.RunStatePlanning,
		domain.RunStateAwaitingApproval,
		domain.RunStateExecuting,
		domain.RunStateAwaitingClarification,
		domain.RunStateExecuting,
		domain.RunStateCompleted,
	}, h.archive.statesOf(runID))

	msgs = h.sink.forRun("u1", runID)
	assertGapFree(t, msgs)
	assert.Equal(t, 1, closingCount(msgs))
}

func TestScenarioConcurrentRunsNeverCrossDeliver(t *testing.T) {
	script := func(tag string) []engine.Step {
		steps := []engine.Step{{Event: engine.PlanProposed{PlanID: "plan-" + tag}}}
		for i := 0; i < 20; i++ {
			steps = append(steps, engine.Step{Event: engine.TextDelta{AgentID: tag, Chunk: fmt.Sprintf("%s-%d ", tag, i)}})
		}
		return append(steps, engine.Step{Event: engine.FinalResult{Content: tag}})
	}
	h := newHarness(t, map[string][]engine.Step{
		"task-u1": script("u1"),
		"task-u2": script("u2"),
	}, Options{})

	run1 := h.start(t, "u1", "task-u1")
	run2 := h.start(t, "u2", "task-u2")
	waitPending(t, h.approvals, run1)
	waitPending(t, h.approvals, run2)
	require.NoError(t, h.approvals.Resolve("plan-u2", true))
	require.NoError(t, h.approvals.Resolve("plan-u1", true))
	h.waitState(t, run1, domain.RunStateCompleted)
	h.waitState(t, run2, domain.RunStateCompleted)

	for user, runID := range map[string]string{"u1": run1, "u2": run2} {
		msgs := h.sink.forUser(user)
		require.NotEmpty(t, msgs)
		for _, msg := range msgs {
			assert.Equal(t, runID, msg.RunID, "user %s received a foreign message", user)
		}
		assertGapFree(t, msgs)
		assert.Equal(t, 1, closingCount(msgs))
	}
}

func TestEngineErrorFailsRun(t *testing.T) {
	h := newHarness(t, map[string][]engine.Step{
		"task": {
			{Event: engine.TextDelta{AgentID: "A", Chunk: "partial"}},
			{Err: fmt.Errorf("%w: model unavailable", domain.ErrUpstreamEngine)},
		},
	}, Options{})

	runID := h.start(t, "u1", "task")
	run := h.waitState(t, runID, domain.RunStateFailed)
	assert.Contains(t, run.Error, "model unavailable")

	msgs := h.sink.forRun("u1", runID)
	assertGapFree(t, msgs)
	require.Len(t, msgs, 2)
	var payload domain.ErrorPayload
	require.NoError(t, msgs[1].Decode(&payload))
	assert.Equal(t, domain.ErrorKindUpstreamEngine, payload.ErrorKind)
}

func TestStreamEndingWithoutResultFailsRun(t *testing.T) {
	h := newHarness(t, map[string][]engine.Step{
		"task": engine.Steps(engine.AgentMessage{AgentID: "A", FullText: "hmm"}),
	}, Options{})

	runID := h.start(t, "u1", "task")
	h.waitState(t, runID, domain.RunStateFailed)

	msgs := h.sink.forRun("u1", runID)
	assertGapFree(t, msgs)
	require.Len(t, msgs, 2)
	var payload domain.ErrorPayload
	require.NoError(t, msgs[1].Decode(&payload))
	assert.Equal(t, domain.ErrorKindUpstreamEngine, payload.ErrorKind)
}

func TestEngineStartFailureFailsRun(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.eng.FailStart(errors.New("connection refused"))

	runID := h.start(t, "u1", "task")
	h.waitState(t, runID, domain.RunStateFailed)

	msgs := h.sink.forRun("u1", runID)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MessageTypeError, msgs[0].Type)
	assert.Equal(t, int64(1), msgs[0].Sequence)
}

func TestGateTimeoutFailsRun(t *testing.T) {
	h := newHarness(t, map[string][]engine.Step{
		"task": engine.Steps(engine.ClarificationNeeded{RequestID: "r1", Prompt: "?"}),
	}, Options{}, gate.WithTimeout(20*time.Millisecond))

	runID := h.start(t, "u1", "task")
	h.waitState(t, runID, domain.RunStateFailed)

	msgs := h.sink.forRun("u1", runID)
	assertGapFree(t, msgs)
	require.Len(t, msgs, 2)
	var payload domain.ErrorPayload
	require.NoError(t, msgs[1].Decode(&payload))
	assert.Equal(t, domain.ErrorKindTimedOut, payload.ErrorKind)
	assert.True(t, errors.Is(h.clarifications.Resolve("r1", "late"), domain.ErrValidation))
}

func TestDuplicatePlanIDAcrossRunsFailsSecondRun(t *testing.T) {
	steps := engine.Steps(engine.PlanProposed{PlanID: "shared"})
	h := newHarness(t, map[string][]engine.Step{"a": steps, "b": steps}, Options{})

	first := h.start(t, "u1", "a")
	waitPending(t, h.approvals, first)
	second := h.start(t, "u2", "b")
	h.waitState(t, second, domain.RunStateFailed)

	msgs := h.sink.forRun("u2", second)
	assertGapFree(t, msgs)
	require.Len(t, msgs, 1)
	var payload domain.ErrorPayload
	require.NoError(t, msgs[0].Decode(&payload))
	assert.Equal(t, domain.ErrorKindStateConflict, payload.ErrorKind)

	run, _ := h.ctl.Run(first)
	assert.Equal(t, domain.RunStateAwaitingApproval, run.State)
}

func TestPlanIDReusedAfterResolution(t *testing.T) {
	steps := engine.Steps(
		engine.PlanProposed{PlanID: "plan-1"},
		engine.FinalResult{Content: "ok"},
	)
	h := newHarness(t, map[string][]engine.Step{"a": steps, "b": steps}, Options{})

	first := h.start(t, "u1", "a")
	assert.Equal(t, "plan-1", waitPending(t, h.approvals, first))
	require.NoError(t, h.approvals.Resolve("plan-1", true))
	h.waitState(t, first, domain.RunStateCompleted)

	second := h.start(t, "u1", "b")
	assert.Equal(t, "plan-1", waitPending(t, h.approvals, second))
	h.waitState(t, second, domain.RunStateAwaitingApproval)
	require.NoError(t, h.approvals.Resolve("plan-1", true))
	h.waitState(t, second, domain.RunStateCompleted)
	assertGapFree(t, h.sink.forRun("u1", second))

	assert.True(t, errors.Is(h.approvals.Resolve("plan-1", true), domain.ErrStateConflict))
}

func TestStartRunValidation(t *testing.T) {
	h := newHarness(t, nil, Options{})
	_, err := h.ctl.StartRun(context.Background(), domain.StartRunRequest{Task: "x"})
	assert.True(t, errors.Is(err, domain.ErrValidation))
	_, err = h.ctl.StartRun(context.Background(), domain.StartRunRequest{UserID: "u1", Task: "   "})
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Empty(t, h.ctl.Runs())
}

func TestMaxConcurrentRunsQueuesAndCancels(t *testing.T) {
	h := newHarness(t, map[string][]engine.Step{
		"slow": {{Hold: true}},
		"fast": engine.Steps(engine.FinalResult{Content: "ok"}),
	}, Options{MaxConcurrentRuns: 1})

	slow := h.start(t, "u1", "slow")
	require.Eventually(t, func() bool { return h.eng.Stream(slow) != nil }, waitFor, time.Millisecond)

	queued := h.start(t, "u1", "fast")
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, h.eng.Stream(queued), "queued run must not start its engine")
	run, _ := h.ctl.Run(queued)
	assert.Equal(t, domain.RunStatePlanning, run.State)
	assert.Equal(t, 2, h.ctl.ActiveCount())

	run, err := h.ctl.CancelRun(context.Background(), queued)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateCancelled, run.State)

	_, err = h.ctl.CancelRun(context.Background(), slow)
	require.NoError(t, err)

	next := h.start(t, "u1", "fast")
	h.waitState(t, next, domain.RunStateCompleted)
}

func TestShutdownCancelsRuns(t *testing.T) {
	h := newHarness(t, map[string][]engine.Step{
		"task": engine.Steps(engine.PlanProposed{PlanID: "p1"}),
	}, Options{})

	runID := h.start(t, "u1", "task")
	waitPending(t, h.approvals, runID)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.ctl.Shutdown(ctx))

	run, _ := h.ctl.Run(runID)
	assert.Equal(t, domain.RunStateCancelled, run.State)
	assert.Equal(t, 0, h.ctl.ActiveCount())

	_, err := h.ctl.StartRun(context.Background(), domain.StartRunRequest{UserID: "u1", Task: "task"})
	assert.True(t, errors.Is(err, domain.ErrStateConflict))
}
