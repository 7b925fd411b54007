package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStreamStopped is returned by Inject after Stop.
var ErrStreamStopped = errors.New("stream stopped")

// Step is one scripted action of a MockStream.
type Step struct {
	Event Event
	// Err is returned from Next instead of an event.
	Err error
	// Hold makes Next block until its context ends or the stream is stopped.
	Hold bool
	// Delay is slept (context aware) before the step is produced.
	Delay time.Duration
}

// ScriptFunc returns the steps a mock run produces for a task.
type ScriptFunc func(runID, task string) []Step

// MockEngine is a scripted Engine used by tests and demo mode.
type MockEngine struct {
	script ScriptFunc

	mu       sync.Mutex
	streams  map[string]*MockStream
	startErr error
}

// Ensure MockEngine implements Engine interface.
var _ Engine = (*MockEngine)(nil)

// NewMockEngine creates a mock engine. A nil script selects DemoScript.
func NewMockEngine(script ScriptFunc) *MockEngine {
	if script == nil {
		script = DemoScript
	}
	return &MockEngine{
		script:  script,
		streams: make(map[string]*MockStream),
	}
}

// FailStart makes every subsequent Start return err.
func (m *MockEngine) FailStart(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// Start implements Engine.
func (m *MockEngine) Start(ctx context.Context, runID, task string) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return nil, m.startErr
	}
	s := &MockStream{
		steps:  m.script(runID, task),
		stopCh: make(chan struct{}),
	}
	m.streams[runID] = s
	return s, nil
}

// Stream returns the stream started for runID, or nil.
func (m *MockEngine) Stream(runID string) *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[runID]
}

// MockStream replays scripted steps. After producing a ClarificationNeeded it
// withholds further events until an answer is injected.
type MockStream struct {
	mu       sync.Mutex
	steps    []Step
	pos      int
	consumed int
	inputs   []string
	waiting  bool
	resume   chan struct{}
	stopped  bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Next implements Stream.
func (s *MockStream) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.waiting {
		resume := s.resume
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.stopCh:
			return nil, io.EOF
		case <-resume:
		}
		s.mu.Lock()
	}
	if s.pos >= len(s.steps) {
		s.mu.Unlock()
		return nil, io.EOF
	}
	step := s.steps[s.pos]
	s.pos++
	s.mu.Unlock()

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if step.Hold {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.stopCh:
			return nil, io.EOF
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed++
	if _, ok := step.Event.(ClarificationNeeded); ok {
		s.waiting = true
		s.resume = make(chan struct{})
	}
	return step.Event, nil
}

// Inject implements Stream.
func (s *MockStream) Inject(ctx context.Context, input string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStreamStopped
	}
	s.inputs = append(s.inputs, input)
	if s.waiting {
		s.waiting = false
		close(s.resume)
	}
	return nil
}

// Stop implements Stream.
func (s *MockStream) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.stopCh)
	})
	return nil
}

// Consumed returns how many events Next has produced.
func (s *MockStream) Consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

// Inputs returns the injected answers in order.
func (s *MockStream) Inputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inputs...)
}

// Stopped reports whether Stop was called.
func (s *MockStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Steps is a convenience for building scripts from bare events.
func Steps(events ...Event) []Step {
	steps := make([]Step, len(events))
	for i, ev := range events {
		steps[i] = Step{Event: ev}
	}
	return steps
}

// DemoScript produces a plausible review run: a plan, a clarification,
// streamed analysis with an inline tool call, and a final result.
func DemoScript(runID, task string) []Step {
	planID := "plan_" + uuid.New().String()[:8]
	requestID := "req_" + uuid.New().String()[:8]
	pause := 150 * time.Millisecond

	steps := []Step{
		{Event: TextDelta{AgentID: "planner", Chunk: "Drafting a review plan"}, Delay: pause},
		{Event: TextDelta{AgentID: "planner", Chunk: " for: " + task}, Delay: pause},
		{Event: PlanProposed{PlanID: planID, Content: "1. Collect the relevant ledgers\n2. Reconcile balances\n3. Summarize findings"}, Delay: pause},
		{Event: ClarificationNeeded{RequestID: requestID, Prompt: "Which bank account should be reconciled?"}, Delay: pause},
		{Event: TextDelta{AgentID: "analyst", Chunk: "Reconciling the selected account"}, Delay: pause},
		{Event: TextDelta{AgentID: "analyst", Chunk: " against the ledger."}, Delay: pause},
		{Event: AgentMessage{AgentID: "analyst", FullText: "Reconciling the selected account against the ledger. " +
			`{"tool": "ledger.fetch_balances", "arguments": {"period": "current"}}`}, Delay: pause},
		{Event: ToolInvocation{AgentID: "reviewer", ToolName: "rules.evaluate", Args: []byte(`{"ruleset":"balance_sheet"}`)}, Delay: pause},
		{Event: AgentMessage{AgentID: "reviewer", FullText: "All balances reconcile [1]. No exceptions found."}, Delay: pause},
		{Event: FinalResult{Content: "Review of \"" + task + "\" completed with no exceptions."}, Delay: pause},
	}
	return steps
}
