// Package runctl owns the lifecycle of runs: it starts each run on its own
// goroutine, drives the engine's event stream through the translator, blocks
// on the approval and clarification gates, and settles every run into exactly
// one terminal state with exactly one closing message.
package runctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/xiaot623/reviewflow/internal/domain"
	"github.com/xiaot623/reviewflow/internal/engine"
	"github.com/xiaot623/reviewflow/internal/gate"
)

const maxRetiredRuns = 1024

// Archive persists runs and the messages delivered for them.
type Archive interface {
	SaveRun(ctx context.Context, run *domain.Run) error
	AppendMessage(ctx context.Context, msg domain.Message) error
}

// Options configures a Controller.
type Options struct {
	// MaxConcurrentRuns bounds the runs executing at once. Zero is unbounded.
	MaxConcurrentRuns int
	// CleanCitations strips citation markers from completed agent text.
	CleanCitations bool
	// Archive is optional.
	Archive Archive
}

// Controller starts, drives and cancels runs.
type Controller struct {
	engine         engine.Engine
	sender         gate.Sender
	approvals      *gate.Gate[bool]
	clarifications *gate.Gate[string]
	archive        Archive
	sem            *semaphore.Weighted
	cleanCitations bool
	logger         zerolog.Logger

	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	runs    map[string]*run
	retired []string
	closed  bool
}

// New creates a controller. sender delivers run messages to sessions and is
// normally the same session registry the gates were built with.
func New(eng engine.Engine, sender gate.Sender, approvals *gate.Gate[bool], clarifications *gate.Gate[string], logger zerolog.Logger, opts Options) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		engine:         eng,
		sender:         sender,
		approvals:      approvals,
		clarifications: clarifications,
		archive:        opts.Archive,
		cleanCitations: opts.CleanCitations,
		logger:         logger.With().Str("component", "run_controller").Logger(),
		baseCtx:        ctx,
		stopAll:        cancel,
		runs:           make(map[string]*run),
	}
	if opts.MaxConcurrentRuns > 0 {
		c.sem = semaphore.NewWeighted(int64(opts.MaxConcurrentRuns))
	}
	return c
}

// StartRun creates a run in Planning and schedules its execution. It returns
// without waiting for the engine.
func (c *Controller) StartRun(ctx context.Context, req domain.StartRunRequest) (domain.Run, error) {
	task := strings.TrimSpace(req.Task)
	if req.UserID == "" {
		return domain.Run{}, fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	if task == "" {
		return domain.Run{}, fmt.Errorf("task is required: %w", domain.ErrValidation)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.Run{}, fmt.Errorf("controller is shutting down: %w", domain.ErrStateConflict)
	}
	runID := c.newRunIDLocked()
	runCtx, cancel := context.WithCancel(c.baseCtx)
	r := &run{
		info: domain.Run{
			RunID:     runID,
			UserID:    req.UserID,
			ProcessID: req.ProcessID,
			Task:      task,
			State:     domain.RunStatePlanning,
			CreatedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.runs[runID] = r
	c.wg.Add(1)
	c.mu.Unlock()

	c.save(r)
	c.logger.Info().Str("run_id", runID).Str("user_id", req.UserID).Msg("run started")

	go c.execute(runCtx, r)
	return r.snapshot(), nil
}

func (c *Controller) newRunIDLocked() string {
	for {
		runID := "run_" + uuid.New().String()[:8]
		if _, exists := c.runs[runID]; !exists {
			return runID
		}
	}
}

// CancelRun moves a non-terminal run to Cancelled and waits, bounded by ctx,
// for its goroutine to settle. Cancelling a terminal run is a no-op.
func (c *Controller) CancelRun(ctx context.Context, runID string) (domain.Run, error) {
	r, ok := c.lookup(runID)
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s: %w", runID, domain.ErrUnknownID)
	}

	r.mu.Lock()
	if r.info.State.Terminal() {
		r.mu.Unlock()
		return r.snapshot(), nil
	}
	r.cancelRequested = true
	r.mu.Unlock()

	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
	return r.snapshot(), nil
}

// Run returns a snapshot of runID.
func (c *Controller) Run(runID string) (domain.Run, bool) {
	r, ok := c.lookup(runID)
	if !ok {
		return domain.Run{}, false
	}
	return r.snapshot(), true
}

// Runs returns snapshots of the runs held in memory, oldest first.
func (c *Controller) Runs() []domain.Run {
	c.mu.RLock()
	runs := make([]domain.Run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r.snapshot())
	}
	c.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs
}

// ActiveCount returns the number of runs not yet terminal.
func (c *Controller) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, r := range c.runs {
		if !r.state().Terminal() {
			n++
		}
	}
	return n
}

// Shutdown cancels every run and waits for them to settle.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stopAll()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) lookup(runID string) (*run, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.runs[runID]
	return r, ok
}

// retire bounds the number of terminal runs kept in memory. Older ones remain
// available through the archive.
func (c *Controller) retire(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retired = append(c.retired, runID)
	for len(c.retired) > maxRetiredRuns {
		delete(c.runs, c.retired[0])
		c.retired = c.retired[1:]
	}
}

// run is the controller's record of one run. info is guarded by mu; the run
// goroutine is its only writer.
type run struct {
	mu              sync.Mutex
	info            domain.Run
	cancelRequested bool

	cancel context.CancelFunc
	done   chan struct{}
}

func (r *run) snapshot() domain.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := r.info
	if r.info.EndedAt != nil {
		ended := *r.info.EndedAt
		info.EndedAt = &ended
	}
	return info
}

func (r *run) state() domain.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info.State
}

func (r *run) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

// errEngineExhausted marks an event stream that ended without a final result.
var errEngineExhausted = errors.New("event stream ended without a final result")

func isCancellation(err error) bool {
	return errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled)
}

// upstream classifies a stream failure, letting cancellation take precedence.
func upstream(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamEngine, errEngineExhausted)
	}
	if errors.Is(err, domain.ErrUpstreamEngine) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrUpstreamEngine, err)
}
