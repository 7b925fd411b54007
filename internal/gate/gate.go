// Package gate implements the blocking approval and clarification handshake:
// a run registers a pending request under a key, the request message is
// delivered to the reviewer, and the run suspends until someone resolves the
// key, the run is cancelled, or the configured timeout elapses.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xiaot623/reviewflow/internal/domain"
)

const (
	defaultRetention     = 10 * time.Minute
	defaultRetentionSize = 4096
)

// Sender delivers request messages to a user's sessions.
type Sender interface {
	Send(userID, processID string, msg domain.Message)
}

// Request describes one pending request.
type Request struct {
	Key       string
	RunID     string
	UserID    string
	ProcessID string
	// Message builds the request message. It is only called once the entry
	// has been registered, so a rejected request consumes no sequence number.
	Message func() (domain.Message, error)
}

// Gate coordinates pending requests resolved with a value of type T.
// Approvals use Gate[bool], clarifications Gate[string].
type Gate[T any] struct {
	name    string
	sender  Sender
	timeout time.Duration
	logger  zerolog.Logger

	mu       sync.Mutex
	pending  map[string]*entry[T]
	byRun    map[string]string
	resolved *resolvedSet
}

type entry[T any] struct {
	key    string
	runID  string
	result chan T
}

// Option configures a Gate.
type Option func(*options)

type options struct {
	timeout       time.Duration
	retention     time.Duration
	retentionSize int
}

// WithTimeout bounds every wait. Zero waits until resolved or cancelled.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithRetention sets how long, and how many, resolved keys are remembered so
// that a repeated resolution reports a conflict rather than an unknown key.
func WithRetention(ttl time.Duration, size int) Option {
	return func(o *options) {
		if ttl > 0 {
			o.retention = ttl
		}
		if size > 0 {
			o.retentionSize = size
		}
	}
}

// New creates a gate. name identifies it in errors and logs.
func New[T any](name string, sender Sender, logger zerolog.Logger, opts ...Option) *Gate[T] {
	o := options{retention: defaultRetention, retentionSize: defaultRetentionSize}
	for _, opt := range opts {
		opt(&o)
	}
	return &Gate[T]{
		name:     name,
		sender:   sender,
		timeout:  o.timeout,
		logger:   logger.With().Str("component", "gate").Str("gate", name).Logger(),
		pending:  make(map[string]*entry[T]),
		byRun:    make(map[string]string),
		resolved: newResolvedSet(o.retention, o.retentionSize),
	}
}

// Request registers req, delivers its message and blocks until the key is
// resolved. It fails with ErrStateConflict if the key is already pending or
// the run already waits on this gate; with ErrCancelled when ctx ends; with
// ErrTimedOut when the gate timeout elapses. A key whose earlier request was
// resolved can be requested again.
func (g *Gate[T]) Request(ctx context.Context, req Request) (T, error) {
	var zero T
	if req.Key == "" {
		return zero, fmt.Errorf("%s key is required: %w", g.name, domain.ErrValidation)
	}

	if ctx.Err() != nil {
		return zero, fmt.Errorf("%s %s: %w", g.name, req.Key, domain.ErrCancelled)
	}

	e, err := g.register(req)
	if err != nil {
		return zero, err
	}
	defer g.remove(e)

	if req.Message != nil {
		msg, err := req.Message()
		if err != nil {
			return zero, err
		}
		g.sender.Send(req.UserID, req.ProcessID, msg)
	}

	var expired <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case v := <-e.result:
		return v, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%s %s: %w", g.name, req.Key, domain.ErrCancelled)
	case <-expired:
		g.logger.Warn().Str("key", req.Key).Str("run_id", req.RunID).Dur("timeout", g.timeout).Msg("request timed out")
		return zero, fmt.Errorf("%s %s: %w", g.name, req.Key, domain.ErrTimedOut)
	}
}

func (g *Gate[T]) register(req Request) (*entry[T], error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.pending[req.Key]; ok {
		return nil, fmt.Errorf("%s %s already pending: %w", g.name, req.Key, domain.ErrStateConflict)
	}
	if other, ok := g.byRun[req.RunID]; ok {
		return nil, fmt.Errorf("run %s already waits on %s %s: %w", req.RunID, g.name, other, domain.ErrStateConflict)
	}

	// a key may be reused once its earlier request has been resolved
	g.resolved.remove(req.Key)
	e := &entry[T]{key: req.Key, runID: req.RunID, result: make(chan T, 1)}
	g.pending[req.Key] = e
	g.byRun[req.RunID] = req.Key
	g.logger.Debug().Str("key", req.Key).Str("run_id", req.RunID).Msg("request registered")
	return e, nil
}

// remove drops e if it is still pending.
func (g *Gate[T]) remove(e *entry[T]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[e.key] == e {
		delete(g.pending, e.key)
		delete(g.byRun, e.runID)
	}
}

// Resolve records value for key and wakes its waiter. It fails with
// ErrUnknownID for a key that is not pending and with ErrStateConflict for a
// key that was already resolved. A failed call has no side effect.
func (g *Gate[T]) Resolve(key string, value T) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.pending[key]
	if !ok {
		if g.resolved.contains(key) {
			return fmt.Errorf("%s %s already resolved: %w", g.name, key, domain.ErrStateConflict)
		}
		return fmt.Errorf("%s %s: %w", g.name, key, domain.ErrUnknownID)
	}

	delete(g.pending, key)
	delete(g.byRun, e.runID)
	g.resolved.add(key)
	e.result <- value
	g.logger.Debug().Str("key", key).Str("run_id", e.runID).Msg("request resolved")
	return nil
}

// Owner returns the run waiting on key.
func (g *Gate[T]) Owner(key string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.pending[key]
	if !ok {
		return "", false
	}
	return e.runID, true
}

// Pending returns the key runID currently waits on.
func (g *Gate[T]) Pending(runID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key, ok := g.byRun[runID]
	return key, ok
}

// Len returns the number of pending requests.
func (g *Gate[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
