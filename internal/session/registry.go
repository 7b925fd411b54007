// Package session tracks the live delivery channel of each (user, process)
// pair and delivers run messages to them on a best-effort basis.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xiaot623/reviewflow/internal/domain"
)

// Channel is a live connection to one client.
type Channel interface {
	// Send queues msg for delivery. It must not block on a slow client and
	// returns an error wrapping domain.ErrTransport once the channel is unusable.
	Send(msg domain.Message) error
	Close() error
}

type key struct {
	userID    string
	processID string
}

// Registry maps (user, process) pairs to their live channel.
type Registry struct {
	mu       sync.RWMutex
	sessions map[key]Channel
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[key]Channel),
		logger:   logger.With().Str("component", "session_registry").Logger(),
	}
}

// Register binds ch to (userID, processID), replacing and closing any previous
// channel for the pair.
func (r *Registry) Register(userID, processID string, ch Channel) {
	k := key{userID, processID}
	r.mu.Lock()
	old := r.sessions[k]
	r.sessions[k] = ch
	r.mu.Unlock()

	if old != nil && old != ch {
		r.logger.Info().Str("user_id", userID).Str("process_id", processID).Msg("replacing session")
		if err := old.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("failed to close replaced session")
		}
	}
	r.logger.Debug().Str("user_id", userID).Str("process_id", processID).Msg("session registered")
}

// Unregister removes the session for (userID, processID). It is a no-op when
// none is registered.
func (r *Registry) Unregister(userID, processID string) {
	r.mu.Lock()
	delete(r.sessions, key{userID, processID})
	r.mu.Unlock()
}

// Release removes the session only if it is still bound to ch, so a replaced
// connection's cleanup cannot evict its successor. It reports whether ch was
// removed.
func (r *Registry) Release(userID, processID string, ch Channel) bool {
	k := key{userID, processID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[k] != ch {
		return false
	}
	delete(r.sessions, k)
	return true
}

// Send delivers msg to the session of (userID, processID). An empty processID
// delivers to every session of the user. Delivery never fails the caller: a
// missing session is logged and a broken channel is dropped.
func (r *Registry) Send(userID, processID string, msg domain.Message) {
	targets := r.targets(userID, processID)
	if len(targets) == 0 {
		r.logger.Debug().
			Str("user_id", userID).
			Str("process_id", processID).
			Str("run_id", msg.RunID).
			Int64("sequence", msg.Sequence).
			Msg("no session registered, dropping message")
		return
	}

	for k, ch := range targets {
		if err := ch.Send(msg); err != nil {
			if !errors.Is(err, domain.ErrTransport) {
				err = fmt.Errorf("%w: %v", domain.ErrTransport, err)
			}
			r.logger.Warn().Err(err).
				Str("user_id", k.userID).
				Str("process_id", k.processID).
				Str("run_id", msg.RunID).
				Int64("sequence", msg.Sequence).
				Msg("delivery failed, dropping session")
			if r.Release(k.userID, k.processID, ch) {
				ch.Close()
			}
		}
	}
}

func (r *Registry) targets(userID, processID string) map[key]Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if processID != "" {
		ch, ok := r.sessions[key{userID, processID}]
		if !ok {
			return nil
		}
		return map[key]Channel{{userID, processID}: ch}
	}
	targets := make(map[key]Channel)
	for k, ch := range r.sessions {
		if k.userID == userID {
			targets[k] = ch
		}
	}
	return targets
}

// Sessions returns the process ids with a live session for userID.
func (r *Registry) Sessions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for k := range r.sessions {
		if k.userID == userID {
			ids = append(ids, k.processID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
