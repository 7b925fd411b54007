// Package service is the API boundary of the run controller. Transports call
// it; it validates input, enforces the run policy and delegates to the
// controller, the gates and the session registry.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/reviewflow/internal/config"
	"github.com/xiaot623/reviewflow/internal/domain"
	"github.com/xiaot623/reviewflow/internal/gate"
	"github.com/xiaot623/reviewflow/internal/policy"
	"github.com/xiaot623/reviewflow/internal/runctl"
	"github.com/xiaot623/reviewflow/internal/session"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Store is the run archive the service reads back from.
type Store interface {
	runctl.Archive
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, userID string, limit int) ([]domain.Run, error)
	ListMessages(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.Message, error)
	Ping(ctx context.Context) error
}

type Service struct {
	store          Store
	runs           *runctl.Controller
	approvals      *gate.Gate[bool]
	clarifications *gate.Gate[string]
	sessions       *session.Registry
	policyEngine   *policy.Engine
	config         *config.Config
	logger         zerolog.Logger
	startedAt      time.Time
}

// New creates the service. store and policyEngine may be nil: without a store
// only in-memory runs are visible, without a policy every caller is allowed.
func New(store Store, runs *runctl.Controller, approvals *gate.Gate[bool], clarifications *gate.Gate[string], sessions *session.Registry, policyEngine *policy.Engine, cfg *config.Config, logger zerolog.Logger) *Service {
	return &Service{
		store:          store,
		runs:           runs,
		approvals:      approvals,
		clarifications: clarifications,
		sessions:       sessions,
		policyEngine:   policyEngine,
		config:         cfg,
		logger:         logger.With().Str("component", "service").Logger(),
		startedAt:      time.Now(),
	}
}

// authorize checks that userID may perform action on run.
func (s *Service) authorize(ctx context.Context, action, userID string, run domain.Run) error {
	if s.policyEngine == nil {
		return nil
	}
	allowed, err := s.policyEngine.Allow(ctx, policy.Input{
		Action:  action,
		UserID:  userID,
		OwnerID: run.UserID,
		RunID:   run.RunID,
	})
	if err != nil {
		return fmt.Errorf("policy check: %w", err)
	}
	if !allowed {
		s.logger.Warn().Str("action", action).Str("user_id", userID).Str("run_id", run.RunID).Msg("policy denied request")
		return fmt.Errorf("user %q may not %s on run %s: %w", userID, action, run.RunID, domain.ErrForbidden)
	}
	return nil
}

// Health describes the service's current load.
type Health struct {
	Status                string `json:"status"`
	Version               string `json:"version"`
	ActiveRuns            int    `json:"active_runs"`
	Sessions              int    `json:"sessions"`
	PendingApprovals      int    `json:"pending_approvals"`
	PendingClarifications int    `json:"pending_clarifications"`
	UptimeSeconds         int64  `json:"uptime_seconds"`
	Error                 string `json:"error,omitempty"`
}

// Health reports liveness. The status is "degraded" when the archive is
// unreachable.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:                "healthy",
		Version:               Version,
		ActiveRuns:            s.runs.ActiveCount(),
		Sessions:              s.sessions.Count(),
		PendingApprovals:      s.approvals.Len(),
		PendingClarifications: s.clarifications.Len(),
		UptimeSeconds:         int64(time.Since(s.startedAt).Seconds()),
	}
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			h.Status = "degraded"
			h.Error = err.Error()
		}
	}
	return h
}
