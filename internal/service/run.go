package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/reviewflow/internal/domain"
	"github.com/xiaot623/reviewflow/internal/policy"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// StartRun schedules a run for req.UserID and returns immediately.
func (s *Service) StartRun(ctx context.Context, req domain.StartRunRequest) (*domain.StartRunResponse, error) {
	run, err := s.runs.StartRun(ctx, req)
	if err != nil {
		return nil, err
	}
	return &domain.StartRunResponse{RunID: run.RunID, State: run.State}, nil
}

// CancelRun cancels runID on behalf of userID. Cancelling a terminal run
// returns it unchanged.
func (s *Service) CancelRun(ctx context.Context, userID, runID string) (*domain.Run, error) {
	run, err := s.lookupRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, policy.ActionCancelRun, userID, *run); err != nil {
		return nil, err
	}
	if run.State.Terminal() {
		return run, nil
	}

	cancelled, err := s.runs.CancelRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("run_id", runID).Str("user_id", userID).Str("state", string(cancelled.State)).Msg("run cancel requested")
	return &cancelled, nil
}

// GetRun returns runID, from memory or the archive.
func (s *Service) GetRun(ctx context.Context, userID, runID string) (*domain.Run, error) {
	run, err := s.lookupRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, policy.ActionReadRun, userID, *run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns userID's runs, newest first.
func (s *Service) ListRuns(ctx context.Context, userID string, limit int) ([]domain.Run, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	limit = clampLimit(limit)

	if s.store != nil {
		runs, err := s.store.ListRuns(ctx, userID, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}
		return runs, nil
	}

	all := s.runs.Runs()
	runs := make([]domain.Run, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(runs) < limit; i-- {
		if all[i].UserID == userID {
			runs = append(runs, all[i])
		}
	}
	return runs, nil
}

// ListRunMessages returns the archived messages of runID with a sequence
// greater than afterSeq. Clients use it to catch up after reconnecting.
func (s *Service) ListRunMessages(ctx context.Context, userID, runID string, afterSeq int64, limit int) ([]domain.Message, error) {
	if afterSeq < 0 {
		return nil, fmt.Errorf("after_sequence must not be negative: %w", domain.ErrValidation)
	}
	run, err := s.lookupRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, policy.ActionReadRun, userID, *run); err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, fmt.Errorf("message archive is disabled: %w", domain.ErrStateConflict)
	}

	msgs, err := s.store.ListMessages(ctx, runID, afterSeq, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

func (s *Service) lookupRun(ctx context.Context, runID string) (*domain.Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required: %w", domain.ErrValidation)
	}
	if run, ok := s.runs.Run(runID); ok {
		return &run, nil
	}
	if s.store != nil {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to get run: %w", err)
		}
		if run != nil {
			return run, nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", runID, domain.ErrUnknownID)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
