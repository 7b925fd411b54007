package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaot623/reviewflow/internal/domain"
	"github.com/xiaot623/reviewflow/internal/policy"
)

// SubmitApproval resolves the pending approval planID. Only the owner of the
// waiting run may decide it.
func (s *Service) SubmitApproval(ctx context.Context, userID, planID string, approved bool) error {
	if planID == "" {
		return fmt.Errorf("plan_id is required: %w", domain.ErrValidation)
	}
	if runID, ok := s.approvals.Owner(planID); ok {
		if err := s.authorizeRun(ctx, policy.ActionSubmitApproval, userID, runID); err != nil {
			return err
		}
	}
	if err := s.approvals.Resolve(planID, approved); err != nil {
		return err
	}
	s.logger.Info().Str("plan_id", planID).Str("user_id", userID).Bool("approved", approved).Msg("plan decision submitted")
	return nil
}

// SubmitClarification resolves the pending clarification requestID with a
// non-empty answer.
func (s *Service) SubmitClarification(ctx context.Context, userID, requestID, answer string) error {
	if requestID == "" {
		return fmt.Errorf("request_id is required: %w", domain.ErrValidation)
	}
	if strings.TrimSpace(answer) == "" {
		return fmt.Errorf("answer must not be empty: %w", domain.ErrValidation)
	}
	if runID, ok := s.clarifications.Owner(requestID); ok {
		if err := s.authorizeRun(ctx, policy.ActionSubmitClarification, userID, runID); err != nil {
			return err
		}
	}
	if err := s.clarifications.Resolve(requestID, answer); err != nil {
		return err
	}
	s.logger.Info().Str("request_id", requestID).Str("user_id", userID).Msg("clarification submitted")
	return nil
}

func (s *Service) authorizeRun(ctx context.Context, action, userID, runID string) error {
	run, ok := s.runs.Run(runID)
	if !ok {
		// A pending gate entry always belongs to a live run.
		return fmt.Errorf("run %s: %w", runID, domain.ErrUnknownID)
	}
	return s.authorize(ctx, action, userID, run)
}
