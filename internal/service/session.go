package service

import (
	"fmt"

	"github.com/xiaot623/reviewflow/internal/domain"
	"github.com/xiaot623/reviewflow/internal/session"
)

// OpenSession binds ch as the live channel of (userID, processID), replacing
// any previous one.
func (s *Service) OpenSession(userID, processID string, ch session.Channel) error {
	if userID == "" {
		return fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	if processID == "" {
		return fmt.Errorf("process_id is required: %w", domain.ErrValidation)
	}
	s.sessions.Register(userID, processID, ch)
	return nil
}

// CloseSession unbinds (userID, processID). With a non-nil ch the session is
// only removed while it is still bound to ch.
func (s *Service) CloseSession(userID, processID string, ch session.Channel) {
	if ch == nil {
		s.sessions.Unregister(userID, processID)
		return
	}
	s.sessions.Release(userID, processID, ch)
}

// Sessions returns the process ids with a live session for userID.
func (s *Service) Sessions(userID string) []string {
	return s.sessions.Sessions(userID)
}
