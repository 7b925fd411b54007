package domain

import "time"

// Run represents one end-to-end execution of a submitted task.
type Run struct {
	RunID     string     `json:"run_id"`
	UserID    string     `json:"user_id"`
	ProcessID string     `json:"process_id,omitempty"`
	Task      string     `json:"task"`
	State     RunState   `json:"state"`
	Sequence  int64      `json:"sequence"`
	Outcome   string     `json:"outcome,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// StartRunRequest is the input of a run submission.
type StartRunRequest struct {
	UserID    string `json:"user_id"`
	ProcessID string `json:"process_id,omitempty"`
	Task      string `json:"task"`
}

// StartRunResponse is returned once a run has been scheduled.
type StartRunResponse struct {
	RunID string   `json:"run_id"`
	State RunState `json:"state"`
}

// ApprovalDecision is the body of a plan approval submission.
type ApprovalDecision struct {
	Approved bool `json:"approved"`
}

// ClarificationAnswer is the body of a clarification submission.
type ClarificationAnswer struct {
	Answer string `json:"answer"`
}
