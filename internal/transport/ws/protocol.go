package ws

// Inbound command types.
const (
	TypePlanApproval      = "plan_approval"
	TypeUserClarification = "user_clarification"
	TypeCancelRun         = "cancel_run"
)

// TypeCommandResult answers an inbound command.
const TypeCommandResult = "command_result"

// Command is an inbound frame. ID is an optional client correlation id echoed
// in the CommandResult.
type Command struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	PlanID    string `json:"plan_id,omitempty"`
	Approved  *bool  `json:"approved,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Answer    string `json:"answer,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// CommandResult reports the outcome of a Command.
type CommandResult struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Command   string `json:"command"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Ts        int64  `json:"ts"`
}
