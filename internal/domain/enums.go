// Package domain defines the core domain models for the run controller.
package domain

// RunState represents the lifecycle state of a run.
type RunState string

const (
	RunStatePlanning              RunState = "PLANNING"
	RunStateAwaitingApproval      RunState = "AWAITING_APPROVAL"
	RunStateExecuting             RunState = "EXECUTING"
	RunStateAwaitingClarification RunState = "AWAITING_CLARIFICATION"
	RunStateCompleted             RunState = "COMPLETED"
	RunStateFailed                RunState = "FAILED"
	RunStateCancelled             RunState = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCancelled:
		return true
	}
	return false
}

var runTransitions = map[RunState][]RunState{
	RunStatePlanning:              {RunStateAwaitingApproval, RunStateAwaitingClarification, RunStateCompleted},
	RunStateAwaitingApproval:      {RunStateExecuting, RunStateCompleted},
	RunStateExecuting:             {RunStateAwaitingApproval, RunStateAwaitingClarification, RunStateCompleted},
	RunStateAwaitingClarification: {RunStateExecuting},
}

// CanTransitionTo reports whether the run state machine allows s -> next.
// Failed and Cancelled are reachable from every non-terminal state.
func (s RunState) CanTransitionTo(next RunState) bool {
	if s.Terminal() {
		return false
	}
	if next == RunStateFailed || next == RunStateCancelled {
		return true
	}
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MessageType is the type tag of an outbound wire message.
type MessageType string

const (
	MessageTypeAgentStreaming       MessageType = "AGENT_MESSAGE_STREAMING"
	MessageTypeAgentComplete        MessageType = "AGENT_MESSAGE_COMPLETE"
	MessageTypeAgentTool            MessageType = "AGENT_TOOL_MESSAGE"
	MessageTypePlanApprovalRequest  MessageType = "PLAN_APPROVAL_REQUEST"
	MessageTypeClarificationRequest MessageType = "USER_CLARIFICATION_REQUEST"
	MessageTypeFinalResult          MessageType = "FINAL_RESULT_MESSAGE"
	MessageTypeError                MessageType = "ERROR_MESSAGE"
)

// Closing reports whether t terminates a run's message stream.
func (t MessageType) Closing() bool {
	return t == MessageTypeFinalResult || t == MessageTypeError
}

// Final result statuses.
const (
	FinalStatusCompleted = "completed"
	FinalStatusRejected  = "rejected"
)
