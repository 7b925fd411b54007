package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the outbound wire envelope delivered to a session.
type Message struct {
	Type     MessageType     `json:"type"`
	RunID    string          `json:"run_id"`
	Sequence int64           `json:"sequence"`
	Ts       int64           `json:"ts"` // Unix milliseconds
	Payload  json.RawMessage `json:"payload"`
}

// NewMessage builds an envelope with the payload marshaled to JSON.
func NewMessage(typ MessageType, runID string, seq int64, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return Message{
		Type:     typ,
		RunID:    runID,
		Sequence: seq,
		Ts:       time.Now().UnixMilli(),
		Payload:  raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// StreamingPayload carries one text delta of an agent.
type StreamingPayload struct {
	AgentID string `json:"agent_id"`
	Delta   string `json:"delta"`
}

// CompletePayload carries the completed text of an agent message.
type CompletePayload struct {
	AgentID  string `json:"agent_id"`
	FullText string `json:"full_text"`
}

// ToolPayload carries one observed tool invocation.
type ToolPayload struct {
	AgentID   string          `json:"agent_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

// PlanApprovalPayload asks the reviewer to approve a plan.
type PlanApprovalPayload struct {
	PlanID      string `json:"plan_id"`
	PlanSummary string `json:"plan_summary"`
}

// ClarificationPayload asks the reviewer for a free-text answer.
type ClarificationPayload struct {
	RequestID string `json:"request_id"`
	Prompt    string `json:"prompt"`
}

// FinalResultPayload closes a run that reached Completed.
type FinalResultPayload struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// ErrorPayload closes a run that reached Failed or Cancelled.
type ErrorPayload struct {
	ErrorKind string `json:"error_kind"`
	Detail    string `json:"detail"`
}
