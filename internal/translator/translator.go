// Package translator turns the reasoning engine's raw events into ordered,
// typed outbound messages for one run.
package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/reviewflow/internal/domain"
	"github.com/xiaot623/reviewflow/internal/engine"
)

// Translator converts engine events of a single run into wire messages.
// It is owned by the run's goroutine and is not safe for concurrent use.
type Translator struct {
	runID          string
	seq            int64
	cleanCitations bool

	buffers map[string]*strings.Builder
	// agents with a non-empty buffer, in first-seen order
	pending []string
	// tool names reported by ToolInvocation per agent since its last completion
	reported map[string]map[string]struct{}
}

// Option configures a Translator.
type Option func(*Translator)

// WithCitationCleaning strips citation markers from completed text.
func WithCitationCleaning(enabled bool) Option {
	return func(t *Translator) {
		t.cleanCitations = enabled
	}
}

// New creates a translator for runID. Sequence numbers start at 1.
func New(runID string, opts ...Option) *Translator {
	t := &Translator{
		runID:    runID,
		buffers:  make(map[string]*strings.Builder),
		reported: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Sequence returns the sequence number of the last message built.
func (t *Translator) Sequence() int64 {
	return t.seq
}

// Translate converts one engine event into zero or more messages.
//
// PlanProposed and ClarificationNeeded only flush dangling agent buffers here;
// their request messages are built by PlanRequest and ClarificationRequest once
// the gate has accepted the request. FinalResult flushes and closes the run
// with a completed FINAL_RESULT_MESSAGE.
func (t *Translator) Translate(ev engine.Event) ([]domain.Message, error) {
	switch ev := ev.(type) {
	case engine.TextDelta:
		return t.delta(ev)
	case engine.AgentMessage:
		return t.complete(ev.AgentID, ev.FullText)
	case engine.ToolInvocation:
		return t.toolInvocation(ev)
	case engine.PlanProposed, engine.ClarificationNeeded:
		return t.Flush()
	case engine.FinalResult:
		msgs, err := t.Flush()
		if err != nil {
			return nil, err
		}
		final, err := t.Final(ev.Content, domain.FinalStatusCompleted)
		if err != nil {
			return nil, err
		}
		return append(msgs, final), nil
	}
	return nil, fmt.Errorf("%w: unsupported engine event %T", domain.ErrUpstreamEngine, ev)
}

// Flush completes every dangling agent buffer in first-seen agent order.
func (t *Translator) Flush() ([]domain.Message, error) {
	var msgs []domain.Message
	for len(t.pending) > 0 {
		out, err := t.complete(t.pending[0], "")
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, out...)
	}
	return msgs, nil
}

// PlanRequest builds the PLAN_APPROVAL_REQUEST for ev.
func (t *Translator) PlanRequest(ev engine.PlanProposed) (domain.Message, error) {
	return t.next(domain.MessageTypePlanApprovalRequest, domain.PlanApprovalPayload{
		PlanID:      ev.PlanID,
		PlanSummary: ev.Content,
	})
}

// ClarificationRequest builds the USER_CLARIFICATION_REQUEST for ev.
func (t *Translator) ClarificationRequest(ev engine.ClarificationNeeded) (domain.Message, error) {
	return t.next(domain.MessageTypeClarificationRequest, domain.ClarificationPayload{
		RequestID: ev.RequestID,
		Prompt:    ev.Prompt,
	})
}

// Final builds a FINAL_RESULT_MESSAGE.
func (t *Translator) Final(content, status string) (domain.Message, error) {
	if t.cleanCitations {
		content = CleanCitations(content)
	}
	return t.next(domain.MessageTypeFinalResult, domain.FinalResultPayload{
		Content: content,
		Status:  status,
	})
}

// Error builds an ERROR_MESSAGE.
func (t *Translator) Error(kind, detail string) (domain.Message, error) {
	return t.next(domain.MessageTypeError, domain.ErrorPayload{
		ErrorKind: kind,
		Detail:    detail,
	})
}

func (t *Translator) delta(ev engine.TextDelta) ([]domain.Message, error) {
	if ev.Chunk == "" {
		return nil, nil
	}
	buf, ok := t.buffers[ev.AgentID]
	if !ok {
		buf = &strings.Builder{}
		t.buffers[ev.AgentID] = buf
		t.pending = append(t.pending, ev.AgentID)
	}
	buf.WriteString(ev.Chunk)

	msg, err := t.next(domain.MessageTypeAgentStreaming, domain.StreamingPayload{
		AgentID: ev.AgentID,
		Delta:   ev.Chunk,
	})
	if err != nil {
		return nil, err
	}
	return []domain.Message{msg}, nil
}

// complete emits AGENT_MESSAGE_COMPLETE for agentID, preferring fullText over
// the accumulated buffer, followed by any inline tool calls found in the text.
func (t *Translator) complete(agentID, fullText string) ([]domain.Message, error) {
	text := fullText
	if buf, ok := t.buffers[agentID]; ok {
		if text == "" {
			text = buf.String()
		}
		delete(t.buffers, agentID)
		t.dropPending(agentID)
	}
	reported := t.reported[agentID]
	delete(t.reported, agentID)
	if text == "" {
		return nil, nil
	}

	display := text
	if t.cleanCitations {
		display = CleanCitations(text)
	}
	msg, err := t.next(domain.MessageTypeAgentComplete, domain.CompletePayload{
		AgentID:  agentID,
		FullText: display,
	})
	if err != nil {
		return nil, err
	}
	msgs := []domain.Message{msg}

	for _, call := range ScanToolCalls(text) {
		if _, seen := reported[call.Name]; seen {
			continue
		}
		tool, err := t.next(domain.MessageTypeAgentTool, domain.ToolPayload{
			AgentID:   agentID,
			ToolName:  call.Name,
			Arguments: call.Arguments,
		})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, tool)
	}
	return msgs, nil
}

func (t *Translator) toolInvocation(ev engine.ToolInvocation) ([]domain.Message, error) {
	names, ok := t.reported[ev.AgentID]
	if !ok {
		names = make(map[string]struct{})
		t.reported[ev.AgentID] = names
	}
	names[ev.ToolName] = struct{}{}

	msg, err := t.next(domain.MessageTypeAgentTool, domain.ToolPayload{
		AgentID:   ev.AgentID,
		ToolName:  ev.ToolName,
		Arguments: normalizeArgs(ev.Args),
	})
	if err != nil {
		return nil, err
	}
	return []domain.Message{msg}, nil
}

func (t *Translator) dropPending(agentID string) {
	for i, id := range t.pending {
		if id == agentID {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

// next builds a message with the following sequence number. The counter only
// advances once the message has been built.
func (t *Translator) next(typ domain.MessageType, payload interface{}) (domain.Message, error) {
	msg, err := domain.NewMessage(typ, t.runID, t.seq+1, payload)
	if err != nil {
		return domain.Message{}, err
	}
	t.seq++
	return msg, nil
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	raw, _ := json.Marshal(trimmed)
	return raw
}
