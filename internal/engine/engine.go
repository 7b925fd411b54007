// Package engine defines the reasoning engine collaborator: the event union it
// produces and the adapters the run controller drives it through.
package engine

import (
	"context"
	"encoding/json"
)

// Event is one raw event produced by the reasoning engine.
// The set of implementations is closed; consumers type-switch over it.
type Event interface {
	isEvent()
}

// TextDelta is one streamed chunk of an agent's message.
type TextDelta struct {
	AgentID string
	Chunk   string
}

// AgentMessage marks the completion of an agent's message.
// FullText may be empty when the engine only streamed deltas.
type AgentMessage struct {
	AgentID  string
	FullText string
}

// ToolInvocation reports a tool call made by an agent.
type ToolInvocation struct {
	AgentID  string
	ToolName string
	Args     json.RawMessage
}

// PlanProposed asks for human approval before execution proceeds.
type PlanProposed struct {
	PlanID  string
	Content string
}

// ClarificationNeeded asks the human for a free-text answer.
type ClarificationNeeded struct {
	RequestID string
	Prompt    string
}

// FinalResult carries the final answer of the run.
type FinalResult struct {
	Content string
}

func (TextDelta) isEvent()           {}
func (AgentMessage) isEvent()        {}
func (ToolInvocation) isEvent()      {}
func (PlanProposed) isEvent()        {}
func (ClarificationNeeded) isEvent() {}
func (FinalResult) isEvent()         {}

// Engine starts reasoning runs.
type Engine interface {
	Start(ctx context.Context, runID, task string) (Stream, error)
}

// Stream is the lazy event sequence of one run.
type Stream interface {
	// Next blocks until the next event is available. It returns io.EOF once the
	// engine has nothing more to produce, and ctx.Err() if ctx ends first.
	Next(ctx context.Context) (Event, error)
	// Inject hands a clarification answer to the engine as its next input.
	Inject(ctx context.Context, input string) error
	// Stop asks the engine to stop producing events. Best effort.
	Stop() error
}
