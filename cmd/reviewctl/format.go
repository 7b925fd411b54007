package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/xiaot623/reviewflow/internal/domain"
)

var (
	errorColor  = color.New(color.FgRed, color.Bold)
	promptColor = color.New(color.FgYellow, color.Bold)
	toolColor   = color.New(color.FgMagenta)
	agentColor  = color.New(color.FgCyan)
	doneColor   = color.New(color.FgGreen, color.Bold)
	grayColor   = color.New(color.FgHiBlack)
)

func stateColor(state domain.RunState) *color.Color {
	switch state {
	case domain.RunStateCompleted:
		return doneColor
	case domain.RunStateFailed, domain.RunStateCancelled:
		return errorColor
	case domain.RunStateAwaitingApproval, domain.RunStateAwaitingClarification:
		return promptColor
	}
	return agentColor
}

// printMessage renders one run message for the terminal.
func printMessage(w io.Writer, msg domain.Message) {
	prefix := grayColor.Sprintf("[%s #%d]", msg.RunID, msg.Sequence)

	switch msg.Type {
	case domain.MessageTypeAgentStreaming:
		var p domain.StreamingPayload
		if msg.Decode(&p) == nil {
			fmt.Fprintf(w, "%s %s %s\n", prefix, agentColor.Sprint(p.AgentID+":"), p.Delta)
			return
		}
	case domain.MessageTypeAgentComplete:
		var p domain.CompletePayload
		if msg.Decode(&p) == nil {
			fmt.Fprintf(w, "%s %s\n%s\n", prefix, agentColor.Sprintf("%s finished:", p.AgentID), p.FullText)
			return
		}
	case domain.MessageTypeAgentTool:
		var p domain.ToolPayload
		if msg.Decode(&p) == nil {
			fmt.Fprintf(w, "%s %s %s\n", prefix, toolColor.Sprintf("%s called %s", p.AgentID, p.ToolName), string(p.Arguments))
			return
		}
	case domain.MessageTypePlanApprovalRequest:
		var p domain.PlanApprovalPayload
		if msg.Decode(&p) == nil {
			fmt.Fprintf(w, "%s %s\n%s\n", prefix, promptColor.Sprintf("Plan %s needs approval:", p.PlanID), p.PlanSummary)
			fmt.Fprintf(w, "  %s\n", grayColor.Sprintf("/approve %s  or  /reject %s", p.PlanID, p.PlanID))
			return
		}
	case domain.MessageTypeClarificationRequest:
		var p domain.ClarificationPayload
		if msg.Decode(&p) == nil {
			fmt.Fprintf(w, "%s %s %s\n", prefix, promptColor.Sprintf("Question %s:", p.RequestID), p.Prompt)
			fmt.Fprintf(w, "  %s\n", grayColor.Sprintf("/answer %s <text>", p.RequestID))
			return
		}
	case domain.MessageTypeFinalResult:
		var p domain.FinalResultPayload
		if msg.Decode(&p) == nil {
			fmt.Fprintf(w, "%s %s\n%s\n", prefix, doneColor.Sprintf("Result (%s):", p.Status), p.Content)
			return
		}
	case domain.MessageTypeError:
		var p domain.ErrorPayload
		if msg.Decode(&p) == nil {
			fmt.Fprintf(w, "%s %s %s\n", prefix, errorColor.Sprintf("Error (%s):", p.ErrorKind), p.Detail)
			return
		}
	}

	fmt.Fprintf(w, "%s %s %s\n", prefix, msg.Type, string(msg.Payload))
}

// printFrame renders a raw frame received on the session socket.
func printFrame(w io.Writer, data []byte) {
	var head struct {
		Type      string `json:"type"`
		ID        string `json:"id"`
		Command   string `json:"command"`
		OK        bool   `json:"ok"`
		Error     string `json:"error"`
		ErrorKind string `json:"error_kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		fmt.Fprintf(w, "%s %s\n", errorColor.Sprint("unreadable frame:"), string(data))
		return
	}

	if head.Type == "command_result" {
		if head.OK {
			fmt.Fprintf(w, "%s\n", grayColor.Sprintf("%s ok", head.Command))
		} else {
			fmt.Fprintf(w, "%s %s\n", errorColor.Sprintf("%s failed (%s):", head.Command, head.ErrorKind), head.Error)
		}
		return
	}

	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		fmt.Fprintf(w, "%s\n", string(data))
		return
	}
	printMessage(w, msg)
}

func printRun(w io.Writer, run domain.Run) {
	fmt.Fprintf(w, "Run:       %s\n", run.RunID)
	fmt.Fprintf(w, "Task:      %s\n", run.Task)
	fmt.Fprintf(w, "State:     %s\n", stateColor(run.State).Sprint(run.State))
	if run.Outcome != "" {
		fmt.Fprintf(w, "Outcome:   %s\n", run.Outcome)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", run.Error)
	}
	fmt.Fprintf(w, "Messages:  %d\n", run.Sequence)
	fmt.Fprintf(w, "Created:   %s\n", run.CreatedAt.Format(time.RFC3339))
	if run.EndedAt != nil {
		fmt.Fprintf(w, "Ended:     %s (%s)\n", run.EndedAt.Format(time.RFC3339), run.EndedAt.Sub(run.CreatedAt).Round(time.Millisecond))
	}
}

func printRunLine(w io.Writer, run domain.Run) {
	fmt.Fprintf(w, "%-14s %-24s %s\n", run.RunID, stateColor(run.State).Sprint(run.State), run.Task)
}
