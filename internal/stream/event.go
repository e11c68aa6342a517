package stream

import (
	"github.com/altermind/altermind/internal/store"
	"github.com/altermind/altermind/pkg/protocol"
)

// Event is the discriminated union delivered to session subscribers. Type
// selects which payload field is set; the names match the wire format.
type Event struct {
	Type string `json:"type"`

	Snapshot     *Snapshot          `json:"snapshot,omitempty"`     // snapshot
	Token        string             `json:"token,omitempty"`        // token
	ToolCall     *store.ToolCall    `json:"toolCall,omitempty"`     // tool_call
	ToolResult   *store.ToolResult  `json:"toolResult,omitempty"`   // tool_result
	ToolProgress *ToolProgress      `json:"toolProgress,omitempty"` // tool_progress
	Usage        *store.TokenUsage  `json:"usage,omitempty"`        // usage
	MessageID    string             `json:"messageId,omitempty"`    // auto_approved
	Approval     *ApprovalChange    `json:"approval,omitempty"`     // approval_changed
	Message      *store.Message     `json:"message,omitempty"`      // new_message, compaction
	SessionID    string             `json:"sessionId,omitempty"`    // compaction_started, compaction_error
	Done         *Done              `json:"done,omitempty"`         // done
	Error        *Error             `json:"error,omitempty"`        // error
	Debug        string             `json:"debug,omitempty"`        // debug
}

// Snapshot is the cumulative state replayed to a late or reconnecting
// subscriber.
type Snapshot struct {
	AssistantID string           `json:"assistantId"`
	Content     string           `json:"content"`
	Model       string           `json:"model"`
	ToolCalls   []store.ToolCall `json:"toolCalls"`
}

// ToolProgress reports incremental progress from a long-running tool.
type ToolProgress struct {
	ToolCallID string `json:"toolCallId"`
	Progress   int    `json:"progress"`
	Total      int    `json:"total"`
	Message    string `json:"message,omitempty"`
}

// ApprovalChange announces an approval-status transition.
type ApprovalChange struct {
	MessageID      string `json:"messageId"`
	ApprovalStatus string `json:"approvalStatus"`
}

// Done terminates a stream normally.
type Done struct {
	HasToolCalls bool `json:"hasToolCalls"`
}

// Error terminates a stream with a classified failure.
type Error struct {
	Message     string `json:"message"`
	Code        string `json:"code"`
	Recoverable bool   `json:"recoverable"`
}

// Constructors for the common event shapes.

func TokenEvent(token string) Event { return Event{Type: protocol.EventToken, Token: token} }

func ToolCallEvent(tc store.ToolCall) Event {
	return Event{Type: protocol.EventToolCall, ToolCall: &tc}
}

func ToolResultEvent(tr store.ToolResult) Event {
	return Event{Type: protocol.EventToolResult, ToolResult: &tr}
}

func UsageEvent(u store.TokenUsage) Event { return Event{Type: protocol.EventUsage, Usage: &u} }

func DoneEvent(hasToolCalls bool) Event {
	return Event{Type: protocol.EventDone, Done: &Done{HasToolCalls: hasToolCalls}}
}

func ErrorEvent(message, code string, recoverable bool) Event {
	return Event{Type: protocol.EventError, Error: &Error{Message: message, Code: code, Recoverable: recoverable}}
}

func SnapshotEvent(s Snapshot) Event { return Event{Type: protocol.EventSnapshot, Snapshot: &s} }
