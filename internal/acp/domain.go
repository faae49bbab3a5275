package acp

import "encoding/json"

// Domain event type taxonomy.
const (
	EventTurnStarted         = "turn.started"
	EventTurnEnded           = "turn.ended"
	EventItemStarted         = "item.started"
	EventItemDelta           = "item.delta"
	EventItemCompleted       = "item.completed"
	EventError               = "error"
	EventQuestionRequested   = "question.requested"
	EventQuestionResolved    = "question.resolved"
	EventPermissionRequested = "permission.requested"
	EventPermissionResolved  = "permission.resolved"
	EventSessionStarted      = "session.started"
	EventSessionEnded        = "session.ended"
)

// Content part kinds.
const (
	PartText     = "text"
	PartToolCall = "tool_call"
	PartToolResult = "tool_result"
	PartReasoning  = "reasoning"
	PartFileRef    = "file_ref"
	PartImage      = "image"
	PartStatus     = "status"
)

// Tool call / result statuses.
const (
	ToolStatusInProgress = "in_progress"
	ToolStatusCompleted  = "completed"
	ToolStatusError      = "error"
)

// Item kinds used by item.started/item.completed events.
const (
	KindMessage    = "message"
	KindToolCall   = "tool_call"
	KindToolResult = "tool_result"
)

// DomainEvent is the gateway's normalized projection of one envelope.
// Sequence equals the log sequence of the envelope that produced it.
type DomainEvent struct {
	Type     string `json:"type"`
	Sequence int64  `json:"sequence"`
	Data     Data   `json:"data"`
}

// Data is the event-specific payload. Fields are populated according to
// Type; unused fields are omitted from JSON via omitempty so the wire shape
// stays close to the original per-event-kind payloads.
type Data struct {
	ItemID     string          `json:"itemId,omitempty"`
	Role       string          `json:"role,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	StopReason string          `json:"stopReason,omitempty"`
	Content    []ContentPart   `json:"content,omitempty"`
	Error      *RPCError       `json:"error,omitempty"`
	Method     string          `json:"method,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// ContentPart is a tagged union of the content kinds an item can carry.
type ContentPart struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_call
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Status string `json:"status,omitempty"`

	// tool_result
	ToolCallID string `json:"tool_call_id,omitempty"`
	Output     string `json:"output,omitempty"`
	ErrorText  string `json:"error,omitempty"`

	// file_ref / image
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`
}
