// Package acp implements the wire format and envelope-to-domain-event
// translation for the Agent Client Protocol: the JSON-RPC 2.0 dialect the
// gateway speaks to a local agent subprocess over stdio.
package acp

import (
	"bytes"
	"encoding/json"
)

// Outbound request methods the gateway sends to the agent.
const (
	MethodInitialize      = "initialize"
	MethodNewSession      = "newSession"
	MethodLoadSession     = "loadSession"
	MethodResumeSession   = "unstableResumeSession"
	MethodPrompt          = "prompt"
	MethodCancel          = "cancel"
	MethodSetSessionModel = "unstableSetSessionModel"
)

// Server-initiated request methods the agent sends to the gateway.
const (
	MethodRequestPermission = "session/request_permission"
	MethodFSReadTextFile    = "fs/read_text_file"
	MethodFSWriteTextFile   = "fs/write_text_file"
	MethodTerminalCreate    = "terminal/create"
	MethodTerminalOutput    = "terminal/output"
	MethodTerminalWait      = "terminal/wait_for_exit"
	MethodTerminalRelease   = "terminal/release"
	MethodTerminalKill      = "terminal/kill"
)

// MethodSessionUpdate is the notification carrying session/update payloads.
const MethodSessionUpdate = "session/update"

// Synthetic notification methods the Agent Session Manager injects into a
// session's envelope stream alongside real agent traffic, bracketing a turn
// and surfacing manager-detected failures as ordinary domain events. These
// never arrive from the agent subprocess itself.
const (
	MethodSyntheticTurnStarted        = "gateway/turn_started"
	MethodSyntheticTurnEnded          = "gateway/turn_ended"
	MethodSyntheticError              = "gateway/error"
	MethodSyntheticSessionStarted     = "gateway/session_started"
	MethodSyntheticSessionEnded       = "gateway/session_ended"
	MethodSyntheticPermissionResolved = "gateway/permission_resolved"
)

// Session update variants carried in params.update.sessionUpdate.
const (
	SessionUpdateAgentMessageChunk = "agent_message_chunk"
	SessionUpdateUserMessage       = "user_message"
	SessionUpdateToolCall          = "tool_call"
	SessionUpdateToolCallUpdate    = "tool_call_update"
)

// Stop reasons carried by turn-ending envelopes.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonCancelled = "cancelled"
)

// JSON-RPC 2.0 error codes used by local server-initiated request handlers.
const (
	ErrCodeInternal = -32603
)

// Envelope is one line of the newline-delimited JSON-RPC stream exchanged
// with the agent subprocess — a request, a response, or a notification.
// All three shapes share this struct; callers distinguish by which fields
// are populated, mirroring how the JSON-RPC 2.0 spec itself overloads a
// single envelope shape.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// IsRequest reports whether the envelope is a request (has a method and id).
func (e *Envelope) IsRequest() bool {
	return e.Method != "" && len(e.ID) > 0
}

// IsNotification reports whether the envelope is a notification (method, no id).
func (e *Envelope) IsNotification() bool {
	return e.Method != "" && len(e.ID) == 0
}

// IsResponse reports whether the envelope is a response (no method, has id).
func (e *Envelope) IsResponse() bool {
	return e.Method == "" && len(e.ID) > 0
}

// PromptResult is the shape of a successful `prompt` response.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// InitializeResult carries the capability flags the gateway records from the
// agent's initialize reply; they gate which steps of the resume→load→new
// fallback chain are attempted at all.
type InitializeResult struct {
	Capabilities struct {
		LoadSession         bool `json:"loadSession"`
		SessionCapabilities struct {
			Resume bool `json:"resume"`
		} `json:"sessionCapabilities"`
	} `json:"capabilities"`
}

// SessionUpdateParams is the params shape of a session/update notification.
type SessionUpdateParams struct {
	Update SessionUpdate `json:"update"`
}

// SessionUpdate is the tagged union carried by session/update notifications.
// The "content" key is overloaded on the wire: agent_message_chunk carries a
// single object, tool_call_update carries an array — UnmarshalJSON accepts
// both, filling Content or ContentList accordingly.
type SessionUpdate struct {
	SessionUpdate string
	Role          string
	ToolCallID    string
	Name          string
	Status        string
	Content       *ContentChunk
	ContentList   []ContentChunk
	RawInput      json.RawMessage
	Meta          *UpdateMeta
}

// UpdateMeta is the _meta block some agents attach to a session update; its
// claudeCode.toolName field is the normalized tool name the task projection
// keys on when the update's own name field is absent.
type UpdateMeta struct {
	ClaudeCode struct {
		ToolName string `json:"toolName"`
	} `json:"claudeCode"`
}

// ToolName returns the update's tool name, preferring the explicit field and
// falling back to _meta.claudeCode.toolName.
func (u *SessionUpdate) ToolName() string {
	if u.Name != "" {
		return u.Name
	}
	if u.Meta != nil {
		return u.Meta.ClaudeCode.ToolName
	}
	return ""
}

func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	var aux struct {
		SessionUpdate string          `json:"sessionUpdate"`
		Role          string          `json:"role"`
		ToolCallID    string          `json:"toolCallId"`
		Name          string          `json:"name"`
		Status        string          `json:"status"`
		Content       json.RawMessage `json:"content"`
		Input         json.RawMessage `json:"input"`
		RawInput      json.RawMessage `json:"rawInput"`
		Meta          *UpdateMeta     `json:"_meta"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	u.SessionUpdate = aux.SessionUpdate
	u.Role = aux.Role
	u.ToolCallID = aux.ToolCallID
	u.Name = aux.Name
	u.Status = aux.Status
	u.Meta = aux.Meta
	u.RawInput = aux.RawInput
	if len(u.RawInput) == 0 {
		u.RawInput = aux.Input
	}

	switch firstByte(aux.Content) {
	case '{':
		var chunk ContentChunk
		if err := json.Unmarshal(aux.Content, &chunk); err != nil {
			return err
		}
		u.Content = &chunk
	case '[':
		if err := json.Unmarshal(aux.Content, &u.ContentList); err != nil {
			return err
		}
	}
	return nil
}

func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	aux := map[string]any{"sessionUpdate": u.SessionUpdate}
	if u.Role != "" {
		aux["role"] = u.Role
	}
	if u.ToolCallID != "" {
		aux["toolCallId"] = u.ToolCallID
	}
	if u.Name != "" {
		aux["name"] = u.Name
	}
	if u.Status != "" {
		aux["status"] = u.Status
	}
	if u.Content != nil {
		aux["content"] = u.Content
	} else if u.ContentList != nil {
		aux["content"] = u.ContentList
	}
	if len(u.RawInput) > 0 {
		aux["rawInput"] = u.RawInput
	}
	if u.Meta != nil {
		aux["_meta"] = u.Meta
	}
	return json.Marshal(aux)
}

func firstByte(raw json.RawMessage) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

// ContentChunk is a single piece of streamed content inside a session update.
type ContentChunk struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
