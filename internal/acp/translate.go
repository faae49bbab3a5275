package acp

import (
	"encoding/json"
	"strconv"
)

// Translator maps one JSON-RPC envelope to zero or more ordered domain
// events. It is deterministic given a sequence prefix, but it is not a
// pure function of a single envelope in isolation: distinguishing the
// first occurrence of a tool_call from a repeat requires remembering which
// toolCallIds have already been seen. That memory is explicit per-session
// state on the Translator value, never a package-level variable — each
// session owns its own Translator.
type Translator struct {
	seenToolCalls map[string]bool
	orphanResults int
}

// NewTranslator returns a Translator with empty per-session state.
func NewTranslator() *Translator {
	return &Translator{seenToolCalls: make(map[string]bool)}
}

// OrphanToolResultCount returns how many tool_call_update notifications have
// arrived for a toolCallId this Translator never saw a tool_call for — a
// tolerated, counted condition rather than a fatal one.
func (t *Translator) OrphanToolResultCount() int {
	return t.orphanResults
}

// Translate maps env (already assigned the durable log sequence) to zero or
// more domain events.
func (t *Translator) Translate(env Envelope, sequence int64) []DomainEvent {
	switch {
	case env.IsResponse():
		return t.translateResponse(env, sequence)
	case env.IsNotification():
		return t.translateNotification(env, sequence)
	default:
		return nil
	}
}

func (t *Translator) translateResponse(env Envelope, sequence int64) []DomainEvent {
	if env.Error != nil {
		return []DomainEvent{{
			Type:     EventError,
			Sequence: sequence,
			Data:     Data{Error: env.Error},
		}}
	}

	var result PromptResult
	if len(env.Result) > 0 {
		_ = json.Unmarshal(env.Result, &result)
	}
	if result.StopReason != "" {
		return []DomainEvent{{
			Type:     EventTurnEnded,
			Sequence: sequence,
			Data:     Data{StopReason: result.StopReason},
		}}
	}
	return nil
}

func (t *Translator) translateNotification(env Envelope, sequence int64) []DomainEvent {
	switch env.Method {
	case MethodSyntheticTurnStarted:
		return []DomainEvent{{Type: EventTurnStarted, Sequence: sequence}}

	case MethodSyntheticTurnEnded:
		var payload struct {
			StopReason string `json:"stopReason"`
		}
		_ = json.Unmarshal(env.Params, &payload)
		return []DomainEvent{{
			Type:     EventTurnEnded,
			Sequence: sequence,
			Data:     Data{StopReason: payload.StopReason},
		}}

	case MethodSyntheticSessionStarted:
		return []DomainEvent{{Type: EventSessionStarted, Sequence: sequence, Data: Data{Raw: env.Params}}}

	case MethodSyntheticSessionEnded:
		return []DomainEvent{{Type: EventSessionEnded, Sequence: sequence, Data: Data{Raw: env.Params}}}

	case MethodSyntheticError:
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Params, &payload)
		return []DomainEvent{{
			Type:     EventError,
			Sequence: sequence,
			Data:     Data{Error: &RPCError{Code: ErrCodeInternal, Message: payload.Message}},
		}}

	case MethodRequestPermission:
		var payload struct {
			RequestID string          `json:"requestId"`
			Original  json.RawMessage `json:"original"`
		}
		_ = json.Unmarshal(env.Params, &payload)
		return []DomainEvent{{
			Type:     EventPermissionRequested,
			Sequence: sequence,
			Data:     Data{ItemID: payload.RequestID, Raw: payload.Original},
		}}

	case MethodSyntheticPermissionResolved:
		var payload struct {
			RequestID string          `json:"requestId"`
			Outcome   json.RawMessage `json:"outcome"`
		}
		_ = json.Unmarshal(env.Params, &payload)
		return []DomainEvent{{
			Type:     EventPermissionResolved,
			Sequence: sequence,
			Data:     Data{ItemID: payload.RequestID, Raw: payload.Outcome},
		}}
	}

	if env.Method != MethodSessionUpdate {
		// Forward anything unrecognized verbatim with type = method.
		return []DomainEvent{{
			Type:     env.Method,
			Sequence: sequence,
			Data:     Data{Method: env.Method, Raw: env.Params},
		}}
	}

	var params SessionUpdateParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return nil
	}
	u := params.Update

	switch u.SessionUpdate {
	case SessionUpdateAgentMessageChunk:
		if u.Content == nil {
			return nil
		}
		return []DomainEvent{{
			Type:     EventItemDelta,
			Sequence: sequence,
			Data:     Data{Kind: KindMessage, Role: "assistant", Delta: u.Content.Text},
		}}

	case SessionUpdateUserMessage:
		itemID := userItemID(sequence)
		text := ""
		if u.Content != nil {
			text = u.Content.Text
		}
		return []DomainEvent{
			{
				Type: EventItemStarted, Sequence: sequence,
				Data: Data{ItemID: itemID, Role: "user", Kind: KindMessage},
			},
			{
				Type: EventItemCompleted, Sequence: sequence,
				Data: Data{ItemID: itemID, Role: "user", Kind: KindMessage,
					Content: []ContentPart{{Type: PartText, Text: text}}},
			},
		}

	case SessionUpdateToolCall:
		if t.seenToolCalls[u.ToolCallID] {
			return nil // dedup by id — only the first occurrence starts the item
		}
		t.seenToolCalls[u.ToolCallID] = true
		return []DomainEvent{{
			Type:     EventItemStarted,
			Sequence: sequence,
			Data: Data{ItemID: u.ToolCallID, Kind: KindToolCall,
				Content: []ContentPart{{
					Type: PartToolCall, ID: u.ToolCallID, Name: u.ToolName(),
					Input: u.RawInput, Status: ToolStatusInProgress,
				}}},
		}}

	case SessionUpdateToolCallUpdate:
		if !t.seenToolCalls[u.ToolCallID] {
			t.orphanResults++
		}
		terminal := u.Status == ToolStatusCompleted || u.Status == ToolStatusError
		if !terminal && len(u.ContentList) == 0 {
			return nil
		}
		resultID := u.ToolCallID + "-result"
		part := ContentPart{Type: PartToolResult, ToolCallID: u.ToolCallID}
		if u.Status == ToolStatusError {
			part.ErrorText = toolContentText(u.ContentList)
		} else {
			part.Output = toolContentText(u.ContentList)
		}
		return []DomainEvent{
			{
				Type: EventItemStarted, Sequence: sequence,
				Data: Data{ItemID: resultID, Kind: KindToolResult},
			},
			{
				Type: EventItemCompleted, Sequence: sequence,
				Data: Data{ItemID: resultID, Kind: KindToolResult, Content: []ContentPart{part}},
			},
		}

	default:
		return nil
	}
}

func toolContentText(chunks []ContentChunk) string {
	out := ""
	for _, c := range chunks {
		out += c.Text
	}
	return out
}

func userItemID(sequence int64) string {
	return "user-" + strconv.FormatInt(sequence, 10)
}
