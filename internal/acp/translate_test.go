package acp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTranslateToolCallDedupByID(t *testing.T) {
	tr := NewTranslator()
	env := toolCallEnvelope(t, "t1", "Read")

	events := tr.Translate(env, 1)
	require.Len(t, events, 1)
	require.Equal(t, EventItemStarted, events[0].Type)

	// Same toolCallId again — must be suppressed.
	events = tr.Translate(env, 2)
	require.Empty(t, events)
}

func TestTranslateToolCallUpdateCompleted(t *testing.T) {
	tr := NewTranslator()
	params := SessionUpdateParams{Update: SessionUpdate{
		SessionUpdate: SessionUpdateToolCallUpdate,
		ToolCallID:    "t1",
		Status:        ToolStatusCompleted,
	}}
	raw, _ := json.Marshal(params)
	env := Envelope{JSONRPC: "2.0", Method: MethodSessionUpdate, Params: raw}

	events := tr.Translate(env, 3)
	require.Len(t, events, 2)
	require.Equal(t, EventItemStarted, events[0].Type)
	require.Equal(t, EventItemCompleted, events[1].Type)
	require.Equal(t, "t1-result", events[1].Data.ItemID)
}

func TestTranslateTurnEnded(t *testing.T) {
	tr := NewTranslator()
	result, _ := json.Marshal(PromptResult{StopReason: "end_turn"})
	env := Envelope{JSONRPC: "2.0", ID: json.RawMessage(`1`), Result: result}

	events := tr.Translate(env, 9)
	require.Len(t, events, 1)
	require.Equal(t, EventTurnEnded, events[0].Type)
}

func TestTranslatePermissionResolved(t *testing.T) {
	tr := NewTranslator()
	outcome, _ := json.Marshal(map[string]string{"outcome": "selected", "optionId": "allow-always"})
	params, _ := json.Marshal(map[string]json.RawMessage{
		"requestId": json.RawMessage(`"req-1"`),
		"outcome":   outcome,
	})
	env := Envelope{JSONRPC: "2.0", Method: MethodSyntheticPermissionResolved, Params: params}

	events := tr.Translate(env, 5)
	require.Len(t, events, 1)
	require.Equal(t, EventPermissionResolved, events[0].Type)
	require.Equal(t, "req-1", events[0].Data.ItemID)
}

func TestTranslateUserMessageStartsAndCompletesItem(t *testing.T) {
	tr := NewTranslator()
	env := Envelope{JSONRPC: "2.0", Method: MethodSessionUpdate, Params: json.RawMessage(
		`{"update":{"sessionUpdate":"user_message","role":"user","content":{"type":"text","text":"hi"}}}`,
	)}

	events := tr.Translate(env, 1)
	require.Len(t, events, 2)
	require.Equal(t, EventItemStarted, events[0].Type)
	require.Equal(t, "user-1", events[0].Data.ItemID)
	require.Equal(t, "user", events[0].Data.Role)
	require.Equal(t, EventItemCompleted, events[1].Type)
	require.Equal(t, "hi", events[1].Data.Content[0].Text)
}

func TestTranslateAgentMessageChunkIsDelta(t *testing.T) {
	tr := NewTranslator()
	env := Envelope{JSONRPC: "2.0", Method: MethodSessionUpdate, Params: json.RawMessage(
		`{"update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hello"}}}`,
	)}

	events := tr.Translate(env, 4)
	require.Len(t, events, 1)
	require.Equal(t, EventItemDelta, events[0].Type)
	require.Equal(t, "Hello", events[0].Data.Delta)
	require.Equal(t, "assistant", events[0].Data.Role)
}

func TestTranslateToolCallUpdateContentArray(t *testing.T) {
	tr := NewTranslator()
	// tool_call_update carries "content" as an array on the wire, unlike
	// agent_message_chunk's single object.
	env := Envelope{JSONRPC: "2.0", Method: MethodSessionUpdate, Params: json.RawMessage(
		`{"update":{"sessionUpdate":"tool_call_update","toolCallId":"t1","status":"completed","content":[{"type":"text","text":"file A"}]}}`,
	)}

	events := tr.Translate(env, 7)
	require.Len(t, events, 2)
	require.Equal(t, "file A", events[1].Data.Content[0].Output)
}

func TestTranslateOrphanToolResultCounted(t *testing.T) {
	tr := NewTranslator()
	env := Envelope{JSONRPC: "2.0", Method: MethodSessionUpdate, Params: json.RawMessage(
		`{"update":{"sessionUpdate":"tool_call_update","toolCallId":"never-seen","status":"completed"}}`,
	)}

	events := tr.Translate(env, 2)
	require.Len(t, events, 2) // tolerated: still emitted as a tool_result item
	require.Equal(t, 1, tr.OrphanToolResultCount())
}

func TestTranslateToolCallCarriesNormalizedNameAndInput(t *testing.T) {
	tr := NewTranslator()
	env := Envelope{JSONRPC: "2.0", Method: MethodSessionUpdate, Params: json.RawMessage(
		`{"update":{"sessionUpdate":"tool_call","toolCallId":"t9","rawInput":{"todos":[]},"_meta":{"claudeCode":{"toolName":"TodoWrite"}}}}`,
	)}

	events := tr.Translate(env, 3)
	require.Len(t, events, 1)
	part := events[0].Data.Content[0]
	require.Equal(t, "TodoWrite", part.Name)
	require.JSONEq(t, `{"todos":[]}`, string(part.Input))
}

func TestTranslateUnknownNotificationForwardedVerbatim(t *testing.T) {
	tr := NewTranslator()
	env := Envelope{JSONRPC: "2.0", Method: "session/telemetry", Params: json.RawMessage(`{"k":"v"}`)}

	events := tr.Translate(env, 6)
	require.Len(t, events, 1)
	require.Equal(t, "session/telemetry", events[0].Type)
	require.JSONEq(t, `{"k":"v"}`, string(events[0].Data.Raw))
}

func TestTranslateSyntheticTurnEndedCarriesStopReason(t *testing.T) {
	tr := NewTranslator()
	env := Envelope{JSONRPC: "2.0", Method: MethodSyntheticTurnEnded, Params: json.RawMessage(`{"stopReason":"cancelled"}`)}

	events := tr.Translate(env, 8)
	require.Len(t, events, 1)
	require.Equal(t, EventTurnEnded, events[0].Type)
	require.Equal(t, StopReasonCancelled, events[0].Data.StopReason)
}

func TestTranslateErrorResponse(t *testing.T) {
	tr := NewTranslator()
	env := Envelope{JSONRPC: "2.0", ID: json.RawMessage(`3`), Error: &RPCError{Code: -32000, Message: "boom"}}

	events := tr.Translate(env, 11)
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Type)
	require.Equal(t, "boom", events[0].Data.Error.Message)
}

func toolCallEnvelope(t *testing.T, id, name string) Envelope {
	t.Helper()
	params := SessionUpdateParams{Update: SessionUpdate{
		SessionUpdate: SessionUpdateToolCall,
		ToolCallID:    id,
		Name:          name,
	}}
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return Envelope{JSONRPC: "2.0", Method: MethodSessionUpdate, Params: raw}
}
