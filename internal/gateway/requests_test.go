package gateway

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ridafkih/agent-session-gateway/internal/acp"
)

func TestAutoApprovePrefersAllowAlways(t *testing.T) {
	r := NewRequestRouter(t.TempDir())
	params, _ := json.Marshal(map[string]any{
		"options": []permissionOption{
			{OptionID: "once", Kind: "allow_once"},
			{OptionID: "always", Kind: "allow_always"},
		},
	})

	result, rpcErr := r.HandleServerRequest(context.Background(), "sess-1", "req-1", acp.MethodRequestPermission, params)
	require.Nil(t, rpcErr)

	var payload struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(result, &payload))
	require.Equal(t, "selected", payload.Outcome.Outcome)
	require.Equal(t, "always", payload.Outcome.OptionID)
}

func TestAutoApproveFallsBackToAllowOnce(t *testing.T) {
	r := NewRequestRouter(t.TempDir())
	params, _ := json.Marshal(map[string]any{
		"options": []permissionOption{
			{OptionID: "reject", Kind: "reject_once"},
			{OptionID: "once", Kind: "allow_once"},
		},
	})

	result, rpcErr := r.HandleServerRequest(context.Background(), "sess-1", "req-2", acp.MethodRequestPermission, params)
	require.Nil(t, rpcErr)

	var payload struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(result, &payload))
	require.Equal(t, "selected", payload.Outcome.Outcome)
	require.Equal(t, "once", payload.Outcome.OptionID)
}

func TestAutoApproveCancelsWithNoAllowOption(t *testing.T) {
	r := NewRequestRouter(t.TempDir())
	params, _ := json.Marshal(map[string]any{
		"options": []permissionOption{{OptionID: "reject", Kind: "reject_once"}},
	})

	result, rpcErr := r.HandleServerRequest(context.Background(), "sess-1", "req-3", acp.MethodRequestPermission, params)
	require.Nil(t, rpcErr)

	var payload struct {
		Outcome struct {
			Outcome string `json:"outcome"`
		} `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(result, &payload))
	require.Equal(t, "cancelled", payload.Outcome.Outcome)
}

func TestFSReadWriteTextFile(t *testing.T) {
	root := t.TempDir()
	r := NewRequestRouter(root)

	writeParams, _ := json.Marshal(map[string]string{"path": "notes/todo.txt", "content": "hello"})
	_, rpcErr := r.HandleServerRequest(context.Background(), "sess-1", "req-4", acp.MethodFSWriteTextFile, writeParams)
	require.Nil(t, rpcErr)
	require.FileExists(t, filepath.Join(root, "notes", "todo.txt"))

	readParams, _ := json.Marshal(map[string]string{"path": "notes/todo.txt"})
	result, rpcErr := r.HandleServerRequest(context.Background(), "sess-1", "req-5", acp.MethodFSReadTextFile, readParams)
	require.Nil(t, rpcErr)

	var payload struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(result, &payload))
	require.Equal(t, "hello", payload.Text)
}

func TestFSReadMissingFileReturnsRPCError(t *testing.T) {
	r := NewRequestRouter(t.TempDir())
	params, _ := json.Marshal(map[string]string{"path": "missing.txt"})
	_, rpcErr := r.HandleServerRequest(context.Background(), "sess-1", "req-6", acp.MethodFSReadTextFile, params)
	require.NotNil(t, rpcErr)
	require.Equal(t, acp.ErrCodeInternal, rpcErr.Code)
}

func TestTerminalUnknownIDReturnsRPCError(t *testing.T) {
	r := NewRequestRouter(t.TempDir())
	params, _ := json.Marshal(map[string]string{"terminalId": "term-999"})
	_, rpcErr := r.HandleServerRequest(context.Background(), "sess-1", "req-7", acp.MethodTerminalOutput, params)
	require.NotNil(t, rpcErr)
	require.Equal(t, acp.ErrCodeInternal, rpcErr.Code)
}

func TestQuestionAndPermissionReplyRoutesAreAcknowledgeOnlyStubs(t *testing.T) {
	s := &Server{requests: NewRequestRouter(t.TempDir())}

	// Nothing was ever parked under these ids (auto-approval resolves
	// permissions before any HTTP client could reply, and ACP has no
	// server-initiated question request) — the stub still must not error.
	require.NoError(t, s.resolvePermission(context.Background(), "sess-1", "unknown-id", "allow-once"))
	require.NoError(t, s.resolveQuestion(context.Background(), "sess-1", "unknown-id", "42", false))
	require.NoError(t, s.resolveQuestion(context.Background(), "sess-1", "unknown-id", "", true))
}
