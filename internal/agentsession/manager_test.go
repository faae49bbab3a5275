package agentsession

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ridafkih/agent-session-gateway/internal/acp"
	"github.com/ridafkih/agent-session-gateway/internal/config"
)

// scriptedAgent answers the gateway's first requests with canned JSON-RPC
// lines — request ids are deterministic (0 = initialize, 1 = newSession,
// 2 = prompt) so a shell one-liner is enough to stand in for a real agent.
const scriptedAgent = `
read line; echo '{"jsonrpc":"2.0","id":0,"result":{"capabilities":{}}}'
read line; echo '{"jsonrpc":"2.0","id":1,"result":{"sessionId":"agt-1"}}'
read line; echo '{"jsonrpc":"2.0","id":2,"result":{"stopReason":"end_turn"}}'
exec sleep 60
`

// scriptedAgentStuckPrompt never answers the prompt, for cancel tests.
const scriptedAgentStuckPrompt = `
read line; echo '{"jsonrpc":"2.0","id":0,"result":{"capabilities":{}}}'
read line; echo '{"jsonrpc":"2.0","id":1,"result":{"sessionId":"agt-1"}}'
exec sleep 60
`

func scriptedManager(script string) *Manager {
	return NewManager(
		config.AgentConfig{Command: "sh", Args: []string{"-c", script}},
		config.SessionConfig{SendMaxAttempts: 1},
		nil,
	)
}

func nextEvent(t *testing.T, m *Manager) acp.Envelope {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev.Envelope
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for manager event")
		return acp.Envelope{}
	}
}

func TestCreateSessionNegotiatesAgentSessionID(t *testing.T) {
	m := scriptedManager(scriptedAgent)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := m.CreateSession(ctx, "lab-1", nil)
	require.NoError(t, err)
	require.Equal(t, "agt-1", id)
	require.True(t, m.HasSession("lab-1"))

	require.Equal(t, acp.MethodSyntheticSessionStarted, nextEvent(t, m).Method)

	// A second create without an intervening delete is rejected — the HTTP
	// layer's idempotency returns the stored id instead of re-spawning.
	_, err = m.CreateSession(ctx, "lab-1", nil)
	require.Error(t, err)

	require.NoError(t, m.DestroySession(ctx, "lab-1"))
	require.False(t, m.HasSession("lab-1"))
}

func TestSendMessageBracketsTurnWithSyntheticEvents(t *testing.T) {
	m := scriptedManager(scriptedAgent)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.CreateSession(ctx, "lab-1", nil)
	require.NoError(t, err)
	require.Equal(t, acp.MethodSyntheticSessionStarted, nextEvent(t, m).Method)

	require.NoError(t, m.SendMessage(ctx, "lab-1", "hi"))

	userMsg := nextEvent(t, m)
	require.Equal(t, acp.MethodSessionUpdate, userMsg.Method)
	var params acp.SessionUpdateParams
	require.NoError(t, json.Unmarshal(userMsg.Params, &params))
	require.Equal(t, acp.SessionUpdateUserMessage, params.Update.SessionUpdate)
	require.Equal(t, "hi", params.Update.Content.Text)

	require.Equal(t, acp.MethodSyntheticTurnStarted, nextEvent(t, m).Method)

	ended := nextEvent(t, m)
	require.Equal(t, acp.MethodSyntheticTurnEnded, ended.Method)
	var stop struct {
		StopReason string `json:"stopReason"`
	}
	require.NoError(t, json.Unmarshal(ended.Params, &stop))
	require.Equal(t, acp.StopReasonEndTurn, stop.StopReason)

	require.NoError(t, m.DestroySession(ctx, "lab-1"))
}

// scriptedAgentFlakyPrompt rejects the first prompt with a recoverable
// transport-class error and answers the retried prompt normally.
const scriptedAgentFlakyPrompt = `
read line; echo '{"jsonrpc":"2.0","id":0,"result":{"capabilities":{}}}'
read line; echo '{"jsonrpc":"2.0","id":1,"result":{"sessionId":"agt-1"}}'
read line; echo '{"jsonrpc":"2.0","id":2,"error":{"code":-32000,"message":"Request failed with status 500"}}'
read line; echo '{"jsonrpc":"2.0","id":3,"result":{"stopReason":"end_turn"}}'
exec sleep 60
`

func TestPromptRetryEmitsUserMessageOnce(t *testing.T) {
	m := NewManager(
		config.AgentConfig{Command: "sh", Args: []string{"-c", scriptedAgentFlakyPrompt}},
		config.SessionConfig{SendMaxAttempts: 3},
		nil,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.CreateSession(ctx, "lab-1", nil)
	require.NoError(t, err)
	require.Equal(t, acp.MethodSyntheticSessionStarted, nextEvent(t, m).Method)

	require.NoError(t, m.SendMessage(ctx, "lab-1", "hi"))

	// Exactly one user_message despite the internal retry, then the
	// bracketing synthetics — and no error envelope for the absorbed failure.
	require.Equal(t, acp.MethodSessionUpdate, nextEvent(t, m).Method)
	require.Equal(t, acp.MethodSyntheticTurnStarted, nextEvent(t, m).Method)
	require.Equal(t, acp.MethodSyntheticTurnEnded, nextEvent(t, m).Method)

	require.NoError(t, m.DestroySession(ctx, "lab-1"))
}

func TestDoubleCancelEmitsExactlyOneCancelledTerminator(t *testing.T) {
	m := scriptedManager(scriptedAgentStuckPrompt)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := m.CreateSession(ctx, "lab-1", nil)
	require.NoError(t, err)
	require.Equal(t, acp.MethodSyntheticSessionStarted, nextEvent(t, m).Method)

	// The prompt never settles; SendMessage returns via the startup race.
	// The pre-turn synthetics stay queued until the cancel flushes them.
	require.NoError(t, m.SendMessage(ctx, "lab-1", "hi"))

	require.NoError(t, m.CancelPrompt(ctx, "lab-1"))
	require.Equal(t, acp.MethodSessionUpdate, nextEvent(t, m).Method)
	require.Equal(t, acp.MethodSyntheticTurnStarted, nextEvent(t, m).Method)
	ended := nextEvent(t, m)
	require.Equal(t, acp.MethodSyntheticTurnEnded, ended.Method)
	var stop struct {
		StopReason string `json:"stopReason"`
	}
	require.NoError(t, json.Unmarshal(ended.Params, &stop))
	require.Equal(t, acp.StopReasonCancelled, stop.StopReason)

	// Second cancel: still succeeds, emits nothing further.
	require.NoError(t, m.CancelPrompt(ctx, "lab-1"))
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event after second cancel: %s", ev.Envelope.Method)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, m.DestroySession(ctx, "lab-1"))
}

func TestExtractSessionID(t *testing.T) {
	result, _ := json.Marshal(map[string]string{"sessionId": "agt-123"})
	require.Equal(t, "agt-123", extractSessionID(result))
}

func TestExtractSessionIDMissingField(t *testing.T) {
	result, _ := json.Marshal(map[string]string{"other": "value"})
	require.Equal(t, "", extractSessionID(result))
}

func TestHasSessionReportsFalseForUnknownSession(t *testing.T) {
	m := NewManager(config.AgentConfig{}, config.SessionConfig{}, nil)
	require.False(t, m.HasSession("never-created"))
}

func TestActiveSessionsEmptyByDefault(t *testing.T) {
	m := NewManager(config.AgentConfig{}, config.SessionConfig{}, nil)
	require.Empty(t, m.ActiveSessions())
}
