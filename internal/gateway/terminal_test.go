package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ridafkih/agent-session-gateway/internal/acp"
)

func createTerminal(t *testing.T, r *RequestRouter, sessionID, command string, args ...string) string {
	t.Helper()
	params, _ := json.Marshal(terminalCreateParams{Command: command, Args: args})
	result, rpcErr := r.HandleServerRequest(context.Background(), sessionID, "req", acp.MethodTerminalCreate, params)
	require.Nil(t, rpcErr)

	var created struct {
		TerminalID string `json:"terminalId"`
	}
	require.NoError(t, json.Unmarshal(result, &created))
	require.NotEmpty(t, created.TerminalID)
	return created.TerminalID
}

func TestTerminalCreateWaitAndOutput(t *testing.T) {
	r := NewRequestRouter(t.TempDir())
	id := createTerminal(t, r, "sess-1", "sh", "-c", "echo out; echo err 1>&2")

	waitParams, _ := json.Marshal(terminalIDParams{TerminalID: id})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, rpcErr := r.HandleServerRequest(ctx, "sess-1", "req", acp.MethodTerminalWait, waitParams)
	require.Nil(t, rpcErr)

	var exit struct {
		ExitCode int `json:"exitCode"`
	}
	require.NoError(t, json.Unmarshal(result, &exit))
	require.Equal(t, 0, exit.ExitCode)

	// Stdout and stderr land in one combined buffer.
	result, rpcErr = r.HandleServerRequest(ctx, "sess-1", "req", acp.MethodTerminalOutput, waitParams)
	require.Nil(t, rpcErr)
	var out struct {
		Output string `json:"output"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	require.Contains(t, out.Output, "out")
	require.Contains(t, out.Output, "err")

	// Output drains the buffer: a second read returns nothing.
	result, rpcErr = r.HandleServerRequest(ctx, "sess-1", "req", acp.MethodTerminalOutput, waitParams)
	require.Nil(t, rpcErr)
	require.NoError(t, json.Unmarshal(result, &out))
	require.Empty(t, out.Output)
}

func TestTerminalWaitReportsNonZeroExit(t *testing.T) {
	r := NewRequestRouter(t.TempDir())
	id := createTerminal(t, r, "sess-1", "sh", "-c", "exit 3")

	waitParams, _ := json.Marshal(terminalIDParams{TerminalID: id})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, rpcErr := r.HandleServerRequest(ctx, "sess-1", "req", acp.MethodTerminalWait, waitParams)
	require.Nil(t, rpcErr)

	var exit struct {
		ExitCode int `json:"exitCode"`
	}
	require.NoError(t, json.Unmarshal(result, &exit))
	require.Equal(t, 3, exit.ExitCode)
}

func TestTerminalIDsAreMonotonicPerSession(t *testing.T) {
	r := NewRequestRouter(t.TempDir())
	first := createTerminal(t, r, "sess-1", "true")
	second := createTerminal(t, r, "sess-1", "true")
	require.Equal(t, "term-1", first)
	require.Equal(t, "term-2", second)

	// A different session starts its own counter.
	other := createTerminal(t, r, "sess-2", "true")
	require.Equal(t, "term-1", other)
}

func TestTerminalReleaseForgetsTheTerminal(t *testing.T) {
	r := NewRequestRouter(t.TempDir())
	id := createTerminal(t, r, "sess-1", "true")

	params, _ := json.Marshal(terminalIDParams{TerminalID: id})
	_, rpcErr := r.HandleServerRequest(context.Background(), "sess-1", "req", acp.MethodTerminalRelease, params)
	require.Nil(t, rpcErr)

	_, rpcErr = r.HandleServerRequest(context.Background(), "sess-1", "req", acp.MethodTerminalOutput, params)
	require.NotNil(t, rpcErr)
}

func TestTerminalKillStopsALongRunningProcess(t *testing.T) {
	r := NewRequestRouter(t.TempDir())
	id := createTerminal(t, r, "sess-1", "sleep", "60")

	params, _ := json.Marshal(terminalIDParams{TerminalID: id})
	_, rpcErr := r.HandleServerRequest(context.Background(), "sess-1", "req", acp.MethodTerminalKill, params)
	require.Nil(t, rpcErr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, rpcErr := r.HandleServerRequest(ctx, "sess-1", "req", acp.MethodTerminalWait, params)
	require.Nil(t, rpcErr)

	var exit struct {
		ExitCode int `json:"exitCode"`
	}
	require.NoError(t, json.Unmarshal(result, &exit))
	require.NotEqual(t, 0, exit.ExitCode)
}
