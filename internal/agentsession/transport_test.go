package agentsession

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ridafkih/agent-session-gateway/internal/acp"
	"github.com/ridafkih/agent-session-gateway/internal/config"
)

// TestTransportRoundTrip uses "cat" as a stand-in agent subprocess: whatever
// is written to its stdin is echoed back on its stdout line for line, which
// is enough to exercise the framing and channel plumbing without a real ACP
// agent binary.
func TestTransportRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport, err := Spawn(ctx, config.AgentConfig{Command: "cat"})
	require.NoError(t, err)
	defer func() { _ = transport.Close() }()

	sent := acp.Envelope{JSONRPC: "2.0", ID: []byte("1"), Method: "initialize"}
	require.NoError(t, transport.Send(sent))

	select {
	case got := <-transport.Envelopes():
		require.Equal(t, "initialize", got.Method)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echoed envelope")
	}
}
