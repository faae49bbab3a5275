package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ridafkih/agent-session-gateway/internal/store"
)

func TestWriteSSEFrameUnwrapsNotifyEnvelope(t *testing.T) {
	payload, err := json.Marshal(store.NotifyEnvelope{
		SessionID: "sess-1",
		Sequence:  42,
		Envelope:  json.RawMessage(`{"jsonrpc":"2.0","method":"session/update"}`),
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeSSEFrame(bufio.NewWriter(&buf), payload))

	require.Equal(t, "id: 42\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"session/update\"}\n\n", buf.String())
}

func TestWriteSSEFrameForwardsUnparsablePayloadAsIs(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSSEFrame(bufio.NewWriter(&buf), []byte(`not-json`)))
	require.Contains(t, buf.String(), "data: not-json\n\n")
}
