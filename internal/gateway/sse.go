package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/ridafkih/agent-session-gateway/internal/store"
)

// handleEvents streams a session's live envelopes as Server-Sent Events,
// one frame per durable log row: id is the log sequence, data is the raw
// JSON-RPC envelope. Any advisory ?offset is ignored — a reconnecting
// client replays the gap via /history, not this stream. The first
// subscriber of a session's Broadcast receives the payloads buffered while
// nobody was subscribed (up to 1024, oldest first) before live ones, so its
// first id equals max(sequence)+1 at stream-open time only when that buffer
// is empty.
func (s *Server) handleEvents(c *echo.Context) error {
	sessionID := labSessionID(c)
	ctx := c.Request().Context()

	bcast, err := s.mon.Broadcast(ctx, sessionID)
	if err != nil {
		return mapError(c, err)
	}
	ch, unsubscribe := bcast.Subscribe()
	defer unsubscribe()

	var w http.ResponseWriter = c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		flusher = nopFlusher{}
	}

	writer := bufio.NewWriter(w)
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeSSEFrame(writer, payload); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

// writeSSEFrame unwraps the NOTIFY wire shape into one SSE frame:
// `id: <sequence>\ndata: <envelope>\n\n`. A payload that doesn't parse as a
// NotifyEnvelope is forwarded as-is with id 0 rather than dropped.
func writeSSEFrame(w *bufio.Writer, payload []byte) error {
	var wrapped store.NotifyEnvelope
	data := payload
	if err := json.Unmarshal(payload, &wrapped); err == nil && len(wrapped.Envelope) > 0 {
		data = wrapped.Envelope
	}

	if _, err := fmt.Fprintf(w, "id: %s\n", strconv.FormatInt(wrapped.Sequence, 10)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

type nopFlusher struct{}

func (nopFlusher) Flush() {}
