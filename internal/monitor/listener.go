package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ridafkih/agent-session-gateway/internal/store"
)

// listenCommand is a LISTEN/UNLISTEN request executed by the receive loop,
// which is the sole goroutine that touches the pgx connection — this avoids
// the "conn busy" race between WaitForNotification and Exec.
type listenCommand struct {
	sessionID string
	subscribe bool
}

// NotifyListener maintains one dedicated Postgres connection subscribed to
// per-session NOTIFY channels, and republishes incoming payloads onto this
// process's in-memory Broadcasts. This is what lets a second gateway replica
// (or this same one, after a reconnect) learn about events persisted by
// another connection, rather than only ever seeing its own writes.
type NotifyListener struct {
	connString string
	logger     *slog.Logger
	commands   chan listenCommand
	broadcast  func(sessionID string, payload []byte)
	truncated  func(sessionID string, sequence int64)
}

// NewNotifyListener returns a listener that calls onPayload for every
// untruncated NOTIFY, and onTruncated when a payload was too large to
// inline (the subscriber should fall back to a GetAgentEvents catch-up read).
func NewNotifyListener(connString string, logger *slog.Logger, onPayload func(sessionID string, payload []byte), onTruncated func(sessionID string, sequence int64)) *NotifyListener {
	return &NotifyListener{
		connString: connString,
		logger:     logger,
		commands:   make(chan listenCommand, 64),
		broadcast:  onPayload,
		truncated:  onTruncated,
	}
}

// Watch registers interest in sessionID's channel. Safe to call concurrently.
func (l *NotifyListener) Watch(sessionID string) {
	l.commands <- listenCommand{sessionID: sessionID, subscribe: true}
}

// Unwatch drops interest in sessionID's channel.
func (l *NotifyListener) Unwatch(sessionID string) {
	l.commands <- listenCommand{sessionID: sessionID, subscribe: false}
}

// Run owns the dedicated connection until ctx is canceled, reconnecting
// (and re-LISTENing every watched channel) when the connection drops. The
// loop alternates between draining pending commands and a short
// WaitForNotification so one goroutine services both.
func (l *NotifyListener) Run(ctx context.Context) error {
	watched := make(map[string]bool)
	var conn *pgx.Conn

	defer func() {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if conn == nil {
			next, err := l.connect(ctx, watched)
			if err != nil {
				l.logger.Error("notify listener connect failed", "error", err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(2 * time.Second):
				}
				continue
			}
			conn = next
		}

		if err := l.drainCommands(ctx, conn, watched); err != nil {
			l.logger.Error("notify listener command failed", "error", err)
			_ = conn.Close(ctx)
			conn = nil
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if waitCtx.Err() != nil {
				continue // timeout: loop back to service commands
			}
			l.logger.Error("notify listener connection lost", "error", err)
			_ = conn.Close(ctx)
			conn = nil
			continue
		}

		l.dispatch(notification)
	}
}

func (l *NotifyListener) connect(ctx context.Context, watched map[string]bool) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, err
	}
	for sessionID := range watched {
		if err := l.exec(ctx, conn, "LISTEN", sessionID); err != nil {
			_ = conn.Close(ctx)
			return nil, err
		}
	}
	return conn, nil
}

func (l *NotifyListener) drainCommands(ctx context.Context, conn *pgx.Conn, watched map[string]bool) error {
	for {
		select {
		case cmd := <-l.commands:
			if cmd.subscribe == watched[cmd.sessionID] {
				continue
			}
			action := "UNLISTEN"
			if cmd.subscribe {
				action = "LISTEN"
			}
			if err := l.exec(ctx, conn, action, cmd.sessionID); err != nil {
				return err
			}
			if cmd.subscribe {
				watched[cmd.sessionID] = true
			} else {
				delete(watched, cmd.sessionID)
			}
		default:
			return nil
		}
	}
}

func (l *NotifyListener) exec(ctx context.Context, conn *pgx.Conn, action, sessionID string) error {
	channel := pgx.Identifier{store.SessionChannel(sessionID)}.Sanitize()
	_, err := conn.Exec(ctx, action+" "+channel)
	return err
}

func (l *NotifyListener) dispatch(n *pgconn.Notification) {
	var p store.NotifyEnvelope
	if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
		l.logger.Error("malformed notify payload", "channel", n.Channel, "error", err)
		return
	}
	if p.Truncated {
		l.truncated(p.SessionID, p.Sequence)
		return
	}
	l.broadcast(p.SessionID, []byte(n.Payload))
}
