package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventsRepo is an append-only store of (sessionId, sequence, envelope)
// rows, with a max-sequence lookup
// and an ascending range scan. Grounded in pkg/events/publisher.go's direct
// *sql.DB usage and its persist-then-NOTIFY-in-the-same-transaction pattern.
type EventsRepo struct {
	db *DB
}

// NewEventsRepo returns a repository backed by db.
func NewEventsRepo(db *DB) *EventsRepo {
	return &EventsRepo{db: db}
}

// StoreAgentEvent inserts the event and issues pg_notify on channel in the
// same transaction, so NOTIFY only fires once the row is durably committed
// (pg_notify is transactional — held until COMMIT, same as the teacher's
// persistAndNotify).
func (r *EventsRepo) StoreAgentEvent(ctx context.Context, sessionID string, sequence int64, envelope json.RawMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_events (session_id, sequence, event_data) VALUES ($1, $2, $3)`,
		sessionID, sequence, []byte(envelope),
	)
	if err != nil {
		return fmt.Errorf("insert agent event: %w", err)
	}

	notifyPayload, err := BuildNotifyPayload(sessionID, sequence, envelope)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", SessionChannel(sessionID), notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit agent event: %w", err)
	}
	return nil
}

// GetMaxSequence returns the highest sequence stored for sessionID, or -1
// when the session has no events yet.
func (r *EventsRepo) GetMaxSequence(ctx context.Context, sessionID string) (int64, error) {
	var max *int64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM agent_events WHERE session_id = $1`, sessionID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max sequence: %w", err)
	}
	if max == nil {
		return -1, nil
	}
	return *max, nil
}

// GetAgentEvents returns events for sessionID in ascending sequence order,
// optionally starting strictly after afterSequence.
func (r *EventsRepo) GetAgentEvents(ctx context.Context, sessionID string, afterSequence int64) ([]AgentEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id, sequence, event_data, created_at
		 FROM agent_events WHERE session_id = $1 AND sequence > $2
		 ORDER BY sequence ASC`,
		sessionID, afterSequence,
	)
	if err != nil {
		return nil, fmt.Errorf("query agent events: %w", err)
	}
	defer rows.Close()

	var events []AgentEvent
	for rows.Next() {
		var e AgentEvent
		var data []byte
		if err := rows.Scan(&e.SessionID, &e.Sequence, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent event: %w", err)
		}
		e.Envelope = data
		events = append(events, e)
	}
	return events, rows.Err()
}

// notifyPayloadLimit is Postgres's hard NOTIFY payload ceiling (8000 bytes);
// truncation is applied below that to leave headroom for the envelope.
const notifyPayloadLimit = 7900

// BuildNotifyPayload wraps the envelope with routing fields for live
// subscribers, truncating to a minimal routing-only envelope if the full
// payload would exceed Postgres's NOTIFY size limit — grounded in
// pkg/events/publisher.go's truncateIfNeeded/buildTruncatedPayload. The
// Monitor's local fallback publish marshals the same NotifyEnvelope
// directly (never truncated), so both delivery paths produce one wire shape.
func BuildNotifyPayload(sessionID string, sequence int64, envelope json.RawMessage) (string, error) {
	wrapped, err := json.Marshal(NotifyEnvelope{SessionID: sessionID, Sequence: sequence, Envelope: envelope})
	if err != nil {
		return "", fmt.Errorf("marshal notify payload: %w", err)
	}
	if len(wrapped) <= notifyPayloadLimit {
		return string(wrapped), nil
	}

	truncated, err := json.Marshal(NotifyEnvelope{SessionID: sessionID, Sequence: sequence, Truncated: true})
	if err != nil {
		return "", fmt.Errorf("marshal truncated notify payload: %w", err)
	}
	return string(truncated), nil
}

// NotifyEnvelope is the NOTIFY wire shape: the raw JSON-RPC envelope plus
// the routing fields SSE framing needs (the sequence becomes the event id).
type NotifyEnvelope struct {
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence"`
	Envelope  json.RawMessage `json:"envelope,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}
