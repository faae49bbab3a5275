package store

import (
	"context"
	"fmt"
)

// MetadataRepo is the sole authoritative source for a session's
// inferenceStatus, plus a lastMessage preview.
type MetadataRepo struct {
	db *DB
}

// NewMetadataRepo returns a repository backed by db.
func NewMetadataRepo(db *DB) *MetadataRepo {
	return &MetadataRepo{db: db}
}

// SetInferenceStatus upserts the session's inference status.
func (r *MetadataRepo) SetInferenceStatus(ctx context.Context, sessionID, status string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_metadata (session_id, inference_status, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE SET inference_status = $2, updated_at = now()`,
		sessionID, status,
	)
	if err != nil {
		return fmt.Errorf("set inference status: %w", err)
	}
	return nil
}

// SetLastMessage upserts the session's last-message preview.
func (r *MetadataRepo) SetLastMessage(ctx context.Context, sessionID, text string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_metadata (session_id, inference_status, last_message, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id) DO UPDATE SET last_message = $3, updated_at = now()`,
		sessionID, InferenceStatusIdle, text,
	)
	if err != nil {
		return fmt.Errorf("set last message: %w", err)
	}
	return nil
}

// Get returns the session's metadata row, defaulting to idle/nil when no
// row exists yet.
func (r *MetadataRepo) Get(ctx context.Context, sessionID string) (SessionMetadata, error) {
	var m SessionMetadata
	m.SessionID = sessionID
	m.InferenceStatus = InferenceStatusIdle

	err := r.db.QueryRowContext(ctx,
		`SELECT inference_status, last_message, updated_at FROM session_metadata WHERE session_id = $1`,
		sessionID,
	).Scan(&m.InferenceStatus, &m.LastMessage, &m.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return m, nil
		}
		return m, fmt.Errorf("get session metadata: %w", err)
	}
	return m, nil
}
