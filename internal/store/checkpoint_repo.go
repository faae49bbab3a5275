package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// CheckpointRepo holds one row per session with the client's
// last-acknowledged sequence and opaque
// accumulator state, versioned so a translator/accumulator change forces a
// fresh replay instead of resuming into a mismatched reducer.
type CheckpointRepo struct {
	db *DB
}

// NewCheckpointRepo returns a repository backed by db.
func NewCheckpointRepo(db *DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

// GetReplayCheckpoint returns the stored checkpoint for sessionID, and false
// when no checkpoint has been saved yet.
func (r *CheckpointRepo) GetReplayCheckpoint(ctx context.Context, sessionID string) (ReplayCheckpoint, bool, error) {
	var c ReplayCheckpoint
	c.SessionID = sessionID

	err := r.db.QueryRowContext(ctx,
		`SELECT parser_version, last_sequence, replay_state, updated_at
		 FROM acp_replay_checkpoints WHERE session_id = $1`,
		sessionID,
	).Scan(&c.ParserVersion, &c.LastSequence, &c.ReplayState, &c.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return ReplayCheckpoint{}, false, nil
		}
		return ReplayCheckpoint{}, false, fmt.Errorf("get replay checkpoint: %w", err)
	}
	return c, true, nil
}

// UpsertReplayCheckpoint stores the client's replay position. Callers are
// expected to reject a save whose parserVersion is stale relative to the
// currently running translator/accumulator before calling this — the
// rejection itself isn't this repository's job.
func (r *CheckpointRepo) UpsertReplayCheckpoint(ctx context.Context, sessionID string, parserVersion int, lastSequence int64, replayState json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO acp_replay_checkpoints (session_id, parser_version, last_sequence, replay_state, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (session_id) DO UPDATE SET
			parser_version = $2, last_sequence = $3, replay_state = $4, updated_at = now()`,
		sessionID, parserVersion, lastSequence, []byte(replayState),
	)
	if err != nil {
		return fmt.Errorf("upsert replay checkpoint: %w", err)
	}
	return nil
}
