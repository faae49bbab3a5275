package store

import (
	"context"
	"fmt"
)

// SessionsRepo persists the session row: the durable record the
// reconciliation loop and the /sessions routes operate on.
type SessionsRepo struct {
	db *DB
}

// NewSessionsRepo returns a repository backed by db.
func NewSessionsRepo(db *DB) *SessionsRepo {
	return &SessionsRepo{db: db}
}

// Create inserts a new session row in the pending state.
func (r *SessionsRepo) Create(ctx context.Context, s Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (lab_session_id, project_id, agent_session_id, workspace_directory, status, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
		s.LabSessionID, s.ProjectID, s.AgentSessionID, s.WorkspaceDirectory, s.Status, s.Title,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Get returns the session row for labSessionID.
func (r *SessionsRepo) Get(ctx context.Context, labSessionID string) (Session, bool, error) {
	var s Session
	err := r.db.QueryRowContext(ctx, `
		SELECT lab_session_id, project_id, agent_session_id, workspace_directory, status, title, last_error, created_at, updated_at
		FROM sessions WHERE lab_session_id = $1`,
		labSessionID,
	).Scan(&s.LabSessionID, &s.ProjectID, &s.AgentSessionID, &s.WorkspaceDirectory, &s.Status, &s.Title, &s.LastError, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("get session: %w", err)
	}
	return s, true, nil
}

// SetAgentSessionID records the upstream agent's session identifier once
// createSession's fallback chain (resume/load/new) has resolved one.
func (r *SessionsRepo) SetAgentSessionID(ctx context.Context, labSessionID string, agentSessionID *string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET agent_session_id = $2, updated_at = now() WHERE lab_session_id = $1`,
		labSessionID, agentSessionID,
	)
	if err != nil {
		return fmt.Errorf("set agent session id: %w", err)
	}
	return nil
}

// SetStatus transitions a session's lifecycle status.
func (r *SessionsRepo) SetStatus(ctx context.Context, labSessionID, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2, updated_at = now() WHERE lab_session_id = $1`,
		labSessionID, status,
	)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	return nil
}

// SetLastError records the most recent fatal/recoverable error observed for
// the session, surfaced by the dashboard alongside status.
func (r *SessionsRepo) SetLastError(ctx context.Context, labSessionID string, lastError *string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_error = $2, updated_at = now() WHERE lab_session_id = $1`,
		labSessionID, lastError,
	)
	if err != nil {
		return fmt.Errorf("set session last error: %w", err)
	}
	return nil
}

// ListRunning returns every session currently marked running, the working
// set the reconciliation loop diffs against live subprocess handles.
func (r *SessionsRepo) ListRunning(ctx context.Context) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT lab_session_id, project_id, agent_session_id, workspace_directory, status, title, last_error, created_at, updated_at
		FROM sessions WHERE status = $1`,
		SessionStatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.LabSessionID, &s.ProjectID, &s.AgentSessionID, &s.WorkspaceDirectory, &s.Status, &s.Title, &s.LastError, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Delete removes the session row. Callers are responsible for tearing down
// the live subprocess and events first.
func (r *SessionsRepo) Delete(ctx context.Context, labSessionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE lab_session_id = $1`, labSessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
