package store

import (
	"context"
	"fmt"
)

// TasksRepo persists the session task projection: the gateway's
// materialized view of an agent's todo/task-list tool calls.
type TasksRepo struct {
	db *DB
}

// NewTasksRepo returns a repository backed by db.
func NewTasksRepo(db *DB) *TasksRepo {
	return &TasksRepo{db: db}
}

// ReplaceAll atomically replaces every task for sessionID with tasks, the
// semantics a TodoWrite tool call implies: the agent sent a complete list,
// not a delta.
func (r *TasksRepo) ReplaceAll(ctx context.Context, sessionID string, tasks []SessionTask) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_tasks WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear session tasks: %w", err)
	}

	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_tasks (id, session_id, external_id, content, status, priority, position, source_tool_name, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
			t.ID, sessionID, t.ExternalID, t.Content, t.Status, t.Priority, t.Position, t.SourceToolName,
		); err != nil {
			return fmt.Errorf("insert session task: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session tasks: %w", err)
	}
	return nil
}

// Upsert inserts or updates a single task, the semantics TaskCreate and
// TaskUpdate tool calls imply: the agent is referencing one task by id.
func (r *TasksRepo) Upsert(ctx context.Context, t SessionTask) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_tasks (id, session_id, external_id, content, status, priority, position, source_tool_name, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET
			external_id = $3, content = $4, status = $5, priority = $6, position = $7, source_tool_name = $8, updated_at = now()`,
		t.ID, t.SessionID, t.ExternalID, t.Content, t.Status, t.Priority, t.Position, t.SourceToolName,
	)
	if err != nil {
		return fmt.Errorf("upsert session task: %w", err)
	}
	return nil
}

// List returns every task for sessionID ordered by position.
func (r *TasksRepo) List(ctx context.Context, sessionID string) ([]SessionTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, external_id, content, status, priority, position, source_tool_name, updated_at
		FROM session_tasks WHERE session_id = $1 ORDER BY position ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list session tasks: %w", err)
	}
	defer rows.Close()

	var tasks []SessionTask
	for rows.Next() {
		var t SessionTask
		if err := rows.Scan(&t.ID, &t.SessionID, &t.ExternalID, &t.Content, &t.Status, &t.Priority, &t.Position, &t.SourceToolName, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
