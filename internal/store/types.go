// Package store persists the tables the gateway owns: sessions, the
// append-only agent event log, per-session metadata, replay checkpoints,
// and the session task projection. It also
// models the in-memory Session and SessionTask shapes the rest of the
// gateway operates on.
package store

import (
	"encoding/json"
	"time"
)

// Session statuses.
const (
	SessionStatusPending  = "pending"
	SessionStatusRunning  = "running"
	SessionStatusPooled   = "pooled"
	SessionStatusDeleting = "deleting"
)

// Session is identified by an opaque labSessionId (external UUID).
type Session struct {
	LabSessionID        string
	ProjectID           string
	AgentSessionID      *string
	WorkspaceDirectory   *string
	Status               string
	Title                *string
	LastError            *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Inference statuses.
const (
	InferenceStatusIdle       = "idle"
	InferenceStatusGenerating = "generating"
)

// SessionMetadata is the durable (inferenceStatus, lastMessage) pair per
// session — the sole authoritative source for inferenceStatus.
type SessionMetadata struct {
	SessionID       string
	InferenceStatus string
	LastMessage     *string
	UpdatedAt       time.Time
}

// Task statuses.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
)

// SessionTask is replaced atomically by TodoWrite events and upserted by
// TaskCreate/TaskUpdate.
type SessionTask struct {
	ID             string
	SessionID      string
	ExternalID     *string
	Content        string
	Status         string
	Priority       *string
	Position       int
	SourceToolName string
	UpdatedAt      time.Time
}

// AgentEvent is one append-only row of the agent event log: (sessionId,
// sequence, envelope). Sequence is dense and monotonic per session.
type AgentEvent struct {
	SessionID string
	Sequence  int64
	Envelope  json.RawMessage
	CreatedAt time.Time
}

// ReplayCheckpoint is the client's saved replay position, parser-versioned
// so that a translator/accumulator change forces a full replay.
type ReplayCheckpoint struct {
	SessionID     string
	ParserVersion int
	LastSequence  int64
	ReplayState   json.RawMessage
	UpdatedAt     time.Time
}
