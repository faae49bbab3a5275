package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/ridafkih/agent-session-gateway/internal/agentsession"
	"github.com/ridafkih/agent-session-gateway/internal/store"
)

type createSessionRequest struct {
	ProjectID          string  `json:"projectId"`
	WorkspaceDirectory *string `json:"workspaceDirectory,omitempty"`
	AgentSessionID     *string `json:"agentSessionId,omitempty"`
	Title              *string `json:"title,omitempty"`
	Model              *string `json:"model,omitempty"`
}

type createSessionResponse struct {
	ID             string `json:"id"`
	LabSessionID   string `json:"labSessionId"`
	AgentSessionID string `json:"agentSessionId"`
	Status         string `json:"status"`
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	sessionID := labSessionID(c)
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return mapError(c, errInvalidRequest)
	}

	ctx := c.Request().Context()

	// Idempotent on labSessionId: a session that already has an
	// agentSessionId is returned as-is rather than recreated.
	if existing, found, err := s.sessions.Get(ctx, sessionID); err != nil {
		return mapError(c, err)
	} else if found && existing.AgentSessionID != nil {
		return c.JSON(http.StatusOK, createSessionResponse{
			ID: *existing.AgentSessionID, LabSessionID: sessionID,
			AgentSessionID: *existing.AgentSessionID, Status: existing.Status,
		})
	} else if !found {
		if err := s.sessions.Create(ctx, store.Session{
			LabSessionID:       sessionID,
			ProjectID:          req.ProjectID,
			WorkspaceDirectory: req.WorkspaceDirectory,
			Status:             store.SessionStatusPending,
			Title:              req.Title,
		}); err != nil {
			return mapError(c, err)
		}
	}

	agentSessionID, err := s.manager.CreateSession(ctx, sessionID, req.AgentSessionID)
	if err != nil {
		lastError := err.Error()
		_ = s.sessions.SetStatus(ctx, sessionID, store.SessionStatusPending)
		_ = s.sessions.SetLastError(ctx, sessionID, &lastError)
		return mapError(c, err)
	}

	if err := s.sessions.SetAgentSessionID(ctx, sessionID, &agentSessionID); err != nil {
		return mapError(c, err)
	}
	if err := s.sessions.SetStatus(ctx, sessionID, store.SessionStatusRunning); err != nil {
		return mapError(c, err)
	}
	if req.Model != nil {
		if err := s.manager.SetSessionModel(ctx, sessionID, *req.Model); err != nil {
			return mapError(c, err)
		}
	}

	return c.JSON(http.StatusCreated, createSessionResponse{
		ID: agentSessionID, LabSessionID: sessionID,
		AgentSessionID: agentSessionID, Status: store.SessionStatusRunning,
	})
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	sessionID := labSessionID(c)
	ctx := c.Request().Context()

	if err := s.sessions.SetStatus(ctx, sessionID, store.SessionStatusDeleting); err != nil {
		return mapError(c, err)
	}
	if err := s.manager.DestroySession(ctx, sessionID); err != nil {
		return mapError(c, err)
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type sendMessageRequest struct {
	Text    string  `json:"message"`
	ModelID *string `json:"model,omitempty"`
}

// handleSendMessage implements send-with-recovery: ensure the
// session exists, optionally set its model, then send the message. Any
// failure classified as recoverable destroys the session, clears its
// agentSessionId, and retries the whole sequence from the top, up to
// sendWithRecoveryMaxAttempts times; any other failure, or exhausting the
// attempts, propagates unchanged.
func (s *Server) handleSendMessage(c *echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil || req.Text == "" {
		return mapError(c, errInvalidRequest)
	}

	ctx := c.Request().Context()
	sessionID := labSessionID(c)

	if err := s.metadata.SetInferenceStatus(ctx, sessionID, store.InferenceStatusGenerating); err != nil {
		return mapError(c, err)
	}

	var lastErr error
	for attempt := 1; attempt <= sendWithRecoveryMaxAttempts; attempt++ {
		if err := s.ensureSession(ctx, sessionID); err != nil {
			lastErr = err
		} else if req.ModelID != nil {
			if err := s.manager.SetSessionModel(ctx, sessionID, *req.ModelID); err != nil {
				lastErr = err
			} else {
				lastErr = s.manager.SendMessage(ctx, sessionID, req.Text)
			}
		} else {
			lastErr = s.manager.SendMessage(ctx, sessionID, req.Text)
		}

		if lastErr == nil {
			_ = s.metadata.SetLastMessage(ctx, sessionID, req.Text)
			return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
		}

		if agentsession.ClassifyError(lastErr) != agentsession.RetrySameSession || attempt == sendWithRecoveryMaxAttempts {
			return mapError(c, lastErr)
		}

		_ = s.manager.DestroySession(ctx, sessionID)
		_ = s.sessions.SetAgentSessionID(ctx, sessionID, nil)
	}
	return mapError(c, lastErr)
}

// sendWithRecoveryMaxAttempts bounds send-with-recovery's retry loop (spec
// §4.4 and §8's testable property "Send-with-recovery attempts ≤ 3").
const sendWithRecoveryMaxAttempts = 3

// ensureSession makes sure a live agent subprocess backs sessionID,
// recreating it (resuming from the last known agentSessionId, if any) when
// the Manager has no live handle — the "ensure session" phase send-with-
// recovery restarts from on every retry.
func (s *Server) ensureSession(ctx context.Context, sessionID string) error {
	row, found, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if row.AgentSessionID != nil {
		// Already resolved and (per invariant) backed by a live subprocess
		// unless a prior attempt just destroyed it. A live subprocess means
		// nothing to do; CreateSession below is reached only once
		// DestroySession has cleared the Manager's map entry, since it
		// rejects a second create for a live session.
		if s.manager.HasSession(sessionID) {
			return nil
		}
	}
	agentSessionID, err := s.manager.CreateSession(ctx, sessionID, row.AgentSessionID)
	if err != nil {
		return err
	}
	if err := s.sessions.SetAgentSessionID(ctx, sessionID, &agentSessionID); err != nil {
		return err
	}
	return s.sessions.SetStatus(ctx, sessionID, store.SessionStatusRunning)
}

type setModelRequest struct {
	ModelID string `json:"model"`
}

func (s *Server) handleSetModel(c *echo.Context) error {
	var req setModelRequest
	if err := c.Bind(&req); err != nil || req.ModelID == "" {
		return mapError(c, errInvalidRequest)
	}
	ctx := c.Request().Context()
	sessionID := labSessionID(c)
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return mapError(c, err)
	}
	if err := s.manager.SetSessionModel(ctx, sessionID, req.ModelID); err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleCancel forwards the cancel; the synthetic cancelled terminator is
// the Manager's responsibility and is emitted at most once per in-flight
// prompt, so a double cancel still returns 200 twice with one terminator.
func (s *Server) handleCancel(c *echo.Context) error {
	if err := s.manager.CancelPrompt(c.Request().Context(), labSessionID(c)); err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type historyEnvelope struct {
	Sequence  int64           `json:"sequence"`
	EventData json.RawMessage `json:"eventData"`
}

// handleHistory returns the durable event log after an optional
// ?after=<sequence> cursor, the counterpart a reconnecting client uses
// before subscribing to /events.
func (s *Server) handleHistory(c *echo.Context) error {
	after := int64(-1)
	if raw := c.QueryParam("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return mapError(c, errInvalidRequest)
		}
		after = parsed
	}

	events, err := s.events.GetAgentEvents(c.Request().Context(), labSessionID(c), after)
	if err != nil {
		return mapError(c, err)
	}

	out := make([]historyEnvelope, 0, len(events))
	for _, e := range events {
		out = append(out, historyEnvelope{Sequence: e.Sequence, EventData: e.Envelope})
	}
	return c.JSON(http.StatusOK, out)
}

type saveCheckpointRequest struct {
	ParserVersion int             `json:"parserVersion"`
	LastSequence  int64           `json:"lastSequence"`
	ReplayState   json.RawMessage `json:"replayState"`
}

// handleSaveCheckpoint stores the client's replay position. A checkpoint
// from a stale parser is rejected with 400 so the client discards it and
// full-replays against the current translator/accumulator.
func (s *Server) handleSaveCheckpoint(c *echo.Context) error {
	var req saveCheckpointRequest
	if err := c.Bind(&req); err != nil {
		return mapError(c, errInvalidRequest)
	}
	if req.ParserVersion != s.sessionCfg.ReplayParserVersion {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Unsupported replay parser version"})
	}
	if err := s.checkpoints.UpsertReplayCheckpoint(c.Request().Context(), labSessionID(c), req.ParserVersion, req.LastSequence, req.ReplayState); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleGetCheckpoint returns the stored replay checkpoint so a
// reconnecting client can skip its known-good prefix; 404 when none has
// been saved (the client then full-replays).
func (s *Server) handleGetCheckpoint(c *echo.Context) error {
	cp, found, err := s.checkpoints.GetReplayCheckpoint(c.Request().Context(), labSessionID(c))
	if err != nil {
		return mapError(c, err)
	}
	if !found {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "no replay checkpoint"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"parserVersion": cp.ParserVersion,
		"lastSequence":  cp.LastSequence,
		"replayState":   cp.ReplayState,
	})
}

// handleListAgents and handleListModels describe the statically configured
// local agent — this gateway mediates exactly one agent subprocess kind per
// deployment, so these are fixed catalogs rather than a dynamic registry:
// agents has a single entry and models is always empty.
func (s *Server) handleListAgents(c *echo.Context) error {
	return c.JSON(http.StatusOK, []map[string]string{{"id": "local", "name": "Local Agent"}})
}

func (s *Server) handleListModels(c *echo.Context) error {
	return c.JSON(http.StatusOK, []map[string]string{})
}

type questionReplyRequest struct {
	Answer string `json:"answer"`
}

// handleQuestionReply and handleQuestionReject acknowledge a reply to a
// question id with 204. Nothing is parked under that id, so the answer is
// not forwarded to the live session; see resolveQuestion.
func (s *Server) handleQuestionReply(c *echo.Context) error {
	var req questionReplyRequest
	if err := c.Bind(&req); err != nil {
		return mapError(c, errInvalidRequest)
	}
	if err := s.resolveQuestion(c.Request().Context(), labSessionID(c), c.Param("id"), req.Answer, false); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleQuestionReject(c *echo.Context) error {
	if err := s.resolveQuestion(c.Request().Context(), labSessionID(c), c.Param("id"), "", true); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type permissionReplyRequest struct {
	OptionID string `json:"optionId"`
}

func (s *Server) handlePermissionReply(c *echo.Context) error {
	var req permissionReplyRequest
	if err := c.Bind(&req); err != nil {
		return mapError(c, errInvalidRequest)
	}
	if err := s.resolvePermission(c.Request().Context(), labSessionID(c), c.Param("id"), req.OptionID); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
