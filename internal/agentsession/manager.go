package agentsession

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ridafkih/agent-session-gateway/internal/acp"
	"github.com/ridafkih/agent-session-gateway/internal/config"
)

// Event pairs a raw envelope (real or synthetic) with the lab session that
// produced it, the unit the Monitor's persistence queue consumes.
type Event struct {
	LabSessionID string
	Envelope     acp.Envelope
}

// ServerRequestHandler answers the agent-initiated requests a session may
// send mid-turn: permission prompts and the fs/terminal passthrough surface.
// The gateway supplies the concrete implementation; the Manager only routes.
// requestID is a gateway-generated correlation id (not the JSON-RPC id),
// carried by the synthetic permission.requested and permission.resolved
// notifications the Manager emits around this call, so the two events can
// be paired.
type ServerRequestHandler interface {
	HandleServerRequest(ctx context.Context, labSessionID, requestID, method string, params json.RawMessage) (result json.RawMessage, rpcErr *acp.RPCError)
}

// Manager owns every live agent subprocess, keyed by lab session id. It is
// the only place that talks ACP JSON-RPC over stdio; everything else works
// in terms of domain events the Monitor derives from what Manager emits.
type Manager struct {
	agentCfg   config.AgentConfig
	sessionCfg config.SessionConfig
	handler    ServerRequestHandler

	mu       sync.RWMutex
	sessions map[string]*liveSession

	events chan Event
}

type liveSession struct {
	labSessionID   string
	agentSessionID string
	transport      *Transport

	// capabilities recorded from the initialize reply; they gate which
	// steps of the resume→load→new fallback chain are even attempted.
	canLoadSession bool
	canResume      bool

	mu            sync.Mutex
	nextRequestID int64
	pending       map[string]chan acp.Envelope
	// preTurn holds the synthetic user_message/turn_started pair queued by
	// SendMessage until the turn actually materializes (first agent
	// notification, prompt success, or an explicit cancel). A failed
	// attempt drops them, so a retry doesn't persist the user's message
	// twice.
	preTurn []acp.Envelope

	promptInFlight     atomic.Bool
	fatalResetInFlight atomic.Bool
	createdAt          time.Time
}

// NewManager constructs a Manager with no live sessions.
func NewManager(agentCfg config.AgentConfig, sessionCfg config.SessionConfig, handler ServerRequestHandler) *Manager {
	return &Manager{
		agentCfg:   agentCfg,
		sessionCfg: sessionCfg,
		handler:    handler,
		sessions:   make(map[string]*liveSession),
		events:     make(chan Event, 1024),
	}
}

// Events returns the channel every envelope (real or synthetic) produced by
// any live session is published on.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// emit blocks when the Monitor has fallen behind its own persistence queue;
// dropping here would lose durable history, so backpressure is the lesser
// harm.
func (m *Manager) emit(labSessionID string, env acp.Envelope) {
	m.events <- Event{LabSessionID: labSessionID, Envelope: env}
}

func syntheticNotification(method string, params any) acp.Envelope {
	data, _ := json.Marshal(params)
	return acp.Envelope{JSONRPC: "2.0", Method: method, Params: data}
}

// syntheticSessionUpdate wraps a session/update payload so it flows through
// the same translation path as real agent notifications.
func syntheticSessionUpdate(update map[string]any) acp.Envelope {
	return syntheticNotification(acp.MethodSessionUpdate, map[string]any{"update": update})
}

// CreateSession spawns an agent subprocess for labSessionID (it returns an
// error if a live session already exists for that id), following the resume→load→new fallback chain: a previously-known
// agentSessionID is resumed first, then loaded, and only on both failures is
// a brand new agent session negotiated. Each fallback step swallows only its
// own immediate error.
func (m *Manager) CreateSession(ctx context.Context, labSessionID string, resumeAgentSessionID *string) (string, error) {
	m.mu.Lock()
	if _, exists := m.sessions[labSessionID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("session already exists for %s", labSessionID)
	}
	m.mu.Unlock()

	transport, err := Spawn(ctx, m.agentCfg)
	if err != nil {
		return "", fmt.Errorf("spawn agent process: %w", err)
	}

	ls := &liveSession{
		labSessionID: labSessionID,
		transport:    transport,
		pending:      make(map[string]chan acp.Envelope),
		createdAt:    time.Now(),
	}

	m.mu.Lock()
	m.sessions[labSessionID] = ls
	m.mu.Unlock()

	go m.routeInbound(ls)

	initRaw, err := m.request(ctx, ls, acp.MethodInitialize, map[string]any{})
	if err != nil {
		m.teardown(labSessionID)
		return "", fmt.Errorf("initialize agent: %w", err)
	}
	var initResult acp.InitializeResult
	_ = json.Unmarshal(initRaw, &initResult)
	ls.canLoadSession = initResult.Capabilities.LoadSession
	ls.canResume = initResult.Capabilities.SessionCapabilities.Resume

	agentSessionID, err := m.resolveSession(ctx, ls, resumeAgentSessionID)
	if err != nil {
		m.teardown(labSessionID)
		return "", err
	}

	ls.agentSessionID = agentSessionID
	m.emit(labSessionID, syntheticNotification(acp.MethodSyntheticSessionStarted, map[string]any{
		"agentSessionId": agentSessionID,
	}))
	return agentSessionID, nil
}

func (m *Manager) resolveSession(ctx context.Context, ls *liveSession, resumeAgentSessionID *string) (string, error) {
	if resumeAgentSessionID != nil {
		if ls.canResume {
			if result, err := m.request(ctx, ls, acp.MethodResumeSession, map[string]any{"sessionId": *resumeAgentSessionID}); err == nil {
				if id := extractSessionID(result); id != "" {
					return id, nil
				}
				return *resumeAgentSessionID, nil
			}
		}
		if ls.canLoadSession {
			if result, err := m.request(ctx, ls, acp.MethodLoadSession, map[string]any{"sessionId": *resumeAgentSessionID}); err == nil {
				if id := extractSessionID(result); id != "" {
					return id, nil
				}
				return *resumeAgentSessionID, nil
			}
		}
	}

	params := map[string]any{"workspaceDirectory": m.agentCfg.WorkspaceRoot}
	if m.agentCfg.MCPServerURL != "" {
		params["_meta"] = map[string]any{
			"claudeCode": map[string]any{
				"mcpServers": []map[string]string{{"type": "http", "url": m.agentCfg.MCPServerURL}},
			},
		}
	}
	result, err := m.request(ctx, ls, acp.MethodNewSession, params)
	if err != nil {
		return "", fmt.Errorf("negotiate new agent session: %w", err)
	}
	id := extractSessionID(result)
	if id == "" {
		id = uuid.NewString()
	}
	return id, nil
}

func extractSessionID(result json.RawMessage) string {
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(result, &payload)
	return payload.SessionID
}

// SendMessage submits a user prompt to the session. The user's text becomes
// a synthetic user_message session update that flows through the same
// persistence pipeline as real agent traffic, followed by a synthetic
// turn-started marker — both queued ahead of the prompt call and flushed in
// order once the turn materializes, so a failed attempt that a caller
// retries persists the user's message exactly once. Once the prompt
// settles, a synthetic terminator is emitted: stopReason end_turn on
// success, a synthetic error then end_turn on failure.
func (m *Manager) SendMessage(ctx context.Context, labSessionID, text string) error {
	ls, err := m.get(labSessionID)
	if err != nil {
		return err
	}

	m.queuePreTurn(ls,
		syntheticSessionUpdate(map[string]any{
			"sessionUpdate": acp.SessionUpdateUserMessage,
			"role":          "user",
			"content":       map[string]any{"type": "text", "text": text},
		}),
		syntheticNotification(acp.MethodSyntheticTurnStarted, nil),
	)

	params := map[string]any{
		"sessionId": ls.agentSessionID,
		"prompt":    []map[string]any{{"type": "text", "text": text}},
	}

	// The prompt call races a startup timer: the HTTP caller is released as
	// soon as either the prompt resolves or the timer elapses, whichever
	// comes first, so a slow-but-healthy agent doesn't pin the connection
	// open while it keeps streaming. Either way the synthetic terminator is
	// emitted once the prompt actually settles, even if that happens after
	// this call has already returned.
	ls.promptInFlight.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := m.sendWithRecovery(ctx, ls, acp.MethodPrompt, params)
		if err != nil {
			m.dropPreTurn(ls)
			m.emit(labSessionID, syntheticNotification(acp.MethodSyntheticError, map[string]any{"message": err.Error()}))
		} else {
			m.flushPreTurn(ls)
		}
		// A cancel that already emitted its own terminator wins the flag;
		// otherwise exactly one terminator per prompt is emitted here.
		if ls.promptInFlight.CompareAndSwap(true, false) {
			m.emit(labSessionID, syntheticNotification(acp.MethodSyntheticTurnEnded, map[string]any{
				"stopReason": acp.StopReasonEndTurn,
			}))
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(startupRaceWindow):
		return nil
	}
}

const startupRaceWindow = 1500 * time.Millisecond

// sendWithRecovery retries a request up to SendMaxAttempts times when the
// failure classifies as recoverable, backing off between attempts.
func (m *Manager) sendWithRecovery(ctx context.Context, ls *liveSession, method string, params any) (json.RawMessage, error) {
	maxAttempts := m.sessionCfg.SendMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	backoff := m.sessionCfg.SendRetryBackoffMin
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := m.request(ctx, ls, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ClassifyError(err) != RetrySameSession || attempt == maxAttempts {
			return nil, lastErr
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.sessionCfg.SendRetryBackoffMax {
			backoff = m.sessionCfg.SendRetryBackoffMax
		}
	}
	return nil, lastErr
}

// SetSessionModel switches the active model for a running session.
func (m *Manager) SetSessionModel(ctx context.Context, labSessionID, modelID string) error {
	ls, err := m.get(labSessionID)
	if err != nil {
		return err
	}
	_, err = m.request(ctx, ls, acp.MethodSetSessionModel, map[string]any{
		"sessionId": ls.agentSessionID, "modelId": modelID,
	})
	return err
}

// CancelPrompt asks the agent to cancel the in-flight turn. The synthetic
// cancelled terminator is emitted irrespective of whether the agent
// cooperates, but at most once per in-flight prompt — a second cancel (or
// the prompt settling on its own afterwards) finds the flag already cleared
// and emits nothing.
func (m *Manager) CancelPrompt(ctx context.Context, labSessionID string) error {
	ls, err := m.get(labSessionID)
	if err != nil {
		return err
	}

	sendErr := ls.transport.Send(acp.Envelope{
		JSONRPC: "2.0", Method: acp.MethodCancel,
		Params: mustMarshal(map[string]any{"sessionId": ls.agentSessionID}),
	})

	if ls.promptInFlight.CompareAndSwap(true, false) {
		m.flushPreTurn(ls)
		m.emit(labSessionID, syntheticNotification(acp.MethodSyntheticTurnEnded, map[string]any{
			"stopReason": acp.StopReasonCancelled,
		}))
	}
	return sendErr
}

func (m *Manager) queuePreTurn(ls *liveSession, envs ...acp.Envelope) {
	ls.mu.Lock()
	ls.preTurn = append(ls.preTurn, envs...)
	ls.mu.Unlock()
}

// flushPreTurn emits queued pre-turn synthetics in order; a no-op when they
// were already flushed by an earlier trigger.
func (m *Manager) flushPreTurn(ls *liveSession) {
	ls.mu.Lock()
	envs := ls.preTurn
	ls.preTurn = nil
	ls.mu.Unlock()
	for _, env := range envs {
		m.emit(ls.labSessionID, env)
	}
}

func (m *Manager) dropPreTurn(ls *liveSession) {
	ls.mu.Lock()
	ls.preTurn = nil
	ls.mu.Unlock()
}

// DestroySession tears a session down: SIGTERM, a grace period, then SIGKILL
// if the process hasn't exited.
func (m *Manager) DestroySession(ctx context.Context, labSessionID string) error {
	ls, err := m.get(labSessionID)
	if err != nil {
		return err
	}

	_ = ls.transport.Signal(syscall.SIGTERM)

	grace := 5 * time.Second
	select {
	case <-ls.transport.Done():
	case <-time.After(grace):
		_ = ls.transport.Kill()
		<-ls.transport.Done()
	case <-ctx.Done():
		_ = ls.transport.Kill()
	}

	m.teardown(labSessionID)
	m.emit(labSessionID, syntheticNotification(acp.MethodSyntheticSessionEnded, map[string]any{
		"agentSessionId": ls.agentSessionID,
	}))
	return nil
}

func (m *Manager) teardown(labSessionID string) {
	m.mu.Lock()
	ls, ok := m.sessions[labSessionID]
	delete(m.sessions, labSessionID)
	m.mu.Unlock()
	if ok {
		_ = ls.transport.Close()
	}
}

// ActiveSessions returns the lab session ids with a live subprocess,
// the working set the reconciliation loop diffs against the database's
// view of running sessions.
func (m *Manager) ActiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// HasSession reports whether labSessionID currently backs a live subprocess
// handle, the check send-with-recovery's ensure-session phase uses to avoid
// recreating a session that is already live.
func (m *Manager) HasSession(labSessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[labSessionID]
	return ok
}

func (m *Manager) get(labSessionID string) (*liveSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.sessions[labSessionID]
	if !ok {
		return nil, fmt.Errorf("no session for server %s", labSessionID)
	}
	return ls, nil
}

// request sends a JSON-RPC request and blocks for its matching response.
func (m *Manager) request(ctx context.Context, ls *liveSession, method string, params any) (json.RawMessage, error) {
	ls.mu.Lock()
	id := ls.nextRequestID
	ls.nextRequestID++
	reply := make(chan acp.Envelope, 1)
	idStr := strconv.FormatInt(id, 10)
	ls.pending[idStr] = reply
	ls.mu.Unlock()

	defer func() {
		ls.mu.Lock()
		delete(ls.pending, idStr)
		ls.mu.Unlock()
	}()

	env := acp.Envelope{
		JSONRPC: "2.0",
		ID:      json.RawMessage(idStr),
		Method:  method,
		Params:  mustMarshal(params),
	}
	if err := ls.transport.Send(env); err != nil {
		return nil, err
	}

	select {
	case resp := <-reply:
		if resp.Error != nil {
			return nil, fmt.Errorf("request %s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(requestTimeout):
		m.triggerFatalReset(ls.labSessionID)
		return nil, fmt.Errorf("timed out waiting for %s response", method)
	}
}

const requestTimeout = 120 * time.Second

// triggerFatalReset begins fatal-transport-timeout recovery for
// labSessionID, if it isn't already underway. The guard on
// fatalResetInFlight makes a burst of concurrently timing-out requests
// against the same stuck subprocess trigger exactly one recovery.
func (m *Manager) triggerFatalReset(labSessionID string) {
	m.mu.RLock()
	ls, ok := m.sessions[labSessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if !ls.fatalResetInFlight.CompareAndSwap(false, true) {
		return
	}
	go m.recoverFatal(labSessionID, ls)
}

// recoverFatal tears the stuck subprocess down and spawns a replacement
// resumed from the prior agentSessionId: emit a synthetic error, reject
// every pending request, disconnect, spawn the replacement, then emit a
// synthetic end_turn so any client waiting on this turn is unblocked
// regardless of whether the resume itself succeeded.
func (m *Manager) recoverFatal(labSessionID string, ls *liveSession) {
	m.emit(labSessionID, syntheticNotification(acp.MethodSyntheticError, map[string]any{
		"message": "fatal transport timeout",
	}))

	ls.mu.Lock()
	for id, reply := range ls.pending {
		reply <- acp.Envelope{
			JSONRPC: "2.0",
			Error:   &acp.RPCError{Code: acp.ErrCodeInternal, Message: "session reset after fatal transport timeout"},
		}
		delete(ls.pending, id)
	}
	ls.mu.Unlock()

	priorAgentSessionID := ls.agentSessionID
	m.teardown(labSessionID)

	timeout := m.sessionCfg.FatalResetTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, _ = m.CreateSession(ctx, labSessionID, &priorAgentSessionID)

	m.emit(labSessionID, syntheticNotification(acp.MethodSyntheticTurnEnded, map[string]any{
		"stopReason": acp.StopReasonEndTurn,
	}))
}

// routeInbound demultiplexes envelopes arriving from one session's
// subprocess: responses go to the waiting requester, server-initiated
// requests go to the handler (with a response sent back), and
// notifications are forwarded for translation and persistence.
func (m *Manager) routeInbound(ls *liveSession) {
	for env := range ls.transport.Envelopes() {
		switch {
		case env.IsResponse():
			idStr := string(env.ID)
			ls.mu.Lock()
			reply, ok := ls.pending[idStr]
			ls.mu.Unlock()
			if ok {
				reply <- env
			}

		case env.IsRequest():
			go m.handleServerRequest(ls, env)

		case env.IsNotification():
			m.flushPreTurn(ls)
			m.emit(ls.labSessionID, env)
		}
	}

	// Subprocess stdout closed: the agent process exited. Surface it as a
	// recoverable transport error so send-with-recovery's classification
	// table can decide whether callers should retry.
	m.emit(ls.labSessionID, syntheticNotification(acp.MethodSyntheticError, map[string]any{
		"message": "agent process exited",
	}))
}

func (m *Manager) handleServerRequest(ls *liveSession, env acp.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	requestID := uuid.NewString()
	if env.Method == acp.MethodRequestPermission {
		m.emit(ls.labSessionID, syntheticNotification(env.Method, map[string]any{
			"requestId": requestID,
			"original":  json.RawMessage(env.Params),
		}))
	}

	result, rpcErr := m.handler.HandleServerRequest(ctx, ls.labSessionID, requestID, env.Method, env.Params)

	if env.Method == acp.MethodRequestPermission {
		m.emit(ls.labSessionID, syntheticNotification(acp.MethodSyntheticPermissionResolved, map[string]any{
			"requestId": requestID,
			"outcome":   json.RawMessage(result),
		}))
	}

	resp := acp.Envelope{JSONRPC: "2.0", ID: env.ID, Result: result, Error: rpcErr}
	_ = ls.transport.Send(resp)
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
