package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ridafkih/agent-session-gateway/internal/acp"
	"github.com/ridafkih/agent-session-gateway/internal/agentsession"
	"github.com/ridafkih/agent-session-gateway/internal/config"
	"github.com/ridafkih/agent-session-gateway/internal/replay"
	"github.com/ridafkih/agent-session-gateway/internal/store"
)

// Monitor is the gateway's authoritative serial line: it assigns every
// envelope its durable log sequence, persists it, translates it into domain
// events, and reacts to those events to keep session_metadata and
// session_tasks current. One Monitor serves every session; per-session
// ordering is preserved because envelopes are consumed by a single
// goroutine and each session's are only ever produced by that session's
// own subprocess-reading goroutine.
type Monitor struct {
	events      *store.EventsRepo
	metadata    *store.MetadataRepo
	checkpoints *store.CheckpointRepo
	sessionsDB  *store.SessionsRepo
	tasks       *store.TasksRepo
	manager     *agentsession.Manager
	cfg         config.SessionConfig
	logger      *slog.Logger

	// watch/unwatch tell the NOTIFY listener which per-session channels to
	// LISTEN on; nil hooks are skipped (tests, single-shot tools).
	watch   func(sessionID string)
	unwatch func(sessionID string)

	mu         sync.Mutex
	perSession map[string]*sessionState
}

type sessionState struct {
	translator    *acp.Translator
	projector     *replay.Accumulator
	broadcast     *Broadcast
	nextSequence  int64
	debounceTimer *time.Timer
	// completed marks the one-shot completion grace having fired for this
	// session; new turn activity clears it so the next turn can debounce
	// its own completion.
	completed bool
}

// New constructs a Monitor. Call Run to start consuming manager's envelope
// stream.
func New(
	events *store.EventsRepo,
	metadata *store.MetadataRepo,
	checkpoints *store.CheckpointRepo,
	sessionsDB *store.SessionsRepo,
	tasks *store.TasksRepo,
	manager *agentsession.Manager,
	cfg config.SessionConfig,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		events:      events,
		metadata:    metadata,
		checkpoints: checkpoints,
		sessionsDB:  sessionsDB,
		tasks:       tasks,
		manager:     manager,
		cfg:         cfg,
		logger:      logger,
		perSession:  make(map[string]*sessionState),
	}
}

// SetListenerHooks registers the NOTIFY listener's watch/unwatch callbacks,
// called when a session's local state is created and retired.
func (m *Monitor) SetListenerHooks(watch, unwatch func(sessionID string)) {
	m.watch = watch
	m.unwatch = unwatch
}

// state returns (creating if necessary) labSessionID's local state, lazily
// seeding its sequence counter from the durable log's current high-water
// mark so a freshly attached Monitor picks up where the log left off.
func (m *Monitor) state(ctx context.Context, labSessionID string) (*sessionState, error) {
	m.mu.Lock()
	st, ok := m.perSession[labSessionID]
	m.mu.Unlock()
	if ok {
		return st, nil
	}

	maxSeq, err := m.events.GetMaxSequence(ctx, labSessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if st, ok := m.perSession[labSessionID]; ok {
		m.mu.Unlock()
		return st, nil
	}
	st = &sessionState{
		translator:   acp.NewTranslator(),
		projector:    replay.New(),
		broadcast:    NewBroadcast(),
		nextSequence: maxSeq + 1,
	}
	m.perSession[labSessionID] = st
	m.mu.Unlock()

	if m.watch != nil {
		m.watch(labSessionID)
	}
	return st, nil
}

// Broadcast returns the local fan-out for labSessionID, creating its state
// on first use.
func (m *Monitor) Broadcast(ctx context.Context, labSessionID string) (*Broadcast, error) {
	st, err := m.state(ctx, labSessionID)
	if err != nil {
		return nil, err
	}
	return st.broadcast, nil
}

// Run consumes the manager's envelope stream until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.manager.Events():
			if !ok {
				return
			}
			m.handle(ctx, ev)
		}
	}
}

// handle is the per-envelope persistence step. Delivery to live subscribers
// normally rides the transactional pg_notify issued by StoreAgentEvent and
// relayed back by the NOTIFY listener; when the write itself fails, the
// envelope is still published to local subscribers directly and the
// sequence number is NOT advanced, so the next envelope retries the
// allocation — a persistence failure never silences the live stream.
func (m *Monitor) handle(ctx context.Context, ev agentsession.Event) {
	st, err := m.state(ctx, ev.LabSessionID)
	if err != nil {
		m.logger.Error("load session state", "session_id", ev.LabSessionID, "error", err)
		return
	}

	envelopeJSON, err := json.Marshal(ev.Envelope)
	if err != nil {
		m.logger.Error("marshal envelope", "session_id", ev.LabSessionID, "error", err)
		return
	}

	sequence := st.nextSequence
	if err := m.events.StoreAgentEvent(ctx, ev.LabSessionID, sequence, envelopeJSON); err != nil {
		m.logger.Error("persist agent event", "session_id", ev.LabSessionID, "sequence", sequence, "error", err)
		if payload, perr := json.Marshal(store.NotifyEnvelope{
			SessionID: ev.LabSessionID, Sequence: sequence, Envelope: envelopeJSON,
		}); perr == nil {
			st.broadcast.Publish(payload)
		}
		return
	}
	st.nextSequence++

	orphansBefore := st.translator.OrphanToolResultCount()
	domainEvents := st.translator.Translate(ev.Envelope, sequence)
	if st.translator.OrphanToolResultCount() > orphansBefore {
		m.logger.Warn("orphan tool_result tolerated", "session_id", ev.LabSessionID, "count", st.translator.OrphanToolResultCount())
	}

	for _, de := range domainEvents {
		st.projector.Feed(de)
		m.react(ctx, ev.LabSessionID, st, de)
	}
}

// react updates session_metadata's inferenceStatus/lastMessage and the task
// projection in response to a translated domain event. An orphaned
// tool_result (a tool_call_update with no corresponding tool_call) is
// tolerated upstream in the translator — counted, never fatal — since
// transient desync across a reconnect is expected, not exceptional.
func (m *Monitor) react(ctx context.Context, labSessionID string, st *sessionState, de acp.DomainEvent) {
	switch de.Type {
	case acp.EventTurnStarted:
		m.cancelDebounce(st)
		m.setInferenceStatus(ctx, labSessionID, store.InferenceStatusGenerating)

	case acp.EventItemStarted:
		m.cancelDebounce(st)
		m.setInferenceStatus(ctx, labSessionID, store.InferenceStatusGenerating)
		m.reactTaskToolCall(ctx, labSessionID, de)

	case acp.EventItemDelta:
		m.cancelDebounce(st)
		m.setInferenceStatus(ctx, labSessionID, store.InferenceStatusGenerating)
		if de.Data.Role == "assistant" || de.Data.ItemID == "" {
			if preview := st.projector.LastAssistantText(); preview != "" {
				m.setLastMessage(ctx, labSessionID, preview)
			}
		}

	case acp.EventTurnEnded, acp.EventError:
		m.setInferenceStatus(ctx, labSessionID, store.InferenceStatusIdle)
		m.scheduleDebounce(labSessionID, st)

	case acp.EventItemCompleted:
		m.reactItemCompleted(ctx, labSessionID, de)
	}
}

func (m *Monitor) setInferenceStatus(ctx context.Context, labSessionID, status string) {
	if err := m.metadata.SetInferenceStatus(ctx, labSessionID, status); err != nil {
		m.logger.Error("set inference status", "session_id", labSessionID, "status", status, "error", err)
	}
}

func (m *Monitor) setLastMessage(ctx context.Context, labSessionID, text string) {
	if err := m.metadata.SetLastMessage(ctx, labSessionID, text); err != nil {
		m.logger.Error("set last message", "session_id", labSessionID, "error", err)
	}
}

// Tool names an agent uses to manage its task list, projected into
// session_tasks so the dashboard can render progress without replaying the
// full event log.
const (
	toolNameTodoWrite  = "TodoWrite"
	toolNameTaskCreate = "TaskCreate"
	toolNameTaskUpdate = "TaskUpdate"
)

// taskMutation is the decoded effect of one task-managing tool call:
// either a full replacement (TodoWrite) or a single upsert.
type taskMutation struct {
	replaceAll bool
	tasks      []store.SessionTask
}

// taskMutationFrom maps a tool_call item.started event to the task-schema
// mutation it implies, or nil when the event isn't a recognized task tool.
func taskMutationFrom(labSessionID string, de acp.DomainEvent) *taskMutation {
	if de.Data.Kind != acp.KindToolCall || len(de.Data.Content) == 0 {
		return nil
	}
	part := de.Data.Content[0]
	if part.Type != acp.PartToolCall {
		return nil
	}

	switch part.Name {
	case toolNameTodoWrite:
		var payload struct {
			Todos []struct {
				ID       string `json:"id"`
				Content  string `json:"content"`
				Status   string `json:"status"`
				Priority string `json:"priority"`
			} `json:"todos"`
		}
		if err := json.Unmarshal(part.Input, &payload); err != nil {
			return nil
		}
		tasks := make([]store.SessionTask, 0, len(payload.Todos))
		for i, todo := range payload.Todos {
			priority := todo.Priority
			tasks = append(tasks, store.SessionTask{
				ID: todo.ID, SessionID: labSessionID, Content: todo.Content,
				Status: todo.Status, Priority: &priority, Position: i,
				SourceToolName: toolNameTodoWrite,
			})
		}
		return &taskMutation{replaceAll: true, tasks: tasks}

	case toolNameTaskCreate, toolNameTaskUpdate:
		var task struct {
			ID       string `json:"id"`
			Content  string `json:"content"`
			Status   string `json:"status"`
			Priority string `json:"priority"`
			Position int    `json:"position"`
		}
		if err := json.Unmarshal(part.Input, &task); err != nil {
			return nil
		}
		priority := task.Priority
		return &taskMutation{tasks: []store.SessionTask{{
			ID: task.ID, SessionID: labSessionID, Content: task.Content,
			Status: task.Status, Priority: &priority, Position: task.Position,
			SourceToolName: part.Name,
		}}}

	default:
		return nil
	}
}

func (m *Monitor) reactTaskToolCall(ctx context.Context, labSessionID string, de acp.DomainEvent) {
	mut := taskMutationFrom(labSessionID, de)
	if mut == nil {
		return
	}
	if mut.replaceAll {
		if err := m.tasks.ReplaceAll(ctx, labSessionID, mut.tasks); err != nil {
			m.logger.Error("project TodoWrite", "session_id", labSessionID, "error", err)
		}
		return
	}
	for _, t := range mut.tasks {
		if err := m.tasks.Upsert(ctx, t); err != nil {
			m.logger.Error("project "+t.SourceToolName, "session_id", labSessionID, "error", err)
		}
	}
}

func (m *Monitor) reactItemCompleted(ctx context.Context, labSessionID string, de acp.DomainEvent) {
	if de.Data.Role == "assistant" && de.Data.Kind == acp.KindMessage {
		if text := contentText(de.Data.Content); text != "" {
			m.setLastMessage(ctx, labSessionID, text)
		}
	}
}

func contentText(parts []acp.ContentPart) string {
	out := ""
	for _, p := range parts {
		if p.Type == acp.PartText {
			out += p.Text
		}
	}
	return out
}

// cancelDebounce stops a pending completion grace and re-arms the session
// for a future one; called on any sign of new turn activity.
func (m *Monitor) cancelDebounce(st *sessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.debounceTimer != nil {
		st.debounceTimer.Stop()
		st.debounceTimer = nil
	}
	st.completed = false
}

// scheduleDebounce arms the one-shot completion grace. It fires at most
// once per session between activity bursts: the completed flag swallows a
// second turn.ended/error arriving before any new activity re-arms it.
func (m *Monitor) scheduleDebounce(labSessionID string, st *sessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.completed {
		return
	}
	if st.debounceTimer != nil {
		st.debounceTimer.Stop()
	}
	st.debounceTimer = time.AfterFunc(m.cfg.InferenceIdleDebounce, func() {
		m.mu.Lock()
		st.completed = true
		m.mu.Unlock()
		m.logger.Info("session turn completion settled", "session_id", labSessionID)
	})
}

// Reconcile diffs the database's view of running sessions against live
// subprocess handles. Running sessions with no subprocess are resumed (when
// they still have an agentSessionId on file) or flagged; local state for
// sessions that are no longer running is retired, releasing the NOTIFY
// channel subscription.
func (m *Monitor) Reconcile(ctx context.Context) {
	running, err := m.sessionsDB.ListRunning(ctx)
	if err != nil {
		m.logger.Error("reconcile: list running sessions", "error", err)
		return
	}

	live := make(map[string]bool)
	for _, id := range m.manager.ActiveSessions() {
		live[id] = true
	}
	runningSet := make(map[string]bool, len(running))
	for _, sess := range running {
		runningSet[sess.LabSessionID] = true
	}

	for _, sess := range running {
		if live[sess.LabSessionID] {
			continue
		}

		if sess.AgentSessionID == nil {
			m.logger.Warn("reconcile: running session has no live subprocess and no agent session to resume", "session_id", sess.LabSessionID)
			lastError := "agent process exited"
			if err := m.sessionsDB.SetLastError(ctx, sess.LabSessionID, &lastError); err != nil {
				m.logger.Error("reconcile: set last error", "session_id", sess.LabSessionID, "error", err)
			}
			continue
		}

		m.logger.Warn("reconcile: resuming running session with no live subprocess", "session_id", sess.LabSessionID, "agent_session_id", *sess.AgentSessionID)
		resumeCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
		agentSessionID, err := m.manager.CreateSession(resumeCtx, sess.LabSessionID, sess.AgentSessionID)
		cancel()
		if err != nil {
			m.logger.Error("reconcile: resume session", "session_id", sess.LabSessionID, "error", err)
			lastError := err.Error()
			_ = m.sessionsDB.SetLastError(ctx, sess.LabSessionID, &lastError)
			continue
		}
		if err := m.sessionsDB.SetAgentSessionID(ctx, sess.LabSessionID, &agentSessionID); err != nil {
			m.logger.Error("reconcile: record resumed agent session id", "session_id", sess.LabSessionID, "error", err)
		}
	}

	m.retireStopped(runningSet, live)
}

// retireStopped drops local state for sessions that are neither running in
// the database nor backed by a live subprocess, so a long-lived gateway
// process doesn't accumulate state (and LISTEN subscriptions) for every
// session it ever served.
func (m *Monitor) retireStopped(runningSet, live map[string]bool) {
	m.mu.Lock()
	var retired []string
	for id, st := range m.perSession {
		if runningSet[id] || live[id] || st.broadcast.Len() > 0 {
			continue
		}
		if st.debounceTimer != nil {
			st.debounceTimer.Stop()
		}
		delete(m.perSession, id)
		retired = append(retired, id)
	}
	m.mu.Unlock()

	for _, id := range retired {
		if m.unwatch != nil {
			m.unwatch(id)
		}
		m.logger.Info("reconcile: retired session state", "session_id", id)
	}
}

// RunReconciliation runs Reconcile on cfg.ReconcileInterval until ctx is
// canceled, grounded in the poll-loop shape of a database-backed worker
// pool's health scan.
func (m *Monitor) RunReconciliation(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}
