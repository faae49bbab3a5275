package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/ridafkih/agent-session-gateway/internal/acp"
)

// pendingReply is how a blocked server-initiated request (the legacy
// question stub) hands its answer back to the goroutine waiting inside
// HandleServerRequest. Permission requests are never parked here — they are
// auto-approved synchronously.
type pendingReply struct {
	result json.RawMessage
	rpcErr *acp.RPCError
}

// RequestRouter implements agentsession.ServerRequestHandler: it answers
// fs/* passthrough calls directly and auto-approves
// session/request_permission calls without blocking on a human reply. The
// /questions and /permissions HTTP routes remain acknowledge-only stubs
// preserved in the wire protocol — they resolve nothing here.
type RequestRouter struct {
	workspaceRoot string

	mu        sync.Mutex
	pending   map[string]chan pendingReply
	terminals map[string]*terminalSet
}

// NewRequestRouter returns a router that resolves relative fs/* paths
// against workspaceRoot.
func NewRequestRouter(workspaceRoot string) *RequestRouter {
	return &RequestRouter{
		workspaceRoot: workspaceRoot,
		pending:       make(map[string]chan pendingReply),
		terminals:     make(map[string]*terminalSet),
	}
}

// terminalsFor returns (creating if needed) the per-session terminal set;
// terminal ids are scoped to one lab session and monotonic within it.
func (r *RequestRouter) terminalsFor(labSessionID string) *terminalSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.terminals[labSessionID]
	if !ok {
		set = newTerminalSet()
		r.terminals[labSessionID] = set
	}
	return set
}

// HandleServerRequest dispatches one agent-initiated request.
func (r *RequestRouter) HandleServerRequest(ctx context.Context, labSessionID, requestID, method string, params json.RawMessage) (json.RawMessage, *acp.RPCError) {
	switch method {
	case acp.MethodFSReadTextFile:
		return r.handleReadFile(params)
	case acp.MethodFSWriteTextFile:
		return r.handleWriteFile(params)
	case acp.MethodRequestPermission:
		return r.autoApprove(params)
	case acp.MethodTerminalCreate:
		return r.handleTerminalCreate(labSessionID, params)
	case acp.MethodTerminalOutput:
		return r.handleTerminalOutput(labSessionID, params)
	case acp.MethodTerminalWait:
		return r.handleTerminalWait(ctx, labSessionID, params)
	case acp.MethodTerminalRelease:
		return r.handleTerminalRelease(labSessionID, params)
	case acp.MethodTerminalKill:
		return r.handleTerminalKill(labSessionID, params)
	default:
		return nil, &acp.RPCError{Code: acp.ErrCodeInternal, Message: "unsupported server-initiated method: " + method}
	}
}

func (r *RequestRouter) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.workspaceRoot, path)
}

func (r *RequestRouter) handleReadFile(params json.RawMessage) (json.RawMessage, *acp.RPCError) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &acp.RPCError{Code: acp.ErrCodeInternal, Message: "invalid fs/read_text_file params"}
	}
	content, err := os.ReadFile(r.resolvePath(req.Path))
	if err != nil {
		return nil, &acp.RPCError{Code: acp.ErrCodeInternal, Message: err.Error()}
	}
	result, _ := json.Marshal(map[string]string{"text": string(content)})
	return result, nil
}

func (r *RequestRouter) handleWriteFile(params json.RawMessage) (json.RawMessage, *acp.RPCError) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &acp.RPCError{Code: acp.ErrCodeInternal, Message: "invalid fs/write_text_file params"}
	}
	target := r.resolvePath(req.Path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, &acp.RPCError{Code: acp.ErrCodeInternal, Message: err.Error()}
	}
	if err := os.WriteFile(target, []byte(req.Content), 0o644); err != nil {
		return nil, &acp.RPCError{Code: acp.ErrCodeInternal, Message: err.Error()}
	}
	return json.RawMessage(`{}`), nil
}

// permissionOption is one entry of a session/request_permission request's
// options array, the shape the agent offers to choose from.
type permissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"`
}

// autoApprove implements the gateway's local permission policy: prefer
// allow_always, then allow_once, else reply with outcome=cancelled. No
// human is consulted — the /permissions HTTP route is a stub kept for wire
// compatibility only.
func (r *RequestRouter) autoApprove(params json.RawMessage) (json.RawMessage, *acp.RPCError) {
	var req struct {
		Options []permissionOption `json:"options"`
	}
	_ = json.Unmarshal(params, &req)

	var chosen *permissionOption
	for _, opt := range req.Options {
		if opt.Kind == "allow_always" {
			chosen = &opt
			break
		}
	}
	if chosen == nil {
		for _, opt := range req.Options {
			if opt.Kind == "allow_once" {
				chosen = &opt
				break
			}
		}
	}

	if chosen == nil {
		result, _ := json.Marshal(map[string]any{"outcome": map[string]string{"outcome": "cancelled"}})
		return result, nil
	}
	result, _ := json.Marshal(map[string]any{
		"outcome": map[string]string{"outcome": "selected", "optionId": chosen.OptionID},
	})
	return result, nil
}

// resolve answers a parked request by id. It's a no-op if id is unknown
// (already resolved, timed out, or never existed). Nothing parks under this
// mechanism today — session/request_permission is auto-approved, and ACP
// has no server-initiated question method — so this only backs the
// acknowledge-only /questions stub routes.
func (r *RequestRouter) resolve(id string, result json.RawMessage, rpcErr *acp.RPCError) bool {
	r.mu.Lock()
	ch, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- pendingReply{result: result, rpcErr: rpcErr}
	return true
}

// resolvePermission acknowledges a /permissions/:id/reply call. Permissions
// are auto-approved by the Manager before any HTTP client could reply, so
// this route is a wire-compatibility stub: it always succeeds.
func (s *Server) resolvePermission(ctx context.Context, labSessionID, id, optionID string) error {
	s.requests.resolve(id, mustMarshalJSON(map[string]string{"optionId": optionID}), nil)
	return nil
}

// resolveQuestion acknowledges a /questions/:id/reply or /reject call. ACP
// has no server-initiated question request, so nothing is ever parked under
// id; this route is a wire-compatibility stub: it always succeeds.
func (s *Server) resolveQuestion(ctx context.Context, labSessionID, id, answer string, rejected bool) error {
	if rejected {
		s.requests.resolve(id, nil, &acp.RPCError{Code: acp.ErrCodeInternal, Message: "rejected by user"})
		return nil
	}
	s.requests.resolve(id, mustMarshalJSON(map[string]string{"answer": answer}), nil)
	return nil
}

func mustMarshalJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
