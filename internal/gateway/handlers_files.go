package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/labstack/echo/v5"

	"github.com/ridafkih/agent-session-gateway/internal/acp"
)

type fileStatusEntry struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

type fileStatusResponse struct {
	Files []fileStatusEntry `json:"files"`
}

func (s *Server) workspaceRoot(c *echo.Context) string {
	return s.requests.workspaceRoot
}

// handleFilesStatus reports per-file git status for the session's
// workspace. When the workspace isn't a git repository (or git
// isn't available), it falls back to scanning the session's stored
// tool-call events for file-mutating tools (Write/Edit/Patch/Delete) and
// reports the paths they touched — a best-effort derived view, not a
// source of truth for session state.
func (s *Server) handleFilesStatus(c *echo.Context) error {
	root := s.workspaceRoot(c)
	ctx := c.Request().Context()

	entries, err := gitStatus(ctx, root)
	if err != nil {
		s.logger.Warn("git status unavailable, falling back to tool-call scan", "workspace", root, "error", err)
		entries, err = s.scanToolCallFileStatus(ctx, labSessionID(c))
		if err != nil {
			s.logger.Error("tool-call file status scan failed", "error", err)
			entries = []fileStatusEntry{}
		}
	}
	return c.JSON(http.StatusOK, fileStatusResponse{Files: entries})
}

func gitStatus(ctx context.Context, root string) ([]fileStatusEntry, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain=v1", "--untracked-files=all")
	cmd.Dir = root
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, err
	}

	var entries []fileStatusEntry
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 {
			continue
		}
		entries = append(entries, fileStatusEntry{
			Status: strings.TrimSpace(line[:2]),
			Path:   line[3:],
		})
	}
	return entries, scanner.Err()
}

// fileMutatingTools names the tool calls handleFilesStatus's git-unavailable
// fallback recognizes as having changed a file.
var fileMutatingTools = map[string]string{
	"Write":  "M",
	"Edit":   "M",
	"Patch":  "M",
	"Delete": "D",
}

// scanToolCallFileStatus derives a file-status view from the session's
// stored tool_call events, used when a git status cannot be taken. Each
// distinct path is reported once, with the
// status of the most recent matching tool call.
func (s *Server) scanToolCallFileStatus(ctx context.Context, labSessionID string) ([]fileStatusEntry, error) {
	events, err := s.events.GetAgentEvents(ctx, labSessionID, -1)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]string)
	var order []string
	for _, e := range events {
		var env acp.Envelope
		if err := json.Unmarshal(e.Envelope, &env); err != nil || !env.IsNotification() {
			continue
		}
		var params acp.SessionUpdateParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			continue
		}
		if params.Update.SessionUpdate != acp.SessionUpdateToolCall {
			continue
		}
		status, ok := fileMutatingTools[params.Update.ToolName()]
		if !ok {
			continue
		}
		path := toolCallPath(env.Params)
		if path == "" {
			continue
		}
		if _, seen := byPath[path]; !seen {
			order = append(order, path)
		}
		byPath[path] = status
	}

	entries := make([]fileStatusEntry, 0, len(order))
	for _, path := range order {
		entries = append(entries, fileStatusEntry{Path: path, Status: byPath[path]})
	}
	return entries, nil
}

// toolCallPath extracts the file path a Write/Edit/Patch/Delete tool_call
// acted on from its raw session/update params, trying the field names the
// pack's tool surface uses interchangeably.
func toolCallPath(rawParams json.RawMessage) string {
	var payload struct {
		Update struct {
			Input struct {
				Path     string `json:"path"`
				FilePath string `json:"file_path"`
			} `json:"input"`
		} `json:"update"`
	}
	if err := json.Unmarshal(rawParams, &payload); err != nil {
		return ""
	}
	if payload.Update.Input.FilePath != "" {
		return payload.Update.Input.FilePath
	}
	return payload.Update.Input.Path
}

type fileListEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
}

// handleFilesList lists the contents of a directory relative to the
// session's workspace, defaulting to the workspace root.
func (s *Server) handleFilesList(c *echo.Context) error {
	root := s.workspaceRoot(c)
	rel := c.QueryParam("path")
	target := root
	if rel != "" {
		target = filepath.Join(root, rel)
	}
	if !strings.HasPrefix(target, root) {
		return mapError(c, errInvalidRequest)
	}

	dirEntries, err := os.ReadDir(target)
	if err != nil {
		return mapError(c, err)
	}

	entries := make([]fileListEntry, 0, len(dirEntries))
	for _, e := range dirEntries {
		entries = append(entries, fileListEntry{Path: filepath.Join(rel, e.Name()), IsDir: e.IsDir()})
	}
	return c.JSON(http.StatusOK, entries)
}

type fileReadResponse struct {
	Type    string  `json:"type"`
	Content string  `json:"content"`
	Patch   *string `json:"patch"`
}

// handleFilesRead returns the text content of a single workspace-relative
// file, for a dashboard preview pane. The response always reports
// type:"text" with patch:null — the gateway has no diff/patch view
// of a file, only its current content.
func (s *Server) handleFilesRead(c *echo.Context) error {
	root := s.workspaceRoot(c)
	rel := c.QueryParam("path")
	if rel == "" {
		return mapError(c, errInvalidRequest)
	}
	target := filepath.Join(root, rel)
	if !strings.HasPrefix(target, root) {
		return mapError(c, errInvalidRequest)
	}

	content, err := os.ReadFile(target)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, fileReadResponse{Type: "text", Content: string(content), Patch: nil})
}

// handleFilesStatusStream is a supplemental push channel over
// coder/websocket: instead of the dashboard polling /files/status, it opens
// this connection and receives a fresh status snapshot on an interval. The
// SSE stream at /events remains the sole source of truth for session
// activity; this is a convenience surface layered on top.
func (s *Server) handleFilesStatusStream(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	ctx := c.Request().Context()
	root := s.workspaceRoot(c)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return conn.Close(websocket.StatusNormalClosure, "")
		case <-ticker.C:
			entries, err := gitStatus(ctx, root)
			if err != nil {
				entries = []fileStatusEntry{}
			}
			if err := wsjson.Write(ctx, conn, fileStatusResponse{Files: entries}); err != nil {
				return nil
			}
		}
	}
}
