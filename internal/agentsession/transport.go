// Package agentsession owns the lifecycle of one local agent subprocess per
// lab session: spawning it, speaking line-delimited ACP JSON-RPC over its
// stdio, and recovering from known classes of transport failure.
package agentsession

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/ridafkih/agent-session-gateway/internal/acp"
	"github.com/ridafkih/agent-session-gateway/internal/config"
)

// Transport owns one agent subprocess's stdio pipes, framing each line as a
// JSON-RPC envelope. Writes are serialized; reads are delivered to a single
// consumer goroutine via Envelopes().
type Transport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool

	envelopes chan acp.Envelope
	done      chan struct{}
}

// Spawn starts the configured agent command with cfg.Env layered over the
// inherited process environment, and cfg.WorkspaceRoot as its working
// directory — mirroring how the teacher's stdio transport builds its
// exec.Command, minus the MCP SDK-specific handshake framing.
func Spawn(ctx context.Context, cfg config.AgentConfig) (*Transport, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkspaceRoot
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	t := &Transport{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    bufio.NewScanner(stdout),
		envelopes: make(chan acp.Envelope, 256),
		done:      make(chan struct{}),
	}
	t.stdout.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	go t.readLoop()
	return t, nil
}

func (t *Transport) readLoop() {
	defer close(t.done)
	defer close(t.envelopes)

	for t.stdout.Scan() {
		line := t.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		var env acp.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue // malformed line from the subprocess; skip rather than crash the loop
		}
		t.envelopes <- env
	}
}

// Envelopes returns the channel of envelopes read from the subprocess's
// stdout. It closes when the subprocess's stdout is closed (exit or crash).
func (t *Transport) Envelopes() <-chan acp.Envelope {
	return t.envelopes
}

// Send writes one JSON-RPC envelope as a single newline-terminated line.
func (t *Transport) Send(env acp.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("processtransport is not ready for writing: %w", err)
	}
	return nil
}

// Wait blocks until the subprocess exits.
func (t *Transport) Wait() error {
	return t.cmd.Wait()
}

// Signal sends sig to the subprocess, used for the SIGTERM-then-SIGKILL
// grace period in destroySession.
func (t *Transport) Signal(sig os.Signal) error {
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Signal(sig)
}

// Kill forcibly terminates the subprocess.
func (t *Transport) Kill() error {
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Kill()
}

// Close closes the subprocess's stdin, signaling EOF without killing it.
func (t *Transport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.stdin.Close()
}

// Done is closed once the subprocess's stdout has been fully drained.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}
