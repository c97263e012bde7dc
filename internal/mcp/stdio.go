package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// maxLine bounds one JSON-RPC message from a subprocess.
const maxLine = 16 << 20

// stopGrace is how long Close waits for the subprocess to exit after
// its stdin is closed.
const stopGrace = 5 * time.Second

// errProcessExited is returned to calls pending when the subprocess
// closes its stdout.
var errProcessExited = errors.New("mcp subprocess exited")

// StdioTransport runs an MCP server as a subprocess and exchanges
// newline-delimited JSON-RPC with it. A single reader goroutine routes
// replies to their callers by ID, so calls may overlap. The process is
// started on first use and restarted on the next call after it dies.
type StdioTransport struct {
	command string
	args    []string
	env     []string
	logger  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	done    chan struct{}
	pending map[int64]chan *Response
}

// NewStdioTransport returns a transport for command. env entries
// ("KEY=VALUE") are added to the current environment.
func NewStdioTransport(command string, args, env []string, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		command: command,
		args:    args,
		env:     env,
		logger:  logger,
		pending: make(map[int64]chan *Response),
	}
}

// start launches the subprocess. Caller holds t.mu.
func (t *StdioTransport) start() error {
	if t.cmd != nil {
		return nil
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Env = append(os.Environ(), t.env...)
	cmd.Stderr = &stderrLogger{logger: t.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("start %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.done = make(chan struct{})
	go t.readLoop(cmd, stdout, t.done)

	t.logger.Info("mcp subprocess started", "command", t.command, "pid", cmd.Process.Pid)
	return nil
}

// readLoop delivers replies until stdout closes, then fails every call
// still waiting and reaps the process unless Close already took it.
func (t *StdioTransport) readLoop(cmd *exec.Cmd, stdout io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Debug("ignoring non-JSON output from mcp subprocess", "line", string(line))
			continue
		}
		if resp.ID == nil {
			t.logger.Debug("ignoring mcp server notification", "line", string(line))
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[*resp.ID]
		delete(t.pending, *resp.ID)
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("reply for unknown request", "id", *resp.ID)
			continue
		}
		ch <- &resp
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("mcp subprocess output unreadable", "error", err)
	}

	t.mu.Lock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	owned := t.cmd == cmd
	if owned {
		t.cmd = nil
		t.stdin = nil
	}
	t.mu.Unlock()

	if owned {
		err := cmd.Wait()
		t.logger.Warn("mcp subprocess exited", "error", err)
	}
}

// Call writes req and waits for its reply.
func (t *StdioTransport) Call(ctx context.Context, req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ch := make(chan *Response, 1)
	t.mu.Lock()
	if err := t.start(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.pending[req.ID] = ch
	_, err = t.stdin.Write(append(data, '\n'))
	if err != nil {
		delete(t.pending, req.ID)
	}
	t.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, errProcessExited
		}
		return resp, nil
	}
}

// Notify writes n without waiting for anything.
func (t *StdioTransport) Notify(_ context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.start(); err != nil {
		return err
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Close closes the subprocess's stdin and waits for it to exit, killing
// it after a grace period.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	cmd, stdin, done := t.cmd, t.stdin, t.done
	t.cmd, t.stdin = nil, nil
	t.mu.Unlock()
	if cmd == nil {
		return nil
	}

	stdin.Close()
	select {
	case <-done:
	case <-time.After(stopGrace):
		t.logger.Warn("mcp subprocess ignored stdin close, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return err
		}
	}
	return nil
}

// stderrLogger logs subprocess stderr one line at a time.
type stderrLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			w.logger.Debug("mcp subprocess stderr", "line", string(line))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
