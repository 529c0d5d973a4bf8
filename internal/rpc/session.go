// internal/rpc/session.go
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultCallTimeout = 30 * time.Second
	maxLineBytes       = 1024 * 1024
	stderrTailLines    = 20
	protocolVersion    = "2024-11-05"
)

// Config describes how to launch and talk to one provider subprocess.
type Config struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"-"`
}

// Session is one live connection to a provider subprocess. Exactly one RPC
// exchange is in flight at a time; concurrent callers are serialized so
// partial lines never interleave on the wire. A transport failure
// invalidates the connection and the next call reconnects once before
// propagating the error.
type Session struct {
	cfg    Config
	logger *slog.Logger

	callMu sync.Mutex // serializes RPC exchanges
	mu     sync.Mutex // guards conn
	conn   *conn

	nextID     atomic.Int64
	serverInfo ServerInfo
	notifs     chan *Notification
}

// conn holds the state of one subprocess connection.
type conn struct {
	cmd     *exec.Cmd
	stdin   io.Writer
	closers []io.Closer

	writeMu   sync.Mutex
	pending   map[int64]chan *Response
	pendingMu sync.Mutex

	stderrMu   sync.Mutex
	stderrTail []string
	stderrDone chan struct{}

	dead atomic.Bool
	done chan struct{}
	wg   sync.WaitGroup
}

// NewSession creates a disconnected session. The subprocess is launched on
// Connect or lazily on first Call.
func NewSession(cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	return &Session{
		cfg:    cfg,
		logger: logger.With("provider", cfg.Name),
		notifs: make(chan *Notification, 16),
	}
}

// NewPipeSession creates a session over pre-established streams instead of a
// subprocess. Used by tests and by in-process providers.
func NewPipeSession(name string, in io.Reader, out io.Writer, timeout time.Duration) *Session {
	s := NewSession(Config{Name: name, Timeout: timeout}, nil)
	c := &conn{
		stdin:   out,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go s.readLoop(c, in)
	s.conn = c
	return s
}

// Name returns the configured provider name.
func (s *Session) Name() string { return s.cfg.Name }

// ServerInfo returns the identity reported during the initialize handshake.
// Safe to call concurrently with a reconnect.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Connected reports whether a live subprocess connection exists.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.conn.dead.Load()
}

// Notifications returns the channel of unsolicited provider messages. These
// are observed only; the transport never writes a reply for them.
func (s *Session) Notifications() <-chan *Notification { return s.notifs }

// Connect spawns the subprocess and performs the initialize handshake.
// A no-op when already connected. Failures are reported as *StartupError
// with the subprocess's captured stderr attached.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	if s.conn != nil && !s.conn.dead.Load() {
		return nil
	}
	if s.conn != nil {
		s.teardownLocked()
	}
	if s.cfg.Command == "" {
		return &StartupError{Command: s.cfg.Name, Err: fmt.Errorf("no command configured")}
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &StartupError{Command: s.cfg.Command, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &StartupError{Command: s.cfg.Command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &StartupError{Command: s.cfg.Command, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &StartupError{Command: s.cfg.Command, Err: err}
	}

	c := &conn{
		cmd:        cmd,
		stdin:      stdin,
		closers:    []io.Closer{stdin},
		pending:    make(map[int64]chan *Response),
		done:       make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	c.wg.Add(2)
	go s.readLoop(c, stdout)
	go s.collectStderr(c, stderr)
	s.conn = c

	s.logger.Info("provider process started", "command", s.cfg.Command, "pid", cmd.Process.Pid)

	if err := s.handshake(ctx, c); err != nil {
		tail := c.stderrSnapshot(time.Second)
		s.teardownLocked()
		return &StartupError{Command: s.cfg.Command, Stderr: tail, Err: err}
	}
	return nil
}

// handshake runs initialize and sends the initialized notification.
func (s *Session) handshake(ctx context.Context, c *conn) error {
	result, err := s.exchange(ctx, c, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "sift",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	s.serverInfo = init.ServerInfo

	if err := s.writeNotification(c, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	s.logger.Info("provider handshake complete",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion)
	return nil
}

// Call sends a request and blocks until the matching response arrives. If
// the connection is invalid, it reconnects once and retries once; a second
// transport failure propagates. RPC error responses are returned as
// *RPCError without invalidating the connection.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		s.mu.Lock()
		err := s.connectLocked(ctx)
		c := s.conn
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}

		result, err := s.exchange(ctx, c, method, params)
		if err == nil {
			return result, nil
		}
		if _, transport := err.(*TransportError); !transport {
			return nil, err
		}
		s.invalidate(c)
		lastErr = err
		s.logger.Warn("transport failure, session invalidated", "method", method, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// Notify sends a fire-and-forget notification. No response is awaited.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	s.mu.Lock()
	err := s.connectLocked(ctx)
	c := s.conn
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.writeNotification(c, method, params)
}

// exchange performs one request/response round trip on an established conn.
func (s *Session) exchange(ctx context.Context, c *conn, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	req := Request{JSONRPC: "2.0", ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	respCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeLine(req); err != nil {
		return nil, &TransportError{Op: "write", Err: err}
	}

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message, Data: string(resp.Error.Data)}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, &TransportError{Op: "wait", Err: ctx.Err()}
	case <-timer.C:
		return nil, &TransportError{Op: "wait", Err: fmt.Errorf("timeout after %v", s.cfg.Timeout)}
	case <-c.done:
		return nil, &TransportError{Op: "wait", Err: fmt.Errorf("connection closed")}
	}
}

func (s *Session) writeNotification(c *conn, method string, params any) error {
	notif := Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = raw
	}
	if err := c.writeLine(notif); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// writeLine marshals v and writes it as a single newline-terminated frame.
func (c *conn) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// readLoop frames incoming lines and routes them: responses to their pending
// caller by id, id-less messages to the notification channel. Messages with
// no id never get a reply, even malformed ones.
func (s *Session) readLoop(c *conn, r io.Reader) {
	defer c.wg.Done()
	defer c.markDead()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.routeLine(c, line)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("stdout read failed", "error", err)
	}
}

func (s *Session) routeLine(c *conn, line []byte) {
	var probe struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		s.logger.Warn("malformed frame from provider", "error", err)
		return
	}

	if probe.ID == nil {
		if probe.Method == "" {
			return
		}
		select {
		case s.notifs <- &Notification{JSONRPC: "2.0", Method: probe.Method, Params: probe.Params}:
		default:
			s.logger.Debug("notification channel full, dropping", "method", probe.Method)
		}
		return
	}

	// Provider-initiated request: we support none, so answer method-not-found.
	// The write happens off the read loop: a peer that is not draining its
	// stdin must never stall response routing for in-flight calls.
	if probe.Method != "" {
		resp := Response{JSONRPC: "2.0", ID: probe.ID, Error: &ErrorObject{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", probe.Method),
		}}
		go func() {
			if err := c.writeLine(resp); err != nil {
				s.logger.Warn("failed to reject provider request", "method", probe.Method, "error", err)
			}
		}()
		return
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		s.logger.Warn("malformed response frame", "error", err)
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[*probe.ID]
	if ok {
		delete(c.pending, *probe.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		s.logger.Warn("response for unknown request id", "id", *probe.ID)
		return
	}
	ch <- &resp
}

// collectStderr keeps the last few stderr lines for startup diagnostics and
// logs the rest at debug.
func (s *Session) collectStderr(c *conn, r io.Reader) {
	defer c.wg.Done()
	defer close(c.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		c.stderrMu.Lock()
		c.stderrTail = append(c.stderrTail, line)
		if len(c.stderrTail) > stderrTailLines {
			c.stderrTail = c.stderrTail[1:]
		}
		c.stderrMu.Unlock()
		s.logger.Debug("provider stderr", "line", line)
	}
}

// stderrSnapshot returns the captured stderr tail, waiting briefly for the
// collector to drain a process that has already exited.
func (c *conn) stderrSnapshot(wait time.Duration) string {
	select {
	case <-c.stderrDone:
	case <-time.After(wait):
	}
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	return strings.Join(c.stderrTail, "\n")
}

// markDead closes done once; pending exchanges observe it and fail with a
// transport error.
func (c *conn) markDead() {
	if c.dead.CompareAndSwap(false, true) {
		close(c.done)
	}
}

// invalidate tears down the given conn if it is still the current one.
func (s *Session) invalidate(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == c {
		s.teardownLocked()
	}
}

// Close terminates the subprocess and releases all resources. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
	return nil
}

func (s *Session) teardownLocked() {
	c := s.conn
	if c == nil {
		return
	}
	s.conn = nil
	c.markDead()
	for _, cl := range c.closers {
		cl.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		go c.cmd.Wait() // reap without blocking teardown
	}
}
