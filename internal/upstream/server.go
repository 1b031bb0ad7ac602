// Package upstream supervises the child capability servers the proxy fans
// requests out to. Each server is a subprocess speaking line-delimited
// JSON-RPC on its pipes; the supervisor owns spawning, liveness, restart
// with backoff, request routing, and namespaced aggregation of capability
// listings.
package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/aegisproxy/aegis/internal/jsonrpc"
)

// Default deadlines, overridable per supervisor.
const (
	DefaultInitTimeout    = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Retriable sentinels. Callers may retry after ErrUnavailable; the
// supervisor itself never auto-retries.
var (
	ErrUnavailable = errors.New("upstream unavailable")
	ErrTimeout     = errors.New("upstream request timed out")
)

// State is the lifecycle state of one upstream server.
type State int32

const (
	StateUnstarted State = iota
	StateStarting
	StateConnected
	StateDisconnected
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// readyMarkers are stderr substrings that signal a server is accepting
// requests before it has written any JSON line.
var readyMarkers = []string{"running on stdio", "server started", "listening"}

// LaunchSpec describes how to start one upstream server. Env values may
// reference the parent environment as ${VAR}.
type LaunchSpec struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args"`
	Env     map[string]string `yaml:"env" json:"env"`
}

// pendingRequest is one in-flight request awaiting its response line.
type pendingRequest struct {
	ch chan *jsonrpc.Message
}

// Server is one supervised upstream process. Exactly one live process
// exists per name while the state is Connected.
type Server struct {
	Name string
	Spec LaunchSpec

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	nextID  int64
	pending map[string]*pendingRequest

	// connected is closed once the server is detected ready. Replaced on
	// every (re)start.
	connected chan struct{}
	// exited is closed when the process exits. Replaced on every start.
	exited chan struct{}

	// onNotify receives server-initiated notifications.
	onNotify func(server string, msg *jsonrpc.Message)

	initTimeout    time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewServer creates an unstarted server.
func NewServer(name string, spec LaunchSpec, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Name:           name,
		Spec:           spec,
		state:          StateUnstarted,
		pending:        make(map[string]*pendingRequest),
		connected:      make(chan struct{}),
		exited:         make(chan struct{}),
		initTimeout:    DefaultInitTimeout,
		requestTimeout: DefaultRequestTimeout,
		logger:         logger.With("component", "upstream.Server", "server", name),
	}
}

// Connected reports whether the server currently accepts requests.
func (s *Server) Connected() bool {
	return s.State() == StateConnected
}

// Available reports whether the server can take a call now: connected, or
// still inside its startup window, where Call blocks until the ready
// marker or the init deadline.
func (s *Server) Available() bool {
	st := s.State()
	return st == StateConnected || st == StateStarting
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// start spawns the process and begins the reader pumps. Caller must not
// hold s.mu.
func (s *Server) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		return fmt.Errorf("server %s is terminated", s.Name)
	}

	cmd := exec.Command(s.Spec.Command, s.Spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.Spec.Env {
		cmd.Env = append(cmd.Env, k+"="+expandEnv(v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe for %s: %w", s.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe for %s: %w", s.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe for %s: %w", s.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.Name, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.state = StateStarting
	s.connected = make(chan struct{})
	s.exited = make(chan struct{})

	go s.readStdout(stdout)
	go s.readStderr(stderr)
	go s.waitExit(cmd, s.exited)

	s.logger.Info("upstream spawned",
		"command", s.Spec.Command,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// expandEnv substitutes ${VAR} placeholders from the parent environment.
func expandEnv(v string) string {
	return os.Expand(v, func(name string) string {
		return os.Getenv(name)
	})
}

// markConnected moves Starting → Connected once.
func (s *Server) markConnected(via string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting {
		return
	}
	s.state = StateConnected
	close(s.connected)
	s.logger.Info("upstream connected", "via", via)
}

// readStdout pumps response lines, matching them against the in-flight
// table. Non-JSON lines are discarded at debug; a partial line at EOF is
// dropped by the scanner.
func (s *Server) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc.Decode(line)
		if err != nil {
			s.logger.Debug("discarding non-JSON output line", "line", truncate(string(line), 120))
			continue
		}
		s.markConnected("stdout")

		switch {
		case msg.IsResponse():
			s.resolve(msg)
		case msg.IsNotification():
			if s.onNotify != nil {
				s.onNotify(s.Name, msg)
			}
		default:
			// Server-to-client requests are not part of the proxied
			// surface; log and drop.
			s.logger.Debug("ignoring upstream-initiated request", "method", msg.Method)
		}
	}
}

// readStderr forwards diagnostics into the structured log and watches for
// ready markers.
func (s *Server) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		lower := strings.ToLower(line)
		for _, marker := range readyMarkers {
			if strings.Contains(lower, marker) {
				s.markConnected("stderr marker")
				break
			}
		}
		s.logger.Debug("upstream stderr", "line", line)
	}
}

// waitExit reaps the process and fails all in-flight requests.
func (s *Server) waitExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	s.mu.Lock()
	if s.state == StateStarting || s.state == StateConnected {
		s.state = StateDisconnected
	}
	pending := s.pending
	s.pending = make(map[string]*pendingRequest)
	s.mu.Unlock()

	for _, p := range pending {
		close(p.ch)
	}
	close(exited)

	s.logger.Warn("upstream exited", "error", err)
}

// resolve hands a response to its waiting caller.
func (s *Server) resolve(msg *jsonrpc.Message) {
	key := msg.ID.String()
	s.mu.Lock()
	p, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("response for unknown request id", "id", key)
		return
	}
	p.ch <- msg
}

// Call sends a request and waits for its response. Requests issued before
// the server is connected block up to the init deadline. The per-request
// timeout and ctx both bound the wait; expiry yields a retriable error.
func (s *Server) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	connected := s.connected
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateStarting:
		select {
		case <-connected:
		case <-time.After(s.initTimeout):
			return nil, fmt.Errorf("%w: %s did not initialize within %s", ErrUnavailable, s.Name, s.initTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case StateConnected:
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrUnavailable, s.Name, state)
	}

	s.mu.Lock()
	s.nextID++
	id := jsonrpc.NewID(s.nextID)
	p := &pendingRequest{ch: make(chan *jsonrpc.Message, 1)}
	s.pending[id.String()] = p
	stdin := s.stdin
	s.mu.Unlock()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		s.dropPending(id)
		return nil, err
	}

	s.writeMu.Lock()
	err = jsonrpc.WriteMessage(stdin, req)
	s.writeMu.Unlock()
	if err != nil {
		s.dropPending(id)
		return nil, fmt.Errorf("%w: write to %s failed: %v", ErrUnavailable, s.Name, err)
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-p.ch:
		if !ok {
			return nil, fmt.Errorf("%w: %s exited mid-request", ErrUnavailable, s.Name)
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-timer.C:
		s.dropPending(id)
		return nil, fmt.Errorf("%w: %s on %s after %s", ErrTimeout, method, s.Name, s.requestTimeout)
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	}
}

func (s *Server) dropPending(id *jsonrpc.ID) {
	s.mu.Lock()
	delete(s.pending, id.String())
	s.mu.Unlock()
}

// terminate stops the process for good. Used during supervisor shutdown.
func (s *Server) terminate() {
	s.mu.Lock()
	s.state = StateTerminated
	cmd := s.cmd
	stdin := s.stdin
	s.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
