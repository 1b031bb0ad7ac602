package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aegisproxy/aegis/internal/jsonrpc"
	"github.com/aegisproxy/aegis/internal/mcp"
)

// Restart backoff and aggregate fan-out bounds.
const (
	DefaultRestartDelay  = 5 * time.Second
	DefaultFanoutTimeout = 10 * time.Second
	maxRestartDelay      = 60 * time.Second
)

// Supervisor owns the upstream server fleet: launch, liveness, restart with
// bounded exponential backoff, routing, and aggregate listings.
type Supervisor struct {
	mu      sync.RWMutex
	servers map[string]*Server
	order   []string

	restartDelay  time.Duration
	fanoutTimeout time.Duration

	shutdown chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// Option configures the Supervisor.
type Option func(*Supervisor)

// WithRestartDelay overrides the base restart delay.
func WithRestartDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.restartDelay = d
		}
	}
}

// WithFanoutTimeout overrides the per-fan-out aggregate timeout.
func WithFanoutTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.fanoutTimeout = d
		}
	}
}

// WithNotifyHandler forwards server-initiated notifications, tagged with
// the originating server name.
func WithNotifyHandler(fn func(server string, msg *jsonrpc.Message)) Option {
	return func(s *Supervisor) {
		for _, srv := range s.servers {
			srv.onNotify = fn
		}
	}
}

// NewSupervisor creates a supervisor over the given launch specs. Servers
// stay unstarted until Start.
func NewSupervisor(specs map[string]LaunchSpec, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		servers:       make(map[string]*Server, len(specs)),
		restartDelay:  DefaultRestartDelay,
		fanoutTimeout: DefaultFanoutTimeout,
		shutdown:      make(chan struct{}),
		logger:        logger.With("component", "upstream.Supervisor"),
	}
	for name, spec := range specs {
		s.servers[name] = NewServer(name, spec, logger)
		s.order = append(s.order, name)
	}
	// Stable order for "first available" routing.
	sort.Strings(s.order)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches every configured server and begins supervising restarts.
func (s *Supervisor) Start() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.order {
		srv := s.servers[name]
		if err := srv.start(); err != nil {
			s.logger.Error("failed to start upstream", "server", name, "error", err)
		}
		s.wg.Add(1)
		go s.supervise(srv)
	}
}

// supervise restarts a server when its process exits, with bounded
// exponential backoff on repeated crashes. Restart is suppressed during
// shutdown.
func (s *Supervisor) supervise(srv *Server) {
	defer s.wg.Done()

	delay := s.restartDelay
	for {
		srv.mu.Lock()
		exited := srv.exited
		srv.mu.Unlock()

		start := time.Now()
		select {
		case <-exited:
		case <-s.shutdown:
			return
		}

		// A long healthy run resets the backoff.
		if time.Since(start) > 2*maxRestartDelay {
			delay = s.restartDelay
		}

		select {
		case <-time.After(delay):
		case <-s.shutdown:
			return
		}

		s.logger.Info("restarting upstream", "server", srv.Name, "delay", delay)
		if err := srv.start(); err != nil {
			s.logger.Error("restart failed", "server", srv.Name, "error", err)
		}
		delay *= 2
		if delay > maxRestartDelay {
			delay = maxRestartDelay
		}
	}
}

// Close terminates all servers and joins the supervision workers.
func (s *Supervisor) Close() {
	close(s.shutdown)
	s.mu.RLock()
	for _, srv := range s.servers {
		srv.terminate()
	}
	s.mu.RUnlock()
	s.wg.Wait()
	s.logger.Info("supervisor stopped")
}

// Server returns the named server.
func (s *Supervisor) Server(name string) (*Server, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[name]
	return srv, ok
}

// firstAvailable returns the first available server in stable name order.
// Servers still starting count: Call blocks on them until the ready marker
// or the init deadline, so requests in the startup window wait instead of
// failing instantly.
func (s *Supervisor) firstAvailable() (*Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.order {
		if srv := s.servers[name]; srv.Available() {
			return srv, nil
		}
	}
	return nil, fmt.Errorf("%w: no connected upstream", ErrUnavailable)
}

// availableServers snapshots the connected-or-starting fleet in stable
// order.
func (s *Supervisor) availableServers() []*Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Server, 0, len(s.order))
	for _, name := range s.order {
		if srv := s.servers[name]; srv.Available() {
			out = append(out, srv)
		}
	}
	return out
}

// CallTool routes tools/call. A namespaced name <server>__<tool> is
// rewritten (prefix stripped) and pinned to that server; a bare name goes
// to the first available server.
func (s *Supervisor) CallTool(ctx context.Context, params mcp.CallToolParams) (json.RawMessage, error) {
	server, tool, ok := mcp.SplitNamespace(params.Name)
	var srv *Server
	if ok {
		named, found := s.Server(server)
		if !found {
			// Not a known namespace after all; treat the whole string as
			// a tool name on the fallback server.
			tool = params.Name
		} else {
			srv = named
		}
	} else {
		tool = params.Name
	}
	if srv == nil {
		first, err := s.firstAvailable()
		if err != nil {
			return nil, err
		}
		srv = first
	}

	params.Name = tool
	return srv.Call(ctx, mcp.MethodToolsCall, params)
}

// ReadResource routes resources/read by URI scheme; scheme "gmail" selects
// the server named gmail. Without a scheme match the first available
// server is used.
func (s *Supervisor) ReadResource(ctx context.Context, params mcp.ReadResourceParams) (json.RawMessage, error) {
	if i := strings.Index(params.URI, "://"); i > 0 {
		if srv, ok := s.Server(params.URI[:i]); ok && srv.Available() {
			return srv.Call(ctx, mcp.MethodResourcesRead, params)
		}
	}
	srv, err := s.firstAvailable()
	if err != nil {
		return nil, err
	}
	return srv.Call(ctx, mcp.MethodResourcesRead, params)
}

// Forward sends any other non-aggregate method to the first available
// server.
func (s *Supervisor) Forward(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	srv, err := s.firstAvailable()
	if err != nil {
		return nil, err
	}
	return srv.Call(ctx, method, params)
}

// ListTools fans tools/list out to every available server, prefixes each
// tool name with its server namespace, and concatenates the results.
// Failed or slow servers contribute nothing; the aggregate never fails on
// partial failure.
func (s *Supervisor) ListTools(ctx context.Context) (*mcp.ToolsListResult, error) {
	servers := s.availableServers()
	results := s.fanout(ctx, servers, mcp.MethodToolsList)

	out := &mcp.ToolsListResult{Tools: []mcp.Tool{}}
	for i, srv := range servers {
		raw := results[i]
		if raw == nil {
			continue
		}
		var r mcp.ToolsListResult
		if err := json.Unmarshal(raw, &r); err != nil {
			s.logger.Warn("malformed tools/list result", "server", srv.Name, "error", err)
			continue
		}
		for _, t := range r.Tools {
			t.Name = mcp.JoinNamespace(srv.Name, t.Name)
			out.Tools = append(out.Tools, t)
		}
	}
	return out, nil
}

// ListResources fans resources/list out to every available server and
// concatenates the results. Resource URIs are already scheme-namespaced
// and are returned as-is.
func (s *Supervisor) ListResources(ctx context.Context) (*mcp.ResourcesListResult, error) {
	servers := s.availableServers()
	results := s.fanout(ctx, servers, mcp.MethodResourcesList)

	out := &mcp.ResourcesListResult{Resources: []mcp.Resource{}}
	for i, srv := range servers {
		raw := results[i]
		if raw == nil {
			continue
		}
		var r mcp.ResourcesListResult
		if err := json.Unmarshal(raw, &r); err != nil {
			s.logger.Warn("malformed resources/list result", "server", srv.Name, "error", err)
			continue
		}
		out.Resources = append(out.Resources, r.Resources...)
	}
	return out, nil
}

// fanout issues method concurrently to each server with an independent
// timeout. The result slice is index-aligned with servers; a nil entry
// means that server failed or timed out.
func (s *Supervisor) fanout(ctx context.Context, servers []*Server, method string) []json.RawMessage {
	results := make([]json.RawMessage, len(servers))
	var wg sync.WaitGroup
	for i, srv := range servers {
		wg.Add(1)
		go func(i int, srv *Server) {
			defer wg.Done()
			fanCtx, cancel := context.WithTimeout(ctx, s.fanoutTimeout)
			defer cancel()
			raw, err := srv.Call(fanCtx, method, struct{}{})
			if err != nil {
				s.logger.Warn("aggregate fan-out failed",
					"server", srv.Name,
					"method", method,
					"error", err,
				)
				return
			}
			results[i] = raw
		}(i, srv)
	}
	wg.Wait()
	return results
}

// Status reports each server's state for the health surface.
func (s *Supervisor) Status() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.servers))
	for name, srv := range s.servers {
		out[name] = srv.State().String()
	}
	return out
}
