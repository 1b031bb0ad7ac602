package upstream

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aegisproxy/aegis/internal/mcp"
)

func TestSupervisorEmptyFleet(t *testing.T) {
	s := NewSupervisor(nil, nil)

	if _, err := s.CallTool(context.Background(), mcp.CallToolParams{Name: "fs__read_file"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("CallTool err = %v, want ErrUnavailable", err)
	}
	if _, err := s.ReadResource(context.Background(), mcp.ReadResourceParams{URI: "fs://x"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("ReadResource err = %v, want ErrUnavailable", err)
	}
	if _, err := s.Forward(context.Background(), "prompts/list", nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Forward err = %v, want ErrUnavailable", err)
	}

	// Aggregate listings degrade to empty, never to an error.
	tools, err := s.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if tools.Tools == nil || len(tools.Tools) != 0 {
		t.Errorf("tools = %#v, want empty non-nil slice", tools.Tools)
	}
	resources, err := s.ListResources(context.Background())
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if resources.Resources == nil || len(resources.Resources) != 0 {
		t.Errorf("resources = %#v, want empty non-nil slice", resources.Resources)
	}
}

func TestSupervisorStatusBeforeStart(t *testing.T) {
	specs := map[string]LaunchSpec{
		"fs":    {Command: "server-fs"},
		"gmail": {Command: "server-gmail"},
	}
	s := NewSupervisor(specs, nil)

	status := s.Status()
	if len(status) != 2 {
		t.Fatalf("status = %v", status)
	}
	for name, state := range status {
		if state != "unstarted" {
			t.Errorf("%s state = %q, want unstarted", name, state)
		}
	}

	if _, ok := s.Server("fs"); !ok {
		t.Error("named server not found")
	}
	if _, ok := s.Server("missing"); ok {
		t.Error("unknown server reported as found")
	}
}

func TestSupervisorRoutingWithoutConnection(t *testing.T) {
	s := NewSupervisor(map[string]LaunchSpec{"fs": {Command: "server-fs"}}, nil)

	// A known namespace pins to that server, which is not connected: the
	// call fails rather than falling back to another server.
	_, err := s.CallTool(context.Background(), mcp.CallToolParams{Name: "fs__read_file"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("pinned call err = %v, want ErrUnavailable", err)
	}

	// An unknown namespace is treated as a bare tool name; with nothing
	// connected the fallback also fails.
	_, err = s.CallTool(context.Background(), mcp.CallToolParams{Name: "nope__tool"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("fallback call err = %v, want ErrUnavailable", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateUnstarted, "unstarted"},
		{StateStarting, "starting"},
		{StateConnected, "connected"},
		{StateDisconnected, "disconnected"},
		{StateTerminated, "terminated"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// echoScript is a minimal line-delimited JSON-RPC upstream: it announces
// readiness on stderr and answers every request with a one-tool listing.
const echoScript = `echo 'running on stdio' >&2
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"t1"}]}}\n' "$id"
done
`

func shSpec(script string, env map[string]string) LaunchSpec {
	return LaunchSpec{Command: "sh", Args: []string{"-c", script}, Env: env}
}

func waitState(t *testing.T, s *Supervisor, name, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status()[name] == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s never reached %s, stuck at %s", name, want, s.Status()[name])
}

func TestCallDuringStartupWindowWaits(t *testing.T) {
	// The ready marker arrives well after Start returns; calls issued in
	// the startup window must wait for it rather than failing instantly
	// or returning an empty aggregate.
	s := NewSupervisor(map[string]LaunchSpec{
		"a": shSpec("sleep 0.3\n"+echoScript, nil),
	}, nil)
	s.Start()
	defer s.Close()

	tools, err := s.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools during startup: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "a__t1" {
		t.Fatalf("tools during startup = %+v, want [a__t1]", tools.Tools)
	}

	raw, err := s.CallTool(context.Background(), mcp.CallToolParams{Name: "a__t1"})
	if err != nil {
		t.Fatalf("CallTool during startup: %v", err)
	}
	if len(raw) == 0 {
		t.Error("empty tool result")
	}
}

func TestCallFailsAfterInitDeadline(t *testing.T) {
	s := NewSupervisor(map[string]LaunchSpec{
		"slow": shSpec("sleep 5", nil),
	}, nil)
	srv, _ := s.Server("slow")
	srv.initTimeout = 200 * time.Millisecond
	s.Start()
	defer s.Close()

	start := time.Now()
	_, err := s.Forward(context.Background(), "ping", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("failed after %s, want a wait up to the init deadline", elapsed)
	}
}

func TestAggregateToleratesPartialFailure(t *testing.T) {
	// Server b is ready but never answers; its fan-out times out and the
	// aggregate carries only a's tools, each prefixed exactly once.
	silent := "echo 'running on stdio' >&2\nwhile IFS= read -r line; do :; done\n"
	s := NewSupervisor(map[string]LaunchSpec{
		"a": shSpec(echoScript, nil),
		"b": shSpec(silent, nil),
	}, nil, WithFanoutTimeout(300*time.Millisecond))
	s.Start()
	defer s.Close()
	waitState(t, s, "a", "connected")
	waitState(t, s, "b", "connected")

	tools, err := s.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "a__t1" {
		t.Fatalf("tools = %+v, want exactly [a__t1]", tools.Tools)
	}
}

func TestCrashMidRequestIsRetriableAndRestarts(t *testing.T) {
	// First run: announce ready, swallow one request, crash. Second run
	// (after the marker file exists): serve normally.
	marker := filepath.Join(t.TempDir(), "crashed-once")
	script := `if [ -e "$CRASH_MARKER" ]; then
` + echoScript + `else
: > "$CRASH_MARKER"
echo 'running on stdio' >&2
IFS= read -r line
exit 1
fi
`
	s := NewSupervisor(map[string]LaunchSpec{
		"a": shSpec(script, map[string]string{"CRASH_MARKER": marker}),
	}, nil, WithRestartDelay(50*time.Millisecond))
	s.Start()
	defer s.Close()
	waitState(t, s, "a", "connected")

	_, err := s.Forward(context.Background(), "ping", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("crash mid-request err = %v, want retriable ErrUnavailable", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		raw, err := s.Forward(context.Background(), "ping", nil)
		if err == nil {
			if len(raw) == 0 {
				t.Error("empty result after restart")
			}
			break
		}
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("retry err = %v, want ErrUnavailable until restarted", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came back: %v", err)
		}
		time.Sleep(25 * time.Millisecond)
	}
}
