package upstream

import (
	"context"
	"testing"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("AEGIS_TEST_HOME", "/home/agent")

	tests := []struct {
		in   string
		want string
	}{
		{"${AEGIS_TEST_HOME}/data", "/home/agent/data"},
		{"plain-value", "plain-value"},
		{"${AEGIS_TEST_MISSING}", ""},
	}
	for _, tt := range tests {
		if got := expandEnv(tt.in); got != tt.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("0123456789abc", 10); got != "0123456789..." {
		t.Errorf("truncate = %q", got)
	}
}

func TestServerCallBeforeStart(t *testing.T) {
	srv := NewServer("fs", LaunchSpec{Command: "server-fs"}, nil)
	if srv.State() != StateUnstarted {
		t.Fatalf("state = %s", srv.State())
	}
	if srv.Connected() {
		t.Error("unstarted server reported connected")
	}
	if _, err := srv.Call(context.Background(), "tools/list", nil); err == nil {
		t.Error("Call on an unstarted server must fail")
	}
}
