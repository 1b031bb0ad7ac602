// Package transport exposes the proxy over its two listeners: newline-
// delimited JSON-RPC on standard I/O, and HTTP with JSON or SSE responses
// plus the admin surfaces. Both hand every message to the proxy Coordinator.
package transport

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/aegisproxy/aegis/internal/jsonrpc"
	"github.com/aegisproxy/aegis/internal/proxy"
)

// Stdio serves a single implicit session over stdin/stdout. Reads are
// serialized by the line scanner; handlers run concurrently and the write
// mutex keeps response lines from interleaving.
type Stdio struct {
	coord *proxy.Coordinator
	in    io.Reader
	out   io.Writer

	writeMu sync.Mutex
	logger  *slog.Logger
}

// NewStdio creates a stdio listener bound to the process pipes.
func NewStdio(coord *proxy.Coordinator, logger *slog.Logger) *Stdio {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stdio{
		coord:  coord,
		in:     os.Stdin,
		out:    os.Stdout,
		logger: logger.With("component", "transport.Stdio"),
	}
}

// Run reads messages until EOF or ctx cancellation. The stdio transport has
// no identity headers; the agent identity comes from the environment.
func (s *Stdio) Run(ctx context.Context) error {
	sess := s.coord.Sessions().Create(
		os.Getenv("AEGIS_AGENT_ID"),
		os.Getenv("AEGIS_AGENT_TYPE"),
		nil,
	)
	defer s.coord.Sessions().Delete(sess.ID)

	s.logger.Info("serving on stdio", "session_id", sess.ID)

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}

		msg, err := jsonrpc.Decode(line)
		if err != nil {
			s.write(jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, "parse error"))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := s.coord.Handle(ctx, sess, msg); resp != nil {
				s.write(resp)
			}
		}()
	}
	return scanner.Err()
}

func (s *Stdio) write(msg *jsonrpc.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := jsonrpc.WriteMessage(s.out, msg); err != nil {
		s.logger.Error("stdout write failed", "error", err)
	}
}
