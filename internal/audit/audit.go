// Package audit implements the append-only decision log: day-partitioned
// JSON-lines files with a streaming query surface and a subscription hook
// for the live dashboard feed. Appends are synchronous and durable; a
// PERMIT response is never emitted before its audit line reaches disk.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aegisproxy/aegis/internal/decision"
)

// Outcome classifies how a request concluded.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeError   Outcome = "ERROR"
)

// Entry is one immutable audit record.
type Entry struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Context      *decision.Context `json:"context"`
	Decision     decision.Decision `json:"decision"`
	PolicyUsed   string            `json:"policyUsed,omitempty"`
	ProcessingMs int64             `json:"processingMs"`
	Outcome      Outcome           `json:"outcome"`
	Request      RequestMeta       `json:"request"`
}

// RequestMeta carries transport-level request metadata.
type RequestMeta struct {
	SessionID string `json:"sessionId,omitempty"`
	Method    string `json:"method,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Filter restricts a Query. Zero fields match everything.
type Filter struct {
	Agent   string
	Outcome Outcome
	Effect  decision.Effect
}

func (f Filter) matches(e *Entry) bool {
	if f.Agent != "" && (e.Context == nil || e.Context.Agent != f.Agent) {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.Effect != "" && e.Decision.Effect != f.Effect {
		return false
	}
	return true
}

// Log is the append-only day-partitioned store. One file per UTC day under
// <dir>/audit, one JSON line per entry.
type Log struct {
	dir      string
	learning bool

	mu       sync.Mutex
	file     *os.File
	fileDay  string
	learn    *os.File
	learnDay string

	subMu sync.RWMutex
	subs  map[chan Entry]struct{}

	logger *slog.Logger
}

// Open creates (or reopens) a log rooted at dataDir. learning enables the
// optional decision-snapshot side channel under <dataDir>/learning.
func Open(dataDir string, learning bool, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "audit"), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	if learning {
		if err := os.MkdirAll(filepath.Join(dataDir, "learning"), 0o755); err != nil {
			return nil, fmt.Errorf("create learning directory: %w", err)
		}
	}
	return &Log{
		dir:      dataDir,
		learning: learning,
		subs:     make(map[chan Entry]struct{}),
		logger:   logger.With("component", "audit.Log"),
	}, nil
}

// Append writes the entry durably and fans it out to subscribers. The entry
// id is assigned here when empty.
func (l *Log) Append(e Entry) error {
	if e.ID == "" {
		e.ID = "aud_" + ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	f, err := l.fileForLocked(e.Timestamp)
	if err == nil {
		if _, err = f.Write(line); err == nil {
			err = f.Sync()
		}
	}
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	l.subMu.RLock()
	for ch := range l.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber; the feed is best-effort.
		}
	}
	l.subMu.RUnlock()

	if l.learning {
		l.appendLearning(e)
	}
	return nil
}

// fileForLocked returns the open handle for the entry's day, rolling over
// at UTC midnight. Caller holds l.mu.
func (l *Log) fileForLocked(t time.Time) (*os.File, error) {
	day := t.UTC().Format("2006-01-02")
	if l.file != nil && l.fileDay == day {
		return l.file, nil
	}
	if l.file != nil {
		_ = l.file.Close()
	}
	path := filepath.Join(l.dir, "audit", "audit-"+day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = f
	l.fileDay = day
	return f, nil
}

// appendLearning writes the decision snapshot line. Failures are logged
// only; the learn channel never affects the caller.
func (l *Log) appendLearning(e Entry) {
	snapshot := map[string]any{
		"timestamp": e.Timestamp,
		"context":   e.Context,
		"decision":  e.Decision,
		"outcome":   e.Outcome,
	}
	line, err := json.Marshal(snapshot)
	if err != nil {
		l.logger.Warn("marshal learning snapshot failed", "error", err)
		return
	}
	line = append(line, '\n')

	day := e.Timestamp.UTC().Format("2006-01-02")
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.learn == nil || l.learnDay != day {
		if l.learn != nil {
			_ = l.learn.Close()
		}
		path := filepath.Join(l.dir, "learning", "learning-"+day+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.logger.Warn("open learning file failed", "error", err)
			return
		}
		l.learn = f
		l.learnDay = day
	}
	if _, err := l.learn.Write(line); err != nil {
		l.logger.Warn("write learning snapshot failed", "error", err)
	}
}

// Query streams entries for the inclusive UTC date range [from, to] that
// match the filter. The iterator stops early when ctx is done or yield
// returns false. Unreadable lines are skipped with a warning.
func (l *Log) Query(ctx context.Context, from, to time.Time, filter Filter, yield func(Entry) bool) error {
	from = from.UTC().Truncate(24 * time.Hour)
	to = to.UTC().Truncate(24 * time.Hour)
	for day := from; !day.After(to); day = day.Add(24 * time.Hour) {
		path := filepath.Join(l.dir, "audit", "audit-"+day.Format("2006-01-02")+".jsonl")
		stop, err := l.scanFile(ctx, path, filter, yield)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func (l *Log) scanFile(ctx context.Context, path string, filter Filter, yield func(Entry) bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open audit partition: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		default:
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			l.logger.Warn("skipping unreadable audit line", "file", path, "error", err)
			continue
		}
		if !filter.matches(&e) {
			continue
		}
		if !yield(e) {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// Subscribe returns a channel receiving every appended entry from now on,
// plus an unsubscribe function. Delivery is best-effort.
func (l *Log) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, 64)
	l.subMu.Lock()
	l.subs[ch] = struct{}{}
	l.subMu.Unlock()

	return ch, func() {
		l.subMu.Lock()
		if _, ok := l.subs[ch]; ok {
			delete(l.subs, ch)
			close(ch)
		}
		l.subMu.Unlock()
	}
}

// Close flushes and closes the partition handles.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			first = err
		}
		l.file = nil
	}
	if l.learn != nil {
		if err := l.learn.Close(); err != nil && first == nil {
			first = err
		}
		l.learn = nil
	}
	return first
}
