package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aegisproxy/aegis/internal/audit"
	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/notify"
)

// AuditLogger appends an audit entry for the decision. The pipeline's own
// per-request audit write still happens regardless; this executor serves
// policies that demand an explicit extra record.
type AuditLogger struct {
	appender AuditAppender
}

// NewAuditLogger creates the audit obligation executor.
func NewAuditLogger(appender AuditAppender) *AuditLogger {
	return &AuditLogger{appender: appender}
}

// Name implements ObligationExecutor.
func (*AuditLogger) Name() string { return "audit-logger" }

// CanHandle implements ObligationExecutor.
func (*AuditLogger) CanHandle(obligation string) bool {
	o := strings.ToLower(obligation)
	return strings.Contains(o, "audit") || strings.Contains(o, "log")
}

// Execute implements ObligationExecutor.
func (a *AuditLogger) Execute(_ context.Context, dctx *decision.Context, d decision.Decision) error {
	return a.appender.Append(audit.Entry{
		Timestamp: time.Now().UTC(),
		Context:   dctx,
		Decision:  d,
		Outcome:   audit.OutcomeSuccess,
		Request:   audit.RequestMeta{Method: "obligation/audit-logger"},
	})
}

// Notifier emits an operational event carrying the context and decision.
type Notifier struct {
	manager *notify.Manager
}

// NewNotifier creates the notification obligation executor.
func NewNotifier(manager *notify.Manager) *Notifier {
	return &Notifier{manager: manager}
}

// Name implements ObligationExecutor.
func (*Notifier) Name() string { return "notifier" }

// CanHandle implements ObligationExecutor.
func (*Notifier) CanHandle(obligation string) bool {
	o := strings.ToLower(obligation)
	return strings.Contains(o, "notify") || strings.Contains(o, "alert") || strings.Contains(o, "review")
}

// Execute implements ObligationExecutor.
func (n *Notifier) Execute(_ context.Context, dctx *decision.Context, d decision.Decision) error {
	severity := "info"
	switch d.RiskLevel {
	case decision.RiskHigh:
		severity = "warning"
	case decision.RiskCritical:
		severity = "critical"
	}
	n.manager.Send(notify.Event{
		Type:     "decision",
		Severity: severity,
		Title:    fmt.Sprintf("%s %s on %s", d.Effect, dctx.Action, dctx.Resource),
		Message:  d.Reason,
		AgentID:  dctx.Agent,
		Details: map[string]any{
			"confidence": d.Confidence,
			"riskLevel":  string(d.RiskLevel),
		},
	})
	return nil
}

// Lifecycle schedules deletion or retention markers for data touched by a
// permitted request. Markers are held in memory and drained by Pending;
// durable scheduling belongs to an external janitor.
type Lifecycle struct {
	mu      sync.Mutex
	markers []LifecycleMarker
	logger  *slog.Logger
}

// LifecycleMarker is one scheduled data-lifecycle action.
type LifecycleMarker struct {
	Resource  string    `json:"resource"`
	Agent     string    `json:"agent"`
	Kind      string    `json:"kind"` // delete, retain
	ExecuteAt time.Time `json:"executeAt"`
}

// NewLifecycle creates the data-lifecycle obligation executor.
func NewLifecycle(logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{logger: logger.With("component", "enforce.Lifecycle")}
}

// Name implements ObligationExecutor.
func (*Lifecycle) Name() string { return "data-lifecycle" }

// CanHandle implements ObligationExecutor.
func (*Lifecycle) CanHandle(obligation string) bool {
	o := strings.ToLower(obligation)
	return strings.Contains(o, "delet") || strings.Contains(o, "retention") || strings.Contains(o, "lifecycle")
}

// Execute implements ObligationExecutor.
func (l *Lifecycle) Execute(_ context.Context, dctx *decision.Context, d decision.Decision) error {
	kind := "retain"
	delay := 30 * 24 * time.Hour
	for _, o := range d.Obligations {
		if strings.Contains(strings.ToLower(o), "delet") {
			kind = "delete"
			delay = 24 * time.Hour
			break
		}
	}
	marker := LifecycleMarker{
		Resource:  dctx.Resource,
		Agent:     dctx.Agent,
		Kind:      kind,
		ExecuteAt: time.Now().UTC().Add(delay),
	}

	l.mu.Lock()
	l.markers = append(l.markers, marker)
	l.mu.Unlock()

	l.logger.Info("lifecycle marker scheduled",
		"resource", marker.Resource,
		"kind", marker.Kind,
		"execute_at", marker.ExecuteAt,
	)
	return nil
}

// Pending returns and clears the scheduled markers.
func (l *Lifecycle) Pending() []LifecycleMarker {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.markers
	l.markers = nil
	return out
}
