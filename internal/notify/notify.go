// Package notify dispatches operational events raised by the enforcement
// layer (the notifier obligation) to configured channels. Delivery is
// asynchronous and deduplicated; a failed send never affects the request
// that raised the event.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

const dedupTTL = 5 * time.Minute

// Event is one operational notification.
type Event struct {
	Type      string         `json:"type"` // decision, policy-violation, upstream-down, manual-review
	Severity  string         `json:"severity"` // info, warning, critical
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	AgentID   string         `json:"agent_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sender is one delivery channel.
type Sender interface {
	Send(event Event) error
	Name() string
}

// Config selects the delivery channels.
type Config struct {
	Slack   SlackConfig   `yaml:"slack"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig configures the Slack incoming-webhook sender.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// WebhookConfig configures the signed generic webhook sender.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// Manager fans events out to all configured senders with deduplication on
// (type, agent, session) within a short window.
type Manager struct {
	mu      sync.Mutex
	senders []Sender
	dedup   map[string]time.Time
	logger  *slog.Logger
}

// NewManager creates a manager with senders derived from cfg.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		dedup:  make(map[string]time.Time),
		logger: logger.With("component", "notify.Manager"),
	}
	if cfg.Slack.WebhookURL != "" {
		m.senders = append(m.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		m.senders = append(m.senders, NewWebhookSender(cfg.Webhook))
	}
	return m
}

// AddSender registers an additional delivery channel.
func (m *Manager) AddSender(s Sender) {
	m.mu.Lock()
	m.senders = append(m.senders, s)
	m.mu.Unlock()
}

// Send dispatches the event asynchronously to every sender.
func (m *Manager) Send(event Event) {
	event.Timestamp = time.Now()

	key := event.Type + "|" + event.AgentID + "|" + event.SessionID
	m.mu.Lock()
	if last, ok := m.dedup[key]; ok && time.Since(last) < dedupTTL {
		m.mu.Unlock()
		m.logger.Debug("event deduplicated", "type", event.Type, "key", key)
		return
	}
	m.dedup[key] = time.Now()
	senders := make([]Sender, len(m.senders))
	copy(senders, m.senders)
	m.mu.Unlock()

	for _, s := range senders {
		go func(s Sender) {
			if err := s.Send(event); err != nil {
				m.logger.Error("failed to send event",
					"sender", s.Name(),
					"type", event.Type,
					"error", err,
				)
			}
		}(s)
	}
}
