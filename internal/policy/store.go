package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Store is the in-memory policy catalog. It owns every Policy value;
// callers receive copies and mutate through the Store only.
type Store struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	order    []string // insertion order, the stable tiebreak
	logger   *slog.Logger
}

// NewStore creates an empty catalog.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		policies: make(map[string]*Policy),
		logger:   logger.With("component", "policy.Store"),
	}
}

// Add registers a policy and returns its id. When meta supplies no id one
// is generated; re-adding an existing id replaces the body idempotently.
// Structured bodies are parsed here; a body that looks structured but does
// not parse is rejected.
func (s *Store) Add(id, name, body string, meta Metadata) (string, error) {
	rules, err := parseStructuredBody(body)
	if err != nil {
		return "", fmt.Errorf("policy %q has malformed structured body: %w", name, err)
	}

	now := time.Now().UTC()
	if meta.Status == "" {
		meta.Status = StatusActive
	}
	if meta.Version == 0 {
		meta.Version = 1
	}
	meta.CreatedAt = now
	meta.UpdatedAt = now

	p := &Policy{
		ID:       id,
		Name:     name,
		Body:     body,
		Rules:    rules,
		Metadata: meta,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = "pol_" + ulid.Make().String()
	}
	if existing, ok := s.policies[p.ID]; ok {
		// Idempotent on id: keep creation time and position.
		p.Metadata.CreatedAt = existing.Metadata.CreatedAt
		p.Metadata.Version = existing.Metadata.Version
		p.Metadata.History = existing.Metadata.History
	} else {
		s.order = append(s.order, p.ID)
	}
	if err := p.compile(); err != nil {
		if _, ok := s.policies[p.ID]; !ok {
			s.order = s.order[:len(s.order)-1]
		}
		return "", fmt.Errorf("policy %q has invalid resource pattern: %w", name, err)
	}
	s.policies[p.ID] = p

	s.logger.Info("policy added",
		"id", p.ID,
		"name", p.Name,
		"priority", p.Metadata.Priority,
		"structured", rules != nil,
	)
	return p.ID, nil
}

// AddConditions sets the applicability conditions of an existing policy.
func (s *Store) AddConditions(id string, cond Conditions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("policy %s not found", id)
	}
	prev := p.Conditions
	p.Conditions = cond
	if err := p.compile(); err != nil {
		p.Conditions = prev
		_ = p.compile()
		return fmt.Errorf("invalid resource pattern: %w", err)
	}
	return nil
}

// Update replaces a policy body, bumping the version and recording the
// previous body in history.
func (s *Store) Update(id, body, by string) error {
	rules, err := parseStructuredBody(body)
	if err != nil {
		return fmt.Errorf("malformed structured body: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("policy %s not found", id)
	}

	p.Metadata.History = append(p.Metadata.History, Revision{
		Version:   p.Metadata.Version,
		Body:      p.Body,
		UpdatedAt: p.Metadata.UpdatedAt,
		UpdatedBy: p.Metadata.UpdatedBy,
	})
	p.Body = body
	p.Rules = rules
	p.Metadata.Version++
	p.Metadata.UpdatedAt = time.Now().UTC()
	p.Metadata.UpdatedBy = by

	s.logger.Info("policy updated", "id", id, "version", p.Metadata.Version, "by", by)
	return nil
}

// ChangeStatus moves a policy to a new lifecycle state.
func (s *Store) ChangeStatus(id string, status Status, by string) error {
	if !ValidStatus(string(status)) {
		return fmt.Errorf("invalid status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("policy %s not found", id)
	}
	p.Metadata.Status = status
	p.Metadata.UpdatedAt = time.Now().UTC()
	p.Metadata.UpdatedBy = by

	s.logger.Info("policy status changed", "id", id, "status", string(status), "by", by)
	return nil
}

// Remove deletes a policy from the catalog.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return fmt.Errorf("policy %s not found", id)
	}
	delete(s.policies, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.logger.Info("policy removed", "id", id)
	return nil
}

// Get returns a copy of the policy with the given id.
func (s *Store) Get(id string) (Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return Policy{}, false
	}
	return *p, true
}

// GetActive returns the active policies ordered by descending priority,
// then by insertion order. The slice holds copies.
func (s *Store) GetActive() []Policy {
	s.mu.RLock()
	out := make([]Policy, 0, len(s.order))
	for _, id := range s.order {
		p := s.policies[id]
		if p.Metadata.Status == StatusActive {
			out = append(out, *p)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metadata.Priority > out[j].Metadata.Priority
	})
	return out
}

// List returns all policies regardless of status, in insertion order.
func (s *Store) List() []Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Policy, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.policies[id])
	}
	return out
}

// FilterByTags returns active policies carrying at least one of the given
// metadata tags.
func (s *Store) FilterByTags(tags []string) []Policy {
	active := s.GetActive()
	if len(tags) == 0 {
		return active
	}
	out := active[:0]
	for _, p := range active {
		for _, t := range tags {
			if containsFold(p.Metadata.Tags, t) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
