package policy

import (
	"strings"
	"testing"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
)

func TestStoreAddGeneratesID(t *testing.T) {
	s := NewStore(nil)
	id, err := s.Add("", "no shell access", "Agents must never execute shell commands.", Metadata{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !strings.HasPrefix(id, "pol_") {
		t.Errorf("generated id %q lacks pol_ prefix", id)
	}

	p, ok := s.Get(id)
	if !ok {
		t.Fatal("policy not retrievable after Add")
	}
	if p.Metadata.Status != StatusActive {
		t.Errorf("default status = %q, want active", p.Metadata.Status)
	}
	if p.Metadata.Version != 1 {
		t.Errorf("initial version = %d, want 1", p.Metadata.Version)
	}
}

func TestStoreAddIdempotentOnID(t *testing.T) {
	s := NewStore(nil)
	id, err := s.Add("pol_fixed", "v1", "Agents may read docs.", Metadata{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	first, _ := s.Get(id)

	if _, err := s.Add("pol_fixed", "v2", "Agents may read docs and code.", Metadata{}); err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	second, _ := s.Get(id)

	if second.Name != "v2" {
		t.Errorf("replacement name = %q, want v2", second.Name)
	}
	if !second.Metadata.CreatedAt.Equal(first.Metadata.CreatedAt) {
		t.Error("replacement must keep the original creation time")
	}
	if got := len(s.List()); got != 1 {
		t.Errorf("catalog size = %d, want 1", got)
	}
}

func TestStoreRejectsMalformedStructuredBody(t *testing.T) {
	s := NewStore(nil)
	if _, err := s.Add("", "broken", `{"permissions": [`, Metadata{}); err == nil {
		t.Fatal("malformed structured body must be rejected")
	}
	if got := len(s.List()); got != 0 {
		t.Errorf("rejected policy left %d entries behind", got)
	}
}

func TestStoreUpdateBumpsVersionAndHistory(t *testing.T) {
	s := NewStore(nil)
	id, _ := s.Add("", "p", "Agents may read docs.", Metadata{})

	if err := s.Update(id, "Agents may read docs before 18:00.", "alice"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	p, _ := s.Get(id)
	if p.Metadata.Version != 2 {
		t.Errorf("version = %d, want 2", p.Metadata.Version)
	}
	if p.Metadata.UpdatedBy != "alice" {
		t.Errorf("updatedBy = %q, want alice", p.Metadata.UpdatedBy)
	}
	if len(p.Metadata.History) != 1 || p.Metadata.History[0].Body != "Agents may read docs." {
		t.Errorf("history = %+v", p.Metadata.History)
	}

	if err := s.Update("pol_missing", "x", "bob"); err == nil {
		t.Error("updating an unknown policy must fail")
	}
}

func TestStoreChangeStatus(t *testing.T) {
	s := NewStore(nil)
	id, _ := s.Add("", "p", "Agents may read docs.", Metadata{})

	if err := s.ChangeStatus(id, StatusDeprecated, "ops"); err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}
	if len(s.GetActive()) != 0 {
		t.Error("deprecated policy still listed as active")
	}
	if err := s.ChangeStatus(id, "archived", "ops"); err == nil {
		t.Error("unknown status must be rejected")
	}
}

func TestStoreGetActiveOrdering(t *testing.T) {
	s := NewStore(nil)
	low, _ := s.Add("", "low", "Agents may list tools.", Metadata{Priority: 1})
	high, _ := s.Add("", "high", "Agents must not touch payroll.", Metadata{Priority: 10})
	mid1, _ := s.Add("", "mid-first", "Agents may read docs.", Metadata{Priority: 5})
	mid2, _ := s.Add("", "mid-second", "Agents may read code.", Metadata{Priority: 5})
	s.Add("", "draft", "Draft text.", Metadata{Priority: 100, Status: StatusDraft})

	active := s.GetActive()
	got := make([]string, len(active))
	for i, p := range active {
		got[i] = p.ID
	}
	want := []string{high, mid1, mid2, low}
	if len(got) != len(want) {
		t.Fatalf("active = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("active[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestStoreRemove(t *testing.T) {
	s := NewStore(nil)
	id, _ := s.Add("", "p", "Agents may read docs.", Metadata{})
	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Get(id); ok {
		t.Error("policy still present after Remove")
	}
	if err := s.Remove(id); err == nil {
		t.Error("removing twice must fail")
	}
}

func TestStoreAddConditionsRollback(t *testing.T) {
	s := NewStore(nil)
	id, _ := s.Add("", "p", "Agents may read docs.", Metadata{})

	if err := s.AddConditions(id, Conditions{ResourcePatterns: []string{"("}}); err == nil {
		t.Fatal("invalid resource pattern must be rejected")
	}
	// The policy keeps working with its previous (empty) conditions.
	p, _ := s.Get(id)
	if !p.Applicable(&decision.Context{Resource: "anything", Time: time.Now()}) {
		t.Error("policy lost applicability after rejected condition update")
	}

	if err := s.AddConditions(id, Conditions{AgentTypes: []string{"assistant"}}); err != nil {
		t.Fatalf("AddConditions: %v", err)
	}
	p, _ = s.Get(id)
	if p.Applicable(&decision.Context{AgentType: "scraper"}) {
		t.Error("agent type condition not enforced")
	}
	if !p.Applicable(&decision.Context{AgentType: "Assistant"}) {
		t.Error("agent type match must be case-insensitive")
	}
}

func TestStoreFilterByTags(t *testing.T) {
	s := NewStore(nil)
	tagged, _ := s.Add("", "pii", "Agents must not export customer data.", Metadata{Tags: []string{"pii", "export"}})
	s.Add("", "plain", "Agents may list tools.", Metadata{})

	got := s.FilterByTags([]string{"PII"})
	if len(got) != 1 || got[0].ID != tagged {
		t.Errorf("FilterByTags = %v", got)
	}
	if len(s.FilterByTags(nil)) != 2 {
		t.Error("empty tag filter must return all active policies")
	}
}
