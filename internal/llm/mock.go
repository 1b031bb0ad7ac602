package llm

import (
	"context"
	"strings"
	"sync"
)

// Mock is an in-memory Client for tests and local development. Prompts are
// matched against registered substring triggers; the first registered
// trigger found in the prompt wins, otherwise the default response is
// returned.
type Mock struct {
	mu        sync.Mutex
	triggers  []mockTrigger
	fallback  string
	callCount int
	prompts   []string
}

type mockTrigger struct {
	substring string
	response  string
}

// NewMock creates a mock with the given default response. An empty default
// yields a PERMIT-shaped JSON object so wiring tests pass through.
func NewMock(defaultResponse string) *Mock {
	if defaultResponse == "" {
		defaultResponse = `{"decision":"PERMIT","reason":"mock default","confidence":0.9,"riskLevel":"LOW"}`
	}
	return &Mock{fallback: defaultResponse}
}

// Respond registers a canned response for prompts containing substring.
func (m *Mock) Respond(substring, response string) *Mock {
	m.mu.Lock()
	m.triggers = append(m.triggers, mockTrigger{substring: substring, response: response})
	m.mu.Unlock()
	return m
}

// SetDefault replaces the fallback response.
func (m *Mock) SetDefault(response string) {
	m.mu.Lock()
	m.fallback = response
	m.mu.Unlock()
}

// Complete implements Client.
func (m *Mock) Complete(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	m.prompts = append(m.prompts, prompt)
	for _, t := range m.triggers {
		if strings.Contains(prompt, t.substring) {
			return ExtractJSON(t.response), nil
		}
	}
	return ExtractJSON(m.fallback), nil
}

// CallCount returns how many completions have been issued.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// LastPrompt returns the most recent prompt, or "" when none.
func (m *Mock) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}
