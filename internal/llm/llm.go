// Package llm provides a uniform completion interface over the chat model
// backends used by the policy engine. Backends exist for OpenAI-compatible
// chat completion endpoints and the Anthropic Messages API, plus an
// in-memory mock for tests.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Default generation parameters applied when the config leaves them zero.
const (
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 4096
)

// ErrNoAPIKey is returned by New when the selected provider requires a key
// and none was configured.
var ErrNoAPIKey = errors.New("llm: api key is required")

// Client issues a single completion request against a chat model.
type Client interface {
	// Complete sends the prompt and returns the model's text output,
	// post-processed by ExtractJSON. Implementations never return partial
	// output together with an error.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config selects and parameterizes a backend.
type Config struct {
	Provider    string  `yaml:"provider" json:"provider"` // openai, anthropic, mock
	APIKey      string  `yaml:"api_key" json:"apiKey"`
	Model       string  `yaml:"model" json:"model"`
	BaseURL     string  `yaml:"base_url" json:"baseURL,omitempty"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"maxTokens"`
}

func (c Config) temperature() float32 {
	if c.Temperature == 0 {
		return DefaultTemperature
	}
	return float32(c.Temperature)
}

func (c Config) maxTokens() int {
	if c.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return c.MaxTokens
}

// New builds a Client for the configured provider.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "openai", "":
		return newOpenAIClient(cfg)
	case "anthropic":
		return newAnthropicClient(cfg)
	case "mock":
		return NewMock(""), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// ExtractJSON pulls the most plausible JSON object out of raw model output.
// Preference order: a fenced code block whose contents parse, then the text
// trimmed to its outermost braces when that parses, then the raw text
// unchanged. It never fails; callers own the handling of invalid JSON.
func ExtractJSON(text string) string {
	trimmed := strings.TrimSpace(text)

	if block, ok := fencedBlock(trimmed); ok && json.Valid([]byte(block)) {
		return block
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		candidate := trimmed[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate
		}
	}

	return trimmed
}

// fencedBlock returns the contents of the first ``` fence, tolerating an
// optional language tag on the opening line.
func fencedBlock(text string) (string, bool) {
	open := strings.Index(text, "```")
	if open < 0 {
		return "", false
	}
	rest := text[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		// Skip a language tag such as "json".
		if firstLine != "" && !strings.HasPrefix(firstLine, "{") {
			rest = rest[nl+1:]
		}
	}
	close := strings.Index(rest, "```")
	if close < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:close]), true
}
