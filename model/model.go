// Package model defines the language-model collaborator interface the core
// depends on, a JSON-mode helper with a single automatic repair attempt, and a
// mock client for tests. Provider adapters live in the openai and anthropic
// subpackages.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Request captures a single-shot generation request.
type Request struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	ModelID     string  `json:"model_id,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int64   `json:"max_tokens,omitempty"`
}

// Info contains metadata about a client implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", etc.
}

// Client is the minimal interface the engines and the coordinator require of
// a language model.
type Client interface {
	// Generate produces a completion for the request.
	Generate(ctx context.Context, req Request) (string, error)

	// Info returns information about the client implementation.
	Info() Info
}

// GenerateJSON runs a generation request whose output must be a JSON document
// and unmarshals it into out. On a parse failure it issues one follow-up
// request asking the model to fix its own JSON before surfacing the parse
// error. Markdown code fences around the document are tolerated.
func GenerateJSON(ctx context.Context, c Client, req Request, out any) error {
	raw, err := c.Generate(ctx, req)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(stripFences(raw)), out); err == nil {
		return nil
	}

	repair := req
	repair.Prompt = fmt.Sprintf(
		"The following was supposed to be valid JSON but is not. Return only the corrected JSON document, nothing else.\n\n%s",
		raw,
	)

	fixed, err := c.Generate(ctx, repair)
	if err != nil {
		return fmt.Errorf("json repair request failed: %w", err)
	}

	if err := json.Unmarshal([]byte(stripFences(fixed)), out); err != nil {
		return fmt.Errorf("model returned invalid json after repair attempt: %w", err)
	}
	return nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag, from a model response.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop a language tag such as "json" on the fence line.
		first := strings.TrimSpace(s[:i])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// MockClient is a lightweight in-memory Client useful for tests. Responses can
// be registered as canned completions keyed by a prompt substring, or queued
// as a FIFO script consumed one response per call. Scripted responses take
// precedence over canned ones.
type MockClient struct {
	mu        sync.Mutex
	info      Info
	canned    map[string]string
	script    []string
	scriptErr []error
	calls     int
	prompts   []string
}

// NewMockClient constructs an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{
		info:   Info{Name: "mock", Provider: "mock"},
		canned: make(map[string]string),
	}
}

// AddResponse registers a canned completion returned when the prompt contains key.
func (m *MockClient) AddResponse(key, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canned[key] = response
}

// Queue appends responses to the FIFO script.
func (m *MockClient) Queue(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range responses {
		m.script = append(m.script, r)
		m.scriptErr = append(m.scriptErr, nil)
	}
}

// QueueError appends an error to the FIFO script.
func (m *MockClient) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, "")
	m.scriptErr = append(m.scriptErr, err)
}

// Calls returns how many Generate calls were made.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Prompts returns a copy of every prompt seen, in order.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.prompts))
	copy(out, m.prompts)
	return out
}

// Generate implements Client. It consumes the script first, then falls back to
// substring-matched canned responses, then to a generic echo.
func (m *MockClient) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.prompts = append(m.prompts, req.Prompt)

	if len(m.script) > 0 {
		resp, err := m.script[0], m.scriptErr[0]
		m.script = m.script[1:]
		m.scriptErr = m.scriptErr[1:]
		if err != nil {
			return "", err
		}
		return resp, nil
	}

	for key, resp := range m.canned {
		if strings.Contains(req.Prompt, key) {
			return resp, nil
		}
	}
	return fmt.Sprintf("Mock response to: %s", req.Prompt), nil
}

// Info implements Client.
func (m *MockClient) Info() Info { return m.info }
