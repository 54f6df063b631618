// Package memory implements the bounded per-agent conversational window with
// topic detection and cached summarization. The window keeps prompt size (and
// so cost and latency) constant regardless of conversation length; the summary
// cache avoids re-summarizing on every turn when no new entry was added.
//
// Memory is best-effort context and must never break the primary response:
// model failures surface as descriptive error strings embedded in return
// values, not as error returns.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/triadlabs/magi/logging"
	"github.com/triadlabs/magi/model"
)

// Capacity is the fixed size of the conversational window.
const Capacity = 15

// fingerprintPrefixLen bounds how much of the last message feeds the cache key.
const fingerprintPrefixLen = 32

// Entry is one remembered exchange.
type Entry struct {
	Speaker    string `json:"speaker"`
	Scratchpad string `json:"scratchpad,omitempty"` // internal reasoning note
	Message    string `json:"message"`
}

// Options configures a ShortTermMemory.
type Options struct {
	ModelID string
	Logger  logging.Logger
}

// ShortTermMemory is one agent's bounded conversational window. Entries are
// evicted FIFO beyond Capacity and fully cleared on Forget.
type ShortTermMemory struct {
	agent  string
	client model.Client
	opts   Options

	mu             sync.Mutex
	entries        []Entry
	cachedSummary  string
	cachedKey      string
	cachedHasValue bool
}

// New creates a ShortTermMemory for the named agent backed by the given model client.
func New(agent string, client model.Client, optFns ...func(o *Options)) *ShortTermMemory {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ShortTermMemory{agent: agent, client: client, opts: opts}
}

// Remember appends an exchange, evicting the oldest entry beyond capacity and
// invalidating the cached summary.
func (m *ShortTermMemory) Remember(speaker, scratchpad, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, Entry{Speaker: speaker, Scratchpad: scratchpad, Message: message})
	if len(m.entries) > Capacity {
		m.entries = m.entries[len(m.entries)-Capacity:]
	}
	m.cachedHasValue = false
	m.cachedSummary = ""
	m.cachedKey = ""
}

// Len returns the number of remembered entries.
func (m *ShortTermMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Entries returns a copy of the window in insertion order.
func (m *ShortTermMemory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Forget clears the window and the summary cache atomically.
func (m *ShortTermMemory) Forget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.cachedHasValue = false
	m.cachedSummary = ""
	m.cachedKey = ""
}

// DetermineTopic names "the [aspect] of [subject]" the latest message is
// about, given the full window as context. It returns "" when no memory exists
// yet or the incoming message is empty. A model failure is reported as a
// descriptive error string in the return value, never as an error.
func (m *ShortTermMemory) DetermineTopic(ctx context.Context, latestMessage string) string {
	m.mu.Lock()
	empty := len(m.entries) == 0
	window := m.renderLocked()
	m.mu.Unlock()

	if empty || strings.TrimSpace(latestMessage) == "" {
		return ""
	}

	topic, err := m.client.Generate(ctx, model.Request{
		System: "You identify conversation topics. Answer with a single short phrase of the form \"the [aspect] of [subject]\" and nothing else.",
		Prompt: fmt.Sprintf(
			"Conversation so far:\n%s\n\nLatest message:\n%s\n\nWhat topic is the latest message about?",
			window, latestMessage,
		),
		ModelID: m.opts.ModelID,
	})
	if err != nil {
		m.opts.Logger.Warn("memory.topic.error", "agent", m.agent, "error", err.Error())
		return fmt.Sprintf("topic detection failed: %v", err)
	}
	return strings.TrimSpace(topic)
}

// Summarize returns an extractive summary of the window scoped to topic
// (unscoped when topic is ""). It returns "" for an empty window without
// calling the model. Summaries are cached by a cheap fingerprint of the window
// (length plus a prefix of the last message) and reused until a new entry
// invalidates the cache. Model failures come back as descriptive error
// strings; summarization is best-effort context, never fatal.
func (m *ShortTermMemory) Summarize(ctx context.Context, topic string) string {
	m.mu.Lock()
	if len(m.entries) == 0 {
		m.mu.Unlock()
		return ""
	}
	key := m.fingerprintLocked(topic)
	if m.cachedHasValue && m.cachedKey == key {
		summary := m.cachedSummary
		m.mu.Unlock()
		m.opts.Logger.Debug("memory.summary.cache_hit", "agent", m.agent)
		return summary
	}
	window := m.renderLocked()
	m.mu.Unlock()

	scope := ""
	if topic != "" {
		scope = fmt.Sprintf(" Focus only on what is relevant to %s.", topic)
	}

	summary, err := m.client.Generate(ctx, model.Request{
		System: "You produce brief extractive summaries of conversations. Quote or closely paraphrase the source; do not invent content.",
		Prompt: fmt.Sprintf("Summarize this conversation.%s\n\n%s", scope, window),
		ModelID: m.opts.ModelID,
	})
	if err != nil {
		m.opts.Logger.Warn("memory.summary.error", "agent", m.agent, "error", err.Error())
		return fmt.Sprintf("summary unavailable: %v", err)
	}
	summary = strings.TrimSpace(summary)

	m.mu.Lock()
	m.cachedSummary = summary
	m.cachedKey = key
	m.cachedHasValue = true
	m.mu.Unlock()

	return summary
}

// fingerprintLocked builds the cheap cache key: window length plus a prefix of
// the last message, plus the requested topic scope.
func (m *ShortTermMemory) fingerprintLocked(topic string) string {
	last := m.entries[len(m.entries)-1].Message
	if len(last) > fingerprintPrefixLen {
		last = last[:fingerprintPrefixLen]
	}
	return fmt.Sprintf("%d|%s|%s", len(m.entries), last, topic)
}

// renderLocked flattens the window into prompt text.
func (m *ShortTermMemory) renderLocked() string {
	var sb strings.Builder
	for _, e := range m.entries {
		if e.Scratchpad != "" {
			fmt.Fprintf(&sb, "%s (thinking: %s): %s\n", e.Speaker, e.Scratchpad, e.Message)
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", e.Speaker, e.Message)
	}
	return sb.String()
}
