// Package tool implements the tool-executor collaborator: descriptors exposed
// to the model for tool selection, schema validated execution, and a tagged
// result union so downstream processing can switch on an explicit discriminant
// instead of sniffing the output shape.
package tool

import (
	"context"
	"fmt"
)

// Descriptor declaratively exposes a callable tool to the model.
// Parameters is a JSON Schema object (minimal subset).
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ResultKind is the explicit discriminant of a tool Result.
type ResultKind string

const (
	// KindWebSearch marks a search-results payload.
	KindWebSearch ResultKind = "web_search"
	// KindExtract marks a fetched-page payload.
	KindExtract ResultKind = "extract"
	// KindDevice marks a device/actuator action payload.
	KindDevice ResultKind = "device"
	// KindData marks a structured data payload.
	KindData ResultKind = "data"
	// KindText marks a plain text payload.
	KindText ResultKind = "text"
)

// SearchHit is one entry of a web search result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Result is the tagged union produced by tool execution. Kind selects which
// fields carry the payload; the executor always sets it explicitly. IsError
// marks an in-band failure (the tool ran but reported a problem).
//
// NeedsFollowUp and FollowUpURL model the common search-then-read pattern: a
// search tool may flag that its best hit should be fetched next without the
// planner hardcoding that sequence.
type Result struct {
	Kind    ResultKind `json:"kind"`
	IsError bool       `json:"is_error,omitempty"`

	// KindWebSearch
	Query string      `json:"query,omitempty"`
	Hits  []SearchHit `json:"hits,omitempty"`

	// KindExtract
	URL     string `json:"url,omitempty"`
	Content string `json:"content,omitempty"`

	// KindDevice
	Device string `json:"device,omitempty"`
	Action string `json:"action,omitempty"`
	Status string `json:"status,omitempty"`

	// KindData
	Data map[string]any `json:"data,omitempty"`

	// KindText
	Text string `json:"text,omitempty"`

	// Follow-up hints.
	NeedsFollowUp bool   `json:"needs_follow_up,omitempty"`
	FollowUpURL   string `json:"follow_up_url,omitempty"`
}

// TextResult builds a plain text result.
func TextResult(text string) Result { return Result{Kind: KindText, Text: text} }

// ErrorResult builds an in-band error result.
func ErrorResult(text string) Result {
	return Result{Kind: KindText, Text: text, IsError: true}
}

// Summary renders the result payload as text for feeding into the next
// reasoning cycle.
func (r Result) Summary() string {
	switch r.Kind {
	case KindWebSearch:
		out := fmt.Sprintf("search results for %q:", r.Query)
		for _, h := range r.Hits {
			out += fmt.Sprintf("\n- %s (%s): %s", h.Title, h.URL, h.Snippet)
		}
		return out
	case KindExtract:
		return fmt.Sprintf("content of %s:\n%s", r.URL, r.Content)
	case KindDevice:
		return fmt.Sprintf("device %s action %s: %s", r.Device, r.Action, r.Status)
	case KindData:
		return fmt.Sprintf("data: %v", r.Data)
	default:
		return r.Text
	}
}

// Executor is the tool collaborator interface the tactical engine depends on.
type Executor interface {
	// ListTools returns the descriptors available to the given agent.
	ListTools(agentID string) []Descriptor

	// Validate checks a tool name and arguments against the agent's tool set
	// without executing. Invalid selections surface a *ToolError.
	Validate(agentID, name string, args map[string]any) error

	// Execute runs the named tool. An error return means the execution itself
	// failed; an in-band tool problem comes back as Result{IsError: true}.
	Execute(ctx context.Context, agentID, name string, args map[string]any) (Result, error)
}

// ToolError represents errors raised by the tool subsystem.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}
