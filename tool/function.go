package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/triadlabs/magi/internal/util"
	"github.com/triadlabs/magi/logging"
)

// Func is the implementation signature of a function tool. It receives already
// validated arguments and returns a tagged Result.
type Func func(ctx context.Context, args map[string]any) (Result, error)

// FunctionTool adapts a plain Go function into a schema validated tool.
//
// Error semantics:
//
//	*ToolError (returned directly)  -> forwarded unchanged
//	validation failure              -> *ToolError{Code: "VALIDATION_ERROR"}
//	other error                     -> *ToolError{Code: "EXECUTION_ERROR"}
//
// A FunctionTool has no internal mutable state after construction and is safe
// for concurrent use by multiple goroutines.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          Func
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	echo := NewFunctionTool(
//	  "echo",
//	  "Echo the provided text back",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "text": map[string]any{"type": "string"},
//	    },
//	    "required": []string{"text"},
//	  },
//	  func(ctx context.Context, args map[string]any) (Result, error) {
//	    return TextResult(args["text"].(string)), nil
//	  },
//	)
func NewFunctionTool(name, description string, parameters map[string]any, fn Func) *FunctionTool {
	return &FunctionTool{name: name, description: description, parameters: parameters, fn: fn}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using
// reflection. Convenience for simple argument containers.
func NewFunctionToolFromStruct(name, description string, structType any, fn Func) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn)
}

// Name returns the unique tool name used in selection and routing.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Descriptor returns the declarative description of this tool.
func (t *FunctionTool) Descriptor() Descriptor {
	return Descriptor{Name: t.name, Description: t.description, Parameters: t.parameters}
}

// Validate checks args against the declared schema without executing.
func (t *FunctionTool) Validate(args map[string]any) error {
	if err := util.ValidateParameters(args, t.parameters); err != nil {
		return &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    "VALIDATION_ERROR",
			Details: err,
		}
	}
	return nil
}

// Call validates the provided args then invokes the underlying function,
// wrapping failures as *ToolError for uniform downstream handling.
func (t *FunctionTool) Call(ctx context.Context, args map[string]any) (Result, error) {
	if err := t.Validate(args); err != nil {
		return Result{}, err
	}

	result, err := t.fn(ctx, args)
	if err != nil {
		if toolErr, ok := err.(*ToolError); ok {
			return Result{}, toolErr
		}
		return Result{}, &ToolError{Tool: t.name, Message: err.Error(), Code: "EXECUTION_ERROR"}
	}
	return result, nil
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Logger logging.Logger
}

// Registry is an in-process Executor backed by per-agent sets of function
// tools. Tools registered under the empty agent ID are shared by all agents.
type Registry struct {
	opts RegistryOptions

	mu    sync.RWMutex
	tools map[string]map[string]*FunctionTool // agentID -> name -> tool
}

// NewRegistry creates an empty Registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{opts: opts, tools: make(map[string]map[string]*FunctionTool)}
}

// Register adds a tool to an agent's set. An empty agentID registers the tool
// for every agent. Re-registering a name replaces the previous tool.
func (r *Registry) Register(agentID string, t *FunctionTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[agentID]; !ok {
		r.tools[agentID] = make(map[string]*FunctionTool)
	}
	r.tools[agentID][t.Name()] = t
}

// lookup resolves a tool for an agent, falling back to the shared set.
func (r *Registry) lookup(agentID, name string) (*FunctionTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[agentID][name]; ok {
		return t, true
	}
	t, ok := r.tools[""][name]
	return t, ok
}

// ListTools implements Executor.
func (r *Registry) ListTools(agentID string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Descriptor
	for _, scope := range []string{agentID, ""} {
		for name, t := range r.tools[scope] {
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, t.Descriptor())
		}
	}
	return out
}

// Validate implements Executor.
func (r *Registry) Validate(agentID, name string, args map[string]any) error {
	t, ok := r.lookup(agentID, name)
	if !ok {
		return NewToolError(name, fmt.Sprintf("tool not available to agent %s", agentID), "VALIDATION_ERROR")
	}
	return t.Validate(args)
}

// Execute implements Executor.
func (r *Registry) Execute(ctx context.Context, agentID, name string, args map[string]any) (Result, error) {
	t, ok := r.lookup(agentID, name)
	if !ok {
		return Result{}, NewToolError(name, fmt.Sprintf("tool not available to agent %s", agentID), "VALIDATION_ERROR")
	}

	start := time.Now()
	r.opts.Logger.Debug("tool.call.start", "tool", name, "agent", agentID)

	result, err := t.Call(ctx, args)
	if err != nil {
		r.opts.Logger.Error("tool.call.error", "tool", name, "agent", agentID, "error", err.Error())
		return Result{}, err
	}

	r.opts.Logger.Info("tool.call.success",
		"tool", name, "agent", agentID, "kind", string(result.Kind),
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}
