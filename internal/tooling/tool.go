// Package tooling implements the tool-call side of a turn: the registry of
// invocable tools, the approval gate, and the adapter that turns a provider's
// streaming tool-input protocol into persisted call/result part pairs.
package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/relay/internal/provider"
)

// Result is the outcome of one tool execution. Execution failures are
// normalized into a Result with IsError set rather than returned as errors,
// so the model can react on the next step.
type Result struct {
	Output  string
	IsError bool
}

// Errorf builds an error-shaped result.
func Errorf(format string, args ...any) *Result {
	return &Result{Output: fmt.Sprintf(format, args...), IsError: true}
}

// Tool is one invocable capability offered to the model.
type Tool interface {
	// Name returns the stable tool identifier.
	Name() string

	// Description explains the tool to the model.
	Description() string

	// Schema returns the JSON schema for the tool's arguments.
	Schema() json.RawMessage

	// Dangerous reports whether the tool has side effects that the
	// dangerous-only approval mode must gate.
	Dangerous() bool

	// Execute runs the tool. Failures should be returned as an error
	// Result, not an error value; a non-nil error is treated as an
	// execution fault and normalized by the caller.
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// MaxToolArgsSize bounds tool argument payloads.
const MaxToolArgsSize = 10 << 20

// Registry manages available tools with thread-safe registration and lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs returns provider-ready definitions for the given allowlist. A nil
// allowlist selects every registered tool.
func (r *Registry) Defs(allowlist []string) []provider.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	if allowlist == nil {
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	} else {
		for _, name := range allowlist {
			if _, ok := r.tools[name]; ok {
				names = append(names, name)
			}
		}
	}

	defs := make([]provider.ToolDef, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, provider.ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return defs
}

// Execute runs a tool by name, normalizing lookup and size failures into
// error results.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) *Result {
	if len(args) > MaxToolArgsSize {
		return Errorf("tool arguments exceed maximum size of %d bytes", MaxToolArgsSize)
	}
	tool, ok := r.Get(name)
	if !ok {
		return Errorf("tool not found: %s", name)
	}
	result, err := tool.Execute(ctx, args)
	if err != nil {
		return Errorf("tool %s failed: %v", name, err)
	}
	if result == nil {
		return &Result{}
	}
	return result
}
