// Package tools provides the planner tool catalog and the framework that
// executes catalog entries against the mesh HTTP surface.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/KafClaw/KafMesh/internal/topology"
)

var (
	// ErrUnknownTool is returned for names missing from the registry.
	ErrUnknownTool = fmt.Errorf("%w: unknown tool", topology.ErrUnknownEntity)
	// ErrTransport marks network or oracle failures that may succeed on a later step.
	ErrTransport = errors.New("transport error")
)

// Tool is the interface that all planner tools must implement.
type Tool interface {
	// Name returns the tool identifier used in call_tool decisions.
	Name() string
	// Description returns a human-readable description for the planner.
	Description() string
	// Parameters returns the JSON Schema for tool arguments.
	Parameters() map[string]any
	// Execute runs the tool. Output is returned even for failed calls when
	// the remote side produced a body.
	Execute(ctx context.Context, args map[string]any) (Output, error)
}

// Registry manages tool registration and execution.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// NewDefaultRegistry registers every DefaultCatalog entry as a RouteTool
// executed through inv.
func NewDefaultRegistry(inv Invoker) *Registry {
	r := NewRegistry()
	for _, def := range DefaultCatalog() {
		r.Register(NewRouteTool(def, inv))
	}
	return r
}

// Register adds a tool to the registry, replacing one with the same name.
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

// List returns all registered tools ordered by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	result := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, tool)
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Catalog returns the declarative definitions of tools that carry one.
func (r *Registry) Catalog() []Definition {
	var out []Definition
	for _, tool := range r.List() {
		if d, ok := tool.(interface{ Definition() Definition }); ok {
			out = append(out, d.Definition())
		}
	}
	return out
}

// Execute runs a tool by name with the given arguments.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (Output, error) {
	tool, ok := r.Get(name)
	if !ok {
		return Output{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return tool.Execute(ctx, args)
}

// GetString extracts a string argument with a default value.
func GetString(args map[string]any, key string, defaultVal string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetBool extracts a bool argument with a default value.
func GetBool(args map[string]any, key string, defaultVal bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
