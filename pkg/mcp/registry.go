package mcp

import (
	"context"
	"fmt"
	"strings"
)

// Output is what a tool handler produces on success.
type Output struct {
	Text string
	Data map[string]any
}

// HandlerFunc runs a tool. Returning an error marks the call as a tool-level
// failure; data, when non-nil, is still reported for debugging.
type HandlerFunc func(ctx context.Context, args map[string]any) (Output, error)

// Tool is a named, schema-described callable.
type Tool struct {
	Name        string
	Description string
	InputSchema Schema
	Handler     HandlerFunc
}

// Definition renders the tools/list entry for t.
func (t Tool) Definition() ToolDefinition {
	return ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
}

// Registry is an immutable name-to-tool table built once at startup.
type Registry struct {
	tools  []Tool
	byName map[string]int
}

// NewRegistry validates and indexes tools. Order is preserved for tools/list.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:  make([]Tool, 0, len(tools)),
		byName: make(map[string]int, len(tools)),
	}
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("tool name is required")
		}
		if name != t.Name {
			return nil, fmt.Errorf("tool name %q has surrounding whitespace", t.Name)
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("tool %s has no handler", name)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("tool %s registered twice", name)
		}
		if t.InputSchema.Type == "" {
			t.InputSchema.Type = "object"
		}
		r.byName[name] = len(r.tools)
		r.tools = append(r.tools, t)
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics; for package-level tables and tests.
func MustRegistry(tools ...Tool) *Registry {
	r, err := NewRegistry(tools...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup finds a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Tool{}, false
	}
	return r.tools[i], true
}

// Tools returns a copy of the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	return append([]Tool(nil), r.tools...)
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name
	}
	return names
}
