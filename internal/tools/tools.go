// Package tools holds the built-in tool implementations and the registry
// the router dispatches through. Tools declare their own JSON schema;
// flagged tools are routed through the approval gate before execution.
package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/famulus-dev/famulus/internal/approval"
	"github.com/famulus-dev/famulus/internal/providers"
)

// Tool is one capability the model can invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Flagged marks tools that need an approval decision before execution.
type Flagged interface {
	Flags() approval.Flags
}

// Registry maps tool names to implementations, preserving registration
// order for manifests and provider definitions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
	flags *approval.FlagRegistry
}

// NewRegistry creates a registry. Tools implementing Flagged feed their
// flags into reg on registration; reg may be nil.
func NewRegistry(reg *approval.FlagRegistry) *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		flags: reg,
	}
}

func (r *Registry) Register(t Tool) {
	name := t.Name()

	r.mu.Lock()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
	r.mu.Unlock()

	if r.flags != nil {
		if f, ok := t.(Flagged); ok {
			r.flags.Set(name, f.Flags())
		}
	}
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Execute dispatches to the named tool. Unknown names surface as an
// error result so the model sees the failure instead of the turn dying.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	return t.Execute(ctx, args)
}

// ProviderDefs renders every tool as a provider tool definition.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Manifest enumerates registered tools for the system prompt, one line
// per tool.
func (r *Registry) Manifest() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, name := range r.order {
		fmt.Fprintf(&b, "- %s: %s\n", name, r.tools[name].Description())
	}
	return strings.TrimRight(b.String(), "\n")
}
