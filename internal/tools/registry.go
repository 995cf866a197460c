package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/chatpipe/internal/providers"
)

// Sensitivity gates whether a tool call needs prior approval before it may
// run. Low runs unconditionally; medium/high are checked against the
// ApprovalManager (see internal/tools/approval).
type Sensitivity int

const (
	SensitivityLow Sensitivity = iota
	SensitivityMedium
	SensitivityHigh
)

// Executor is implemented by every concrete tool. Execute receives a
// context carrying an ExecContext (session/message/variant/block ids),
// injected by the orchestrator's tool loop.
type Executor interface {
	Name() string
	Description() string
	Schema() map[string]interface{}
	Sensitivity() Sensitivity
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Registry is the process-wide tool table. Tools are registered once at
// startup (builtins) or dynamically (MCP bridge tools, unregistered again
// on server disconnect).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Executor)}
}

func (r *Registry) Register(t Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks up an executor by name. MCP bridge tools are registered under
// their "mcp_" names and builtins under bare names; a requested name with a
// "builtin-" prefix falls back to the bare name.
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok {
		return t, true
	}
	t, ok := r.tools[strings.TrimPrefix(name, "builtin-")]
	return t, ok
}

// List returns all registered tool names, unordered.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// ToProviderDef converts a registered tool into the wire schema sent to the
// LLM adapter.
func ToProviderDef(t Executor) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		},
	}
}

// ErrToolNotFound is returned by the orchestrator when the LLM requests a
// tool name that Registry.Get cannot find (aliases are not resolved at
// dispatch).
type ErrToolNotFound struct{ Name string }

func (e ErrToolNotFound) Error() string { return fmt.Sprintf("tool not found: %s", e.Name) }
