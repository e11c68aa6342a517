package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/altermind/altermind/internal/providers"
	"github.com/altermind/altermind/internal/store"
)

// Registry holds the tools available to the agent loop.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its definition name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Definition().Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tool names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Schemas returns the provider-facing schemas in registration order.
func (r *Registry) Schemas() []providers.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]providers.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		schemas = append(schemas, r.tools[name].Definition().ProviderSchema())
	}
	return schemas
}

// Validate checks a tool call before execution: the tool must exist, the
// operation must be a member of the definition, required parameters must be
// present, and enum parameters must hold an allowed value. Tools with a
// Validator get their own check afterwards.
func (r *Registry) Validate(call store.ToolCall) error {
	t, ok := r.Get(call.Name)
	if !ok {
		return fmt.Errorf("unknown tool %q", call.Name)
	}
	def := t.Definition()

	op, err := resolveOperation(def, call.Arguments)
	if err != nil {
		return err
	}

	for _, req := range op.Required {
		if _, present := call.Arguments[req]; !present {
			return fmt.Errorf("%s: missing required parameter %q", call.Name, req)
		}
	}
	for pname, p := range op.Params {
		if len(p.Enum) == 0 {
			continue
		}
		raw, present := call.Arguments[pname]
		if !present {
			continue
		}
		val, _ := raw.(string)
		if !contains(p.Enum, val) {
			return fmt.Errorf("%s: parameter %q must be one of %v, got %q", call.Name, pname, p.Enum, val)
		}
	}

	if v, ok := t.(Validator); ok {
		if err := v.Validate(call.Arguments); err != nil {
			return fmt.Errorf("%s: %s", call.Name, err)
		}
	}
	return nil
}

func resolveOperation(def Definition, args map[string]interface{}) (Operation, error) {
	if len(def.Operations) == 1 {
		for name, op := range def.Operations {
			if name == "default" {
				return op, nil
			}
			if raw, present := args["operation"]; present {
				if s, _ := raw.(string); s != name {
					return Operation{}, fmt.Errorf("%s: unknown operation %q", def.Name, s)
				}
			}
			return op, nil
		}
	}

	raw, present := args["operation"]
	if !present {
		return Operation{}, fmt.Errorf("%s: missing required parameter \"operation\"", def.Name)
	}
	opName, _ := raw.(string)
	op, ok := def.Operations[opName]
	if !ok {
		known := make([]string, 0, len(def.Operations))
		for name := range def.Operations {
			known = append(known, name)
		}
		sort.Strings(known)
		return Operation{}, fmt.Errorf("%s: unknown operation %q (known: %v)", def.Name, opName, known)
	}
	return op, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
