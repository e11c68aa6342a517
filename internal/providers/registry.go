package providers

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds the configured providers. The context-window catalog is
// package-level; see ContextWindow and RegisterModel.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under its Name().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Resolve splits a "provider:model-id" string and returns the provider plus
// the bare model id.
func (r *Registry) Resolve(model string) (Provider, string, error) {
	providerName, modelID, err := ParseModel(model)
	if err != nil {
		return nil, "", err
	}
	p, ok := r.Get(providerName)
	if !ok {
		return nil, "", fmt.Errorf("unknown provider %q", providerName)
	}
	return p, modelID, nil
}

// ParseModel splits "provider:model-id". The model id may itself contain
// colons; only the first separates the provider.
func ParseModel(model string) (provider, modelID string, err error) {
	i := strings.IndexByte(model, ':')
	if i <= 0 || i == len(model)-1 {
		return "", "", fmt.Errorf("malformed model %q: want \"provider:model-id\"", model)
	}
	return model[:i], model[i+1:], nil
}

// contextWindows maps model-id prefixes to context window sizes. Longest
// prefix wins; unknown models report 0.
var contextWindows = []struct {
	prefix string
	window int
}{
	{"claude-opus-4", 200_000},
	{"claude-sonnet-4", 200_000},
	{"claude-haiku-4", 200_000},
	{"claude-3-7", 200_000},
	{"claude-3-5", 200_000},
	{"gpt-4.1", 1_047_576},
	{"gpt-4o-mini", 128_000},
	{"gpt-4o", 128_000},
	{"o3", 200_000},
	{"o4-mini", 200_000},
}

var catalogMu sync.Mutex

// RegisterModel adds a model-id prefix to the context-window catalog.
// Used for self-hosted or gateway-proxied models not in the builtin table.
func RegisterModel(prefix string, window int) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	contextWindows = append(contextWindows, struct {
		prefix string
		window int
	}{prefix, window})
}

// ContextWindow returns the context window for a "provider:model-id"
// string, or 0 when the model is unknown.
func ContextWindow(model string) int {
	_, modelID, err := ParseModel(model)
	if err != nil {
		return 0
	}
	catalogMu.Lock()
	defer catalogMu.Unlock()
	best := 0
	bestLen := -1
	for _, e := range contextWindows {
		if strings.HasPrefix(modelID, e.prefix) && len(e.prefix) > bestLen {
			best = e.window
			bestLen = len(e.prefix)
		}
	}
	return best
}

// Known reports whether the model resolves to a catalogued context window.
func Known(model string) bool { return ContextWindow(model) > 0 }
