package providers

import (
	"fmt"
	"sync"
)

// Registry is the closed, startup-validated mapping from tool name to the
// provider that owns it. Unknown combinations are rejected at registration
// time; calling an unregistered tool is a programming error surfaced
// immediately, never retried.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]bool
	tools     map[string]string // tool name -> provider name
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]bool),
		tools:     make(map[string]string),
	}
}

// RegisterProvider declares a provider name. Tools can only be routed to
// declared providers.
func (r *Registry) RegisterProvider(name string) error {
	if name == "" {
		return &ValidationError{Message: "provider name is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.providers[name] {
		return &ValidationError{Message: fmt.Sprintf("provider %s already registered", name)}
	}
	r.providers[name] = true
	return nil
}

// RegisterTool routes a tool name to a declared provider
func (r *Registry) RegisterTool(tool, provider string) error {
	if tool == "" {
		return &ValidationError{Message: "tool name is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.providers[provider] {
		return &ValidationError{Message: fmt.Sprintf("tool %s routed to unknown provider %s", tool, provider)}
	}
	if existing, ok := r.tools[tool]; ok {
		return &ValidationError{Message: fmt.Sprintf("tool %s already routed to provider %s", tool, existing)}
	}
	r.tools[tool] = provider
	return nil
}

// ProviderFor resolves the provider that owns a tool
func (r *Registry) ProviderFor(tool string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.tools[tool]
	if !ok {
		return "", &ValidationError{Message: fmt.Sprintf("unknown tool: %s", tool)}
	}
	return provider, nil
}

// HasProvider reports whether a provider name is declared
func (r *Registry) HasProvider(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}
