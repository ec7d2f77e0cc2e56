package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/fieldscribe/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by [Registry.CreateLLM] for a name
// without a factory.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds the annotation model client described by a config entry.
type LLMFactory func(ProviderEntry) (llm.Provider, error)

// Registry resolves annotation.llm entries to model clients. The command
// registers the built-in vendors; tests register fakes. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]LLMFactory
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: map[string]LLMFactory{}}
}

// RegisterLLM installs factory under name, replacing any earlier one.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
}

// CreateLLM builds the client for entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory := r.factories[entry.Name]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: llm %q (have %v)", ErrProviderNotRegistered, entry.Name, r.LLMNames())
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: llm %q model %q: %w", entry.Name, entry.Model, err)
	}
	return p, nil
}

// LLMNames returns the registered names, sorted.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}
