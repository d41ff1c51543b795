package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tampabayelite/taylor/pkg/provider/live"
	"github.com/tampabayelite/taylor/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned when no factory is registered under
// the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LiveFactory builds a live provider from its config entry.
type LiveFactory func(ProviderEntry) (live.Provider, error)

// LLMFactory builds a text provider from its config entry.
type LLMFactory func(ProviderEntry) (llm.Provider, error)

// Registry maps provider names to factories. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	live map[string]LiveFactory
	llm  map[string]LLMFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		live: make(map[string]LiveFactory),
		llm:  make(map[string]LLMFactory),
	}
}

// RegisterLive registers a live provider factory, replacing any previous one
// with the same name.
func (r *Registry) RegisterLive(name string, f LiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = f
}

// RegisterLLM registers a text provider factory, replacing any previous one
// with the same name.
func (r *Registry) RegisterLLM(name string, f LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = f
}

// CreateLive builds the live provider named by entry.Name.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	f, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	return f(entry)
}

// CreateLLM builds the text provider named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	f, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return f(entry)
}

// LiveNames returns the registered live provider names, sorted.
func (r *Registry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.live)
}

// LLMNames returns the registered text provider names, sorted.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.llm)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
