// Package provider defines the interface and implementations for AI answer
// engine providers, plus the guard chain that wraps every outbound call.
package provider

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Prompt is a single query sent to an answer engine.
type Prompt struct {
	Text        string
	System      string
	MaxTokens   int
	Temperature *float64
}

// Completion is a provider's answer to a prompt.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// Provider defines the interface for answer engine providers.
type Provider interface {
	// Name returns the provider identifier used in config and persistence.
	Name() string
	// Complete sends a prompt and returns the engine's answer.
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// Registry manages available providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
