package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Type identifies a concrete provider implementation.
type Type string

const (
	TypeOpenAI      Type = "openai"
	TypeAzureOpenAI Type = "azure_openai"
	TypeAnthropic   Type = "anthropic"
	TypeStatic      Type = "static"
)

// TokenSource yields the API key for a provider.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config is the already-resolved configuration for one provider slot.
type Config struct {
	Type           Type
	Model          string
	EmbeddingModel string
	BaseURL        string
	APIVersion     string
	// KeyParameter is the secret store name holding the API key.
	KeyParameter string
	Tokens       TokenSource
	MaxTokens    int
	Temperature  float32
	Policy       Policy
	Workers      int64
}

// Factory builds a provider from its resolved configuration.
type Factory func(cfg Config) (Provider, error)

// Registry maps provider types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Type]Factory
}

// NewRegistry returns a registry with the static provider pre-registered.
func NewRegistry() *Registry {
	r := &Registry{factories: map[Type]Factory{}}
	r.Register(TypeStatic, func(Config) (Provider, error) { return Static{}, nil })
	return r
}

// Register binds t to f, replacing any previous factory.
func (r *Registry) Register(t Type, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// New builds the provider registered for cfg.Type.
func (r *Registry) New(cfg Config) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider: unknown provider type %q (registered: %v)", cfg.Type, r.Types())
	}
	p, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("provider: build %s: %w", cfg.Type, err)
	}
	return p, nil
}

// Types lists registered provider types in sorted order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
