package model

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Capability is a feature a model may or may not support.
type Capability string

const (
	CapabilityToolUse  Capability = "tool_use"
	CapabilityThinking Capability = "thinking"
	CapabilityVision   Capability = "vision"
)

// ModelInfo describes one model offered by a provider.
type ModelInfo struct {
	ID            string
	Name          string
	ContextWindow int
	MaxOutput     int
	Capabilities  []Capability
}

func (m ModelInfo) Supports(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ProviderOption overrides an adapter's default transport settings.
type ProviderOption func(*providerSettings)

type providerSettings struct {
	baseURL string
}

// WithProviderBaseURL points the adapter at a different endpoint, for
// gateways, proxies, and tests.
func WithProviderBaseURL(url string) ProviderOption {
	return func(s *providerSettings) { s.baseURL = url }
}

func resolveProviderSettings(opts []ProviderOption) providerSettings {
	var s providerSettings
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Provider is a single LLM vendor endpoint.
type Provider interface {
	// Name returns the stable provider identifier, e.g. "anthropic".
	Name() string

	// Models lists the models this provider serves.
	Models() []ModelInfo

	// DefaultModel returns the model used when the caller picks none.
	DefaultModel() string

	// Supports reports whether the given model has the capability.
	Supports(modelID string, c Capability) bool

	// Complete performs a blocking request and returns the full response.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream performs a streaming request. Chunks arrive on the returned
	// stream; the terminal error, if any, is available from Err after the
	// chunk channel closes.
	Stream(ctx context.Context, req *Request) (*ChunkStream, error)

	// TestKey verifies the configured credentials with a minimal request.
	TestKey(ctx context.Context) error
}

// Registry holds the configured providers and the active default.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defName   string
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.defName == "" {
		r.defName = p.Name()
	}
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defName == "" {
		return nil, fmt.Errorf("no providers registered")
	}
	return r.providers[r.defName], nil
}

func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("unknown provider %q", name)
	}
	r.defName = name
	return nil
}

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
