// Package ai routes chat requests across LLM providers: ordered provider
// selection with capability-aware request shaping, failover with
// accumulated warnings, and prompt compression.
package ai

import (
	"context"
	"fmt"
	"sync"
)

// Capabilities declares what a provider's chat endpoint supports.
type Capabilities struct {
	SupportsTemperature bool
	DefaultTemperature  float64
}

// Usage reports token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ChatRequest is one chat completion request. Provider is an optional
// caller hint; RoutingMode selects a priority list when no hint is given.
type ChatRequest struct {
	Prompt      string                 `json:"prompt"`
	Provider    string                 `json:"provider,omitempty"`
	RoutingMode string                 `json:"routingMode,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"maxTokens,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// clone returns a shallow copy so per-provider shaping never mutates the
// caller's request.
func (r *ChatRequest) clone() *ChatRequest {
	cp := *r
	if r.Temperature != nil {
		t := *r.Temperature
		cp.Temperature = &t
	}
	return &cp
}

// ChatResponse is a successful completion, annotated with the provider
// that produced it and any warnings accumulated during routing.
type ChatResponse struct {
	Provider string   `json:"provider"`
	Model    string   `json:"model,omitempty"`
	Content  string   `json:"content"`
	Usage    Usage    `json:"usage"`
	Warnings []string `json:"warnings,omitempty"`
}

// ProviderError describes one provider's failure. Retryable failures (429,
// 5xx, network) feed the circuit breaker; non-retryable ones skip to the
// next provider without a same-provider retry.
type ProviderError struct {
	Provider  string
	Status    int
	Message   string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: %s (status %d)", e.Provider, e.Message, e.Status)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Provider is a single chat backend.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// Registry holds the process-wide provider instances.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register installs a provider under its name, replacing any previous one.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns all registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
