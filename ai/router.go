package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/agentmesh/agentmesh/core"
)

// Routing modes select an ordered provider priority list.
const (
	ModeLowCost     = "low_cost"
	ModeBalanced    = "balanced"
	ModeHighQuality = "high_quality"
)

// providerNamePattern restricts provider hints after lowercasing.
var providerNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Limiter admits calls under a per-key rate window. The resilience rate
// limiter satisfies this.
type Limiter interface {
	Schedule(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Breaker gates calls through a per-key circuit. The resilience circuit
// breaker satisfies this.
type Breaker interface {
	Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// RouterConfig assembles a Router.
type RouterConfig struct {
	Registry *Registry

	// Enabled lists providers eligible for routing, in configured order.
	Enabled []string

	// RoutingPriority maps a routing mode to an ordered provider list.
	RoutingPriority map[string][]string

	// DefaultMode applies when a request names no mode. Defaults to
	// ModeBalanced.
	DefaultMode string

	// Temperatures optionally overrides the default temperature per
	// provider, consulted before the provider's declared default.
	Temperatures map[string]float64

	Limiter   Limiter
	Breaker   Breaker
	Optimizer *PromptOptimizer
	Logger    core.Logger
}

// ProviderFailure records one failed provider attempt during routing.
type ProviderFailure struct {
	Provider  string
	Status    int
	Message   string
	Retryable bool
}

// AllProvidersFailedError aggregates every attempt after the ordered list
// is exhausted. Status is the first 4xx encountered, else the last status,
// else 502.
type AllProvidersFailedError struct {
	Status   int
	Attempts []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed (%d attempts, status %d)", len(e.Attempts), e.Status)
}

func (e *AllProvidersFailedError) Unwrap() error { return core.ErrAllProvidersFailed }

// Router selects providers in priority order and runs each attempt inside
// the shared rate limiter and circuit breaker.
type Router struct {
	registry     *Registry
	enabled      []string
	priority     map[string][]string
	defaultMode  string
	temperatures map[string]float64
	limiter      Limiter
	breaker      Breaker
	optimizer    *PromptOptimizer
	logger       core.Logger
}

// NewRouter creates a router from the config.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("router requires a provider registry: %w", core.ErrInvalidConfiguration)
	}
	mode := cfg.DefaultMode
	if mode == "" {
		mode = ModeBalanced
	}
	return &Router{
		registry:     cfg.Registry,
		enabled:      cfg.Enabled,
		priority:     cfg.RoutingPriority,
		defaultMode:  mode,
		temperatures: cfg.Temperatures,
		limiter:      cfg.Limiter,
		breaker:      cfg.Breaker,
		optimizer:    cfg.Optimizer,
		logger:       core.EnsureLogger(cfg.Logger),
	}, nil
}

// RouteChat tries providers in order until one succeeds. Warnings from
// shaping and failed attempts accumulate onto the winning response.
func (r *Router) RouteChat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	order, err := r.selectProviders(req)
	if err != nil {
		return nil, err
	}

	if r.optimizer != nil {
		req = req.clone()
		req.Prompt = r.optimizer.Optimize(req.Prompt)
	}

	var warnings []string
	var attempts []ProviderFailure

	for _, name := range order {
		provider, ok := r.registry.Get(name)
		if !ok {
			attempts = append(attempts, ProviderFailure{Provider: name, Message: "provider not registered"})
			warnings = append(warnings, name+": provider not registered")
			continue
		}

		shaped, shapeWarnings, err := shapeRequest(provider, req, r.temperatures)
		if err != nil {
			// Temperature validation is caller-fixable; failing over would
			// mask the mistake.
			return nil, err
		}
		warnings = append(warnings, shapeWarnings...)

		resp, err := r.callProvider(ctx, name, provider, shaped)
		if err == nil {
			resp.Provider = name
			resp.Warnings = append(warnings, resp.Warnings...)
			return resp, nil
		}

		failure := toFailure(name, err)
		attempts = append(attempts, failure)
		warnings = append(warnings, name+": "+failure.Message)
		r.logger.Warn("Provider attempt failed", map[string]interface{}{
			"provider":  name,
			"status":    failure.Status,
			"retryable": failure.Retryable,
			"error":     failure.Message,
		})
	}

	return nil, &AllProvidersFailedError{
		Status:   aggregateStatus(attempts),
		Attempts: attempts,
	}
}

// Generate adapts the router to the plan factory's chat interface.
func (r *Router) Generate(ctx context.Context, prompt string, options map[string]interface{}) (string, error) {
	req := &ChatRequest{Prompt: prompt}
	if provider, ok := options["provider"].(string); ok {
		req.Provider = provider
	}
	if mode, ok := options["routingMode"].(string); ok {
		req.RoutingMode = mode
	}
	if temp, ok := options["temperature"].(float64); ok {
		req.Temperature = &temp
	}
	resp, err := r.RouteChat(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// selectProviders resolves the ordered provider list for one request.
func (r *Router) selectProviders(req *ChatRequest) ([]string, error) {
	if len(r.enabled) == 0 {
		return nil, core.ErrNoProvidersEnabled
	}

	if req.Provider != "" {
		hint := strings.ToLower(strings.TrimSpace(req.Provider))
		if !providerNamePattern.MatchString(hint) {
			return nil, fmt.Errorf("provider hint %q: %w", req.Provider, core.ErrInvalidProvider)
		}
		for _, name := range r.enabled {
			if name == hint {
				return []string{hint}, nil
			}
		}
		return nil, fmt.Errorf("provider %q: %w", hint, core.ErrProviderNotEnabled)
	}

	mode := req.RoutingMode
	if mode == "" {
		mode = r.defaultMode
	}

	enabled := make(map[string]bool, len(r.enabled))
	for _, name := range r.enabled {
		enabled[name] = true
	}

	var order []string
	seen := make(map[string]bool)
	for _, name := range r.priority[mode] {
		if enabled[name] && !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}
	for _, name := range r.enabled {
		if !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}
	return order, nil
}

// callProvider runs one attempt inside the rate limiter and breaker when
// configured.
func (r *Router) callProvider(ctx context.Context, name string, provider Provider, req *ChatRequest) (*ChatResponse, error) {
	var resp *ChatResponse

	attempt := func(ctx context.Context) error {
		var err error
		resp, err = provider.Chat(ctx, req)
		return err
	}

	run := attempt
	if r.breaker != nil {
		inner := run
		run = func(ctx context.Context) error {
			return r.breaker.Execute(ctx, name, inner)
		}
	}
	if r.limiter != nil {
		inner := run
		run = func(ctx context.Context) error {
			return r.limiter.Schedule(ctx, name, inner)
		}
	}

	if err := run(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}

// shapeRequest applies the provider's capability declaration to the
// request: unsupported temperatures are stripped with a warning; supported
// ones are validated or defaulted.
func shapeRequest(provider Provider, req *ChatRequest, configured map[string]float64) (*ChatRequest, []string, error) {
	caps := provider.Capabilities()
	shaped := req.clone()
	var warnings []string

	if !caps.SupportsTemperature {
		if shaped.Temperature != nil {
			warnings = append(warnings, provider.Name()+": temperature not supported, ignoring")
			shaped.Temperature = nil
		}
		return shaped, warnings, nil
	}

	if shaped.Temperature != nil {
		t := *shaped.Temperature
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 || t > 2 {
			return nil, nil, fmt.Errorf("temperature %v out of range [0,2]: %w", t, core.ErrInvalidTemperature)
		}
		return shaped, warnings, nil
	}

	if configured != nil {
		if t, ok := configured[provider.Name()]; ok {
			shaped.Temperature = &t
			return shaped, warnings, nil
		}
	}
	t := caps.DefaultTemperature
	shaped.Temperature = &t
	return shaped, warnings, nil
}

// toFailure classifies a provider attempt error.
func toFailure(name string, err error) ProviderFailure {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return ProviderFailure{Provider: name, Status: pe.Status, Message: pe.Message, Retryable: pe.Retryable}
	}
	if errors.Is(err, core.ErrCircuitBreakerOpen) {
		return ProviderFailure{Provider: name, Message: "circuit breaker open", Retryable: true}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, core.ErrTimeout) {
		return ProviderFailure{Provider: name, Message: "provider timeout", Retryable: true}
	}
	return ProviderFailure{Provider: name, Message: err.Error(), Retryable: true}
}

// aggregateStatus picks the failure status reported to the caller: the
// first 4xx, else the last recorded status, else 502.
func aggregateStatus(attempts []ProviderFailure) int {
	last := 0
	for _, a := range attempts {
		if a.Status >= 400 && a.Status < 500 {
			return a.Status
		}
		if a.Status != 0 {
			last = a.Status
		}
	}
	if last != 0 {
		return last
	}
	return 502
}
