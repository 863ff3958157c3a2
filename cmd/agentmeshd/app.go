package main

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/ai"
	"github.com/agentmesh/agentmesh/bus"
	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/graph"
	"github.com/agentmesh/agentmesh/orchestration"
	"github.com/agentmesh/agentmesh/plan"
	"github.com/agentmesh/agentmesh/policy"
	"github.com/agentmesh/agentmesh/resilience"
	"github.com/agentmesh/agentmesh/stream"
)

// App assembles the control plane: plan store, factory, message bus,
// provider router, resilience layer, event streaming, and policy cache,
// all behind one HTTP server.
type App struct {
	cfg    *Config
	logger core.Logger

	store     *plan.Store
	factory   *orchestration.PlanFactory
	msgBus    bus.Bus
	registry  *ai.Registry
	router    *ai.Router
	coalescer *resilience.Coalescer
	eventLog  *stream.EventLog
	sse       *stream.SSEHandler
	decisions *policy.DecisionCache

	redisClients []*core.RedisClient
	server       *http.Server

	mu   sync.RWMutex
	runs map[string]*execution
}

// execution tracks one plan run for the status endpoint.
type execution struct {
	PlanID     string     `json:"planId"`
	Goal       string     `json:"goal"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// NewApp wires the application from config. Components that need Redis
// degrade to their in-process variants when no URL is configured.
func NewApp(cfg *Config, logger core.Logger) (*App, error) {
	app := &App{
		cfg:    cfg,
		logger: core.EnsureLogger(logger),
		runs:   make(map[string]*execution),
	}

	app.store = plan.NewStore(cfg.Plans.Path, logger)
	if err := app.store.Load(); err != nil {
		return nil, err
	}

	if err := app.buildBus(); err != nil {
		return nil, err
	}
	if err := app.buildAI(); err != nil {
		app.closeClients()
		return nil, err
	}
	if err := app.buildPolicy(); err != nil {
		app.closeClients()
		return nil, err
	}

	app.eventLog = stream.NewEventLog(cfg.HTTP.SSE.HistorySize, logger)
	sse, err := stream.NewSSEHandler(stream.SSEConfig{
		Log:               app.eventLog,
		PerIP:             cfg.HTTP.SSE.PerIP,
		PerSubject:        cfg.HTTP.SSE.PerSubject,
		SubjectFn:         subjectFromRequest,
		KeepAliveInterval: time.Duration(cfg.HTTP.SSE.KeepAliveSeconds) * time.Second,
		Logger:            logger,
	})
	if err != nil {
		app.closeClients()
		return nil, err
	}
	app.sse = sse

	factory, err := orchestration.NewPlanFactory(orchestration.Config{
		Store:  app.store,
		Caller: app.msgBus,
		Chat: &coalescingChat{
			router:    app.router,
			coalescer: app.coalescer,
		},
		Logger: logger,
		Observer: func(def *plan.Definition, executionID string) graph.Observer {
			return stream.NewGraphObserver(app.eventLog, def, executionID)
		},
		OnPlanCreated: func(instance *orchestration.Instance) {
			stream.PublishQueued(app.eventLog, instance.Definition, instance.ExecutionID)
		},
	})
	if err != nil {
		app.closeClients()
		return nil, err
	}
	app.factory = factory

	app.server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app, nil
}

// buildBus selects the local or distributed bus by configuration.
func (a *App) buildBus() error {
	if a.cfg.Redis.URL == "" {
		a.msgBus = bus.NewLocalBus(a.logger)
		return nil
	}

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  a.cfg.Redis.URL,
		DB:        core.RedisDBBus,
		Namespace: bus.DefaultChannelPrefix,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}
	a.redisClients = append(a.redisClients, client)

	distributed, err := bus.NewDistributedBus(bus.DistributedConfig{
		Redis:  client,
		Logger: a.logger,
	})
	if err != nil {
		return err
	}
	a.msgBus = distributed
	return nil
}

// buildAI wires the provider registry, router, optimizer, and the shared
// resilience layer in front of provider calls.
func (a *App) buildAI() error {
	var limitStore resilience.LimitStore
	if a.cfg.Redis.URL != "" {
		client, err := core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  a.cfg.Redis.URL,
			DB:        core.RedisDBRateLimiting,
			Namespace: "ratelimit",
			Logger:    a.logger,
		})
		if err != nil {
			return err
		}
		a.redisClients = append(a.redisClients, client)
		limitStore = resilience.NewRedisLimitStore(client)
	}

	limiter, err := resilience.NewRateLimiter(resilience.RateLimiterConfig{
		MaxRequests: a.cfg.RateLimit.MaxRequests,
		Window:      a.cfg.RateLimit.Window(),
		Store:       limitStore,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}

	breaker, err := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: a.cfg.Breaker.FailureThreshold,
		Window:           time.Duration(a.cfg.Breaker.WindowSeconds) * time.Second,
		ResetTimeout:     time.Duration(a.cfg.Breaker.ResetTimeoutSeconds) * time.Second,
		Logger:           a.logger,
	})
	if err != nil {
		return err
	}

	a.coalescer = resilience.NewCoalescer(resilience.CoalescerConfig{
		Window:       time.Duration(a.cfg.Coalescer.WindowSeconds) * time.Second,
		MaxCoalesced: a.cfg.Coalescer.MaxCoalesced,
		Logger:       a.logger,
	})

	a.registry = ai.NewRegistry()
	for _, name := range a.cfg.Providers.Enabled {
		if provider := builtinProvider(name); provider != nil {
			a.registry.Register(provider)
			continue
		}
		// Concrete provider clients register themselves at startup; an
		// enabled name without one routes to its failure path.
		a.logger.Warn("Enabled provider has no registered client", map[string]interface{}{
			"provider": name,
		})
	}

	router, err := ai.NewRouter(ai.RouterConfig{
		Registry:        a.registry,
		Enabled:         a.cfg.Providers.Enabled,
		RoutingPriority: a.cfg.Providers.RoutingPriority,
		DefaultMode:     a.cfg.Providers.DefaultMode,
		Temperatures:    a.cfg.Providers.Temperatures,
		Limiter:         limiter,
		Breaker:         breaker,
		Optimizer:       ai.NewPromptOptimizer(ai.OptimizerConfig{Logger: a.logger}),
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}
	a.router = router
	return nil
}

// buildPolicy creates the decision cache, with the shared L2 tier when
// Redis is configured.
func (a *App) buildPolicy() error {
	var client *core.RedisClient
	if a.cfg.Redis.URL != "" {
		c, err := core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  a.cfg.Redis.URL,
			DB:        core.RedisDBPolicyCache,
			Namespace: "policy",
			Logger:    a.logger,
		})
		if err != nil {
			return err
		}
		a.redisClients = append(a.redisClients, c)
		client = c
	}

	cache, err := policy.NewDecisionCache(policy.Config{
		L1Capacity: a.cfg.Policy.L1Capacity,
		TTL:        time.Duration(a.cfg.Policy.TTLSeconds) * time.Second,
		Redis:      client,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	a.decisions = cache
	return nil
}

// Run serves until ctx is canceled, then shuts down in dependency order.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Plans.Watch {
		if err := a.store.Watch(ctx); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", map[string]interface{}{
			"addr": a.cfg.HTTP.Addr,
		})
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.shutdown()
		return err
	case <-ctx.Done():
		a.shutdown()
		return nil
	}
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("HTTP shutdown incomplete", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := a.msgBus.Shutdown(ctx); err != nil && err != core.ErrAlreadyShutdown {
		a.logger.Warn("Bus shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if a.decisions != nil {
		_ = a.decisions.Close()
	}
	a.closeClients()
	a.logger.Info("Shutdown complete", nil)
}

func (a *App) closeClients() {
	for _, client := range a.redisClients {
		_ = client.Close()
	}
	a.redisClients = nil
}

// builtinProvider returns the bundled development provider for the given
// name, or nil when the name requires an external client.
func builtinProvider(name string) ai.Provider {
	if name != "mock" {
		return nil
	}
	return &ai.MockProvider{
		ProviderName: "mock",
		Caps:         ai.Capabilities{SupportsTemperature: true, DefaultTemperature: 0.7},
		ChatFunc: func(ctx context.Context, req *ai.ChatRequest) (*ai.ChatResponse, error) {
			return &ai.ChatResponse{
				Model:   "mock-1",
				Content: "ack: " + firstLine(req.Prompt),
			}, nil
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// subjectFromRequest extracts the caller identity for the per-subject
// stream quota. Deployments terminate auth upstream and forward the
// subject in a header.
func subjectFromRequest(r *http.Request) string {
	return r.Header.Get("X-Subject")
}

// coalescingChat deduplicates identical in-flight chat requests before
// they reach the router.
type coalescingChat struct {
	router    *ai.Router
	coalescer *resilience.Coalescer
}

func (c *coalescingChat) Generate(ctx context.Context, prompt string, options map[string]interface{}) (string, error) {
	hash, err := resilience.Hash(map[string]interface{}{
		"prompt":  prompt,
		"options": options,
	})
	if err != nil {
		return c.router.Generate(ctx, prompt, options)
	}
	value, _, err := c.coalescer.Do(ctx, hash, func(ctx context.Context) (interface{}, error) {
		return c.router.Generate(ctx, prompt, options)
	})
	if err != nil {
		return "", err
	}
	content, _ := value.(string)
	return content, nil
}

var _ orchestration.ChatGenerator = (*coalescingChat)(nil)

// trackExecution records a run and returns its updater.
func (a *App) trackExecution(executionID string, instance *orchestration.Instance) {
	a.mu.Lock()
	a.runs[executionID] = &execution{
		PlanID:    instance.Definition.ID,
		Goal:      instance.Goal,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	a.mu.Unlock()
}

func (a *App) finishExecution(executionID string, runErr error, success bool) {
	now := time.Now().UTC()
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.runs[executionID]
	if !ok {
		return
	}
	run.FinishedAt = &now
	switch {
	case runErr != nil:
		run.Status = "failed"
		run.Error = runErr.Error()
	case !success:
		run.Status = "failed"
	default:
		run.Status = "completed"
	}
}

func (a *App) executionStatus(executionID string) (*execution, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	run, ok := a.runs[executionID]
	if !ok {
		return nil, false
	}
	snapshot := *run
	return &snapshot, true
}
