package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh/agentmesh/core"
)

// Config is the daemon configuration, loaded from YAML with environment
// overrides for the values that differ per deployment.
type Config struct {
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	HTTP      HTTPConfig      `yaml:"http"`
	Plans     PlansConfig     `yaml:"plans"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Breaker   BreakerConfig   `yaml:"circuitBreaker"`
	Coalescer CoalescerConfig `yaml:"coalescer"`
	Policy    PolicyConfig    `yaml:"policyCache"`
}

type HTTPConfig struct {
	Addr string    `yaml:"addr"`
	SSE  SSEConfig `yaml:"sse"`
}

type SSEConfig struct {
	HistorySize      int `yaml:"historySize"`
	PerIP            int `yaml:"perIP"`
	PerSubject       int `yaml:"perSubject"`
	KeepAliveSeconds int `yaml:"keepAliveSeconds"`
}

type PlansConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

type RedisConfig struct {
	// URL enables the distributed bus, shared rate limit store, and policy
	// L2 cache. Empty runs everything in-process.
	URL string `yaml:"url"`
}

type ProvidersConfig struct {
	Enabled         []string            `yaml:"enabled"`
	DefaultMode     string              `yaml:"defaultMode"`
	RoutingPriority map[string][]string `yaml:"routingPriority"`
	Temperatures    map[string]float64  `yaml:"temperatures"`
}

type RateLimitConfig struct {
	MaxRequests   int `yaml:"maxRequests"`
	WindowSeconds int `yaml:"windowSeconds"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

type BreakerConfig struct {
	FailureThreshold    int `yaml:"failureThreshold"`
	WindowSeconds       int `yaml:"windowSeconds"`
	ResetTimeoutSeconds int `yaml:"resetTimeoutSeconds"`
}

type CoalescerConfig struct {
	WindowSeconds int `yaml:"windowSeconds"`
	MaxCoalesced  int `yaml:"maxCoalesced"`
}

type PolicyConfig struct {
	L1Capacity int `yaml:"l1Capacity"`
	TTLSeconds int `yaml:"ttlSeconds"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr: ":8080",
			SSE: SSEConfig{
				HistorySize:      256,
				PerIP:            5,
				PerSubject:       10,
				KeepAliveSeconds: 15,
			},
		},
		Plans: PlansConfig{
			Path:  "plans.yaml",
			Watch: true,
		},
		Providers: ProvidersConfig{
			Enabled:     []string{"mock"},
			DefaultMode: "balanced",
		},
		RateLimit: RateLimitConfig{
			MaxRequests:   60,
			WindowSeconds: 60,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			WindowSeconds:       30,
			ResetTimeoutSeconds: 15,
		},
		Coalescer: CoalescerConfig{
			WindowSeconds: 5,
			MaxCoalesced:  10,
		},
		Policy: PolicyConfig{
			L1Capacity: 4096,
			TTLSeconds: 60,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays deployment-level environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTMESH_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("AGENTMESH_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AGENTMESH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTMESH_PLANS_PATH"); v != "" {
		cfg.Plans.Path = v
	}
}

// Validate checks the values the component constructors cannot.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required: %w", core.ErrInvalidConfiguration)
	}
	if c.Plans.Path == "" {
		return fmt.Errorf("plans.path is required: %w", core.ErrInvalidConfiguration)
	}
	if len(c.Providers.Enabled) == 0 {
		return fmt.Errorf("providers.enabled must name at least one provider: %w", core.ErrInvalidConfiguration)
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rateLimit needs positive maxRequests and windowSeconds: %w", core.ErrInvalidConfiguration)
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.WindowSeconds <= 0 || c.Breaker.ResetTimeoutSeconds <= 0 {
		return fmt.Errorf("circuitBreaker needs positive threshold, window, and reset timeout: %w", core.ErrInvalidConfiguration)
	}
	return nil
}
