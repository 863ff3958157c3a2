package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/core"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "plans.yaml", cfg.Plans.Path)
	assert.True(t, cfg.Plans.Watch)
	assert.Equal(t, []string{"mock"}, cfg.Providers.Enabled)
	assert.Equal(t, 60, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 256, cfg.HTTP.SSE.HistorySize)
}

func TestLoadConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logLevel: debug
http:
  addr: ":9090"
plans:
  path: /etc/agentmesh/plans.yaml
  watch: false
providers:
  enabled: [openai, anthropic]
  defaultMode: low_cost
  routingPriority:
    low_cost: [anthropic, openai]
  temperatures:
    openai: 0.2
rateLimit:
  maxRequests: 10
  windowSeconds: 1
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.False(t, cfg.Plans.Watch)
	assert.Equal(t, []string{"openai", "anthropic"}, cfg.Providers.Enabled)
	assert.Equal(t, []string{"anthropic", "openai"}, cfg.Providers.RoutingPriority["low_cost"])
	assert.Equal(t, 0.2, cfg.Providers.Temperatures["openai"])
	assert.Equal(t, 10, cfg.RateLimit.MaxRequests)

	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("AGENTMESH_HTTP_ADDR", ":7070")
	t.Setenv("AGENTMESH_REDIS_URL", "redis://localhost:6379")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
}

func TestLoadConfigValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  enabled: []
`), 0o644))

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{not yaml"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
