package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/core"
)

func newRouterWith(t *testing.T, cfg RouterConfig, providers ...Provider) *Router {
	t.Helper()
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	for _, p := range providers {
		cfg.Registry.Register(p)
	}
	router, err := NewRouter(cfg)
	require.NoError(t, err)
	return router
}

func okProvider(name string, content string) *MockProvider {
	return &MockProvider{
		ProviderName: name,
		Caps:         Capabilities{SupportsTemperature: true, DefaultTemperature: 0.7},
		Response:     &ChatResponse{Content: content},
	}
}

func TestRouteChatFailoverWithWarnings(t *testing.T) {
	openai := &MockProvider{
		ProviderName: "openai",
		Caps:         Capabilities{SupportsTemperature: true},
		Err:          &ProviderError{Provider: "openai", Status: 401, Message: "missing API key"},
	}
	mistral := okProvider("mistral", "ok")

	router := newRouterWith(t, RouterConfig{Enabled: []string{"openai", "mistral"}}, openai, mistral)

	resp, err := router.RouteChat(context.Background(), &ChatRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "mistral", resp.Provider)
	assert.Equal(t, "ok", resp.Content)
	assert.Contains(t, resp.Warnings, "openai: missing API key")
	assert.Equal(t, 1, openai.Calls())
	assert.Equal(t, 1, mistral.Calls())
}

func TestRouteChatNoProvidersEnabled(t *testing.T) {
	router := newRouterWith(t, RouterConfig{})
	_, err := router.RouteChat(context.Background(), &ChatRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, core.ErrNoProvidersEnabled)
}

func TestRouteChatProviderHint(t *testing.T) {
	a := okProvider("alpha", "from alpha")
	b := okProvider("beta", "from beta")
	router := newRouterWith(t, RouterConfig{Enabled: []string{"alpha", "beta"}}, a, b)

	t.Run("hint selects exactly that provider", func(t *testing.T) {
		resp, err := router.RouteChat(context.Background(), &ChatRequest{Prompt: "hi", Provider: "Beta"})
		require.NoError(t, err)
		assert.Equal(t, "beta", resp.Provider)
		assert.Zero(t, a.Calls())
	})

	t.Run("hint outside enabled set", func(t *testing.T) {
		_, err := router.RouteChat(context.Background(), &ChatRequest{Prompt: "hi", Provider: "gamma"})
		assert.ErrorIs(t, err, core.ErrProviderNotEnabled)
	})

	t.Run("invalid hint charset", func(t *testing.T) {
		_, err := router.RouteChat(context.Background(), &ChatRequest{Prompt: "hi", Provider: "bad name!"})
		assert.ErrorIs(t, err, core.ErrInvalidProvider)
	})
}

func TestRouteChatRoutingModeOrdering(t *testing.T) {
	var order []string
	record := func(name string) *MockProvider {
		return &MockProvider{
			ProviderName: name,
			ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
				order = append(order, name)
				return nil, &ProviderError{Provider: name, Status: 500, Message: "down", Retryable: true}
			},
		}
	}

	router := newRouterWith(t, RouterConfig{
		Enabled:         []string{"a", "b", "c"},
		RoutingPriority: map[string][]string{ModeLowCost: {"c", "missing", "a"}},
	}, record("a"), record("b"), record("c"))

	_, err := router.RouteChat(context.Background(), &ChatRequest{Prompt: "hi", RoutingMode: ModeLowCost})
	require.Error(t, err)

	// Priority intersected with enabled, then remaining enabled appended.
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestRouteChatAllProvidersFailedStatus(t *testing.T) {
	failing := func(name string, status int) *MockProvider {
		return &MockProvider{
			ProviderName: name,
			Err:          &ProviderError{Provider: name, Status: status, Message: "nope"},
		}
	}

	t.Run("first 4xx wins", func(t *testing.T) {
		router := newRouterWith(t, RouterConfig{Enabled: []string{"a", "b", "c"}},
			failing("a", 500), failing("b", 401), failing("c", 403))
		_, err := router.RouteChat(context.Background(), &ChatRequest{Prompt: "hi"})
		var all *AllProvidersFailedError
		require.ErrorAs(t, err, &all)
		assert.ErrorIs(t, err, core.ErrAllProvidersFailed)
		assert.Equal(t, 401, all.Status)
		assert.Len(t, all.Attempts, 3)
	})

	t.Run("last status when no 4xx", func(t *testing.T) {
		router := newRouterWith(t, RouterConfig{Enabled: []string{"a", "b"}},
			failing("a", 500), failing("b", 503))
		_, err := router.RouteChat(context.Background(), &ChatRequest{Prompt: "hi"})
		var all *AllProvidersFailedError
		require.ErrorAs(t, err, &all)
		assert.Equal(t, 503, all.Status)
	})

	t.Run("502 when no status at all", func(t *testing.T) {
		router := newRouterWith(t, RouterConfig{Enabled: []string{"a"}},
			&MockProvider{ProviderName: "a", Err: assertableErr("socket closed")})
		_, err := router.RouteChat(context.Background(), &ChatRequest{Prompt: "hi"})
		var all *AllProvidersFailedError
		require.ErrorAs(t, err, &all)
		assert.Equal(t, 502, all.Status)
	})
}

func TestCapabilityShaping(t *testing.T) {
	temp := func(v float64) *float64 { return &v }

	t.Run("unsupported temperature stripped with warning", func(t *testing.T) {
		var got *ChatRequest
		p := &MockProvider{
			ProviderName: "plain",
			Caps:         Capabilities{SupportsTemperature: false},
			ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
				got = req
				return &ChatResponse{Content: "ok"}, nil
			},
		}
		router := newRouterWith(t, RouterConfig{Enabled: []string{"plain"}}, p)
		resp, err := router.RouteChat(context.Background(), &ChatRequest{Prompt: "hi", Temperature: temp(1.2)})
		require.NoError(t, err)
		assert.Nil(t, got.Temperature)
		assert.Contains(t, resp.Warnings, "plain: temperature not supported, ignoring")
	})

	t.Run("out of range temperature rejected", func(t *testing.T) {
		router := newRouterWith(t, RouterConfig{Enabled: []string{"plain"}}, okProvider("plain", "ok"))
		_, err := router.RouteChat(context.Background(), &ChatRequest{Prompt: "hi", Temperature: temp(2.5)})
		assert.ErrorIs(t, err, core.ErrInvalidTemperature)

		_, err = router.RouteChat(context.Background(), &ChatRequest{Prompt: "hi", Temperature: temp(-0.1)})
		assert.ErrorIs(t, err, core.ErrInvalidTemperature)
	})

	t.Run("configured default preferred over provider default", func(t *testing.T) {
		var got *ChatRequest
		p := &MockProvider{
			ProviderName: "warm",
			Caps:         Capabilities{SupportsTemperature: true, DefaultTemperature: 0.7},
			ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
				got = req
				return &ChatResponse{Content: "ok"}, nil
			},
		}
		router := newRouterWith(t, RouterConfig{
			Enabled:      []string{"warm"},
			Temperatures: map[string]float64{"warm": 0.2},
		}, p)
		_, err := router.RouteChat(context.Background(), &ChatRequest{Prompt: "hi"})
		require.NoError(t, err)
		require.NotNil(t, got.Temperature)
		assert.InDelta(t, 0.2, *got.Temperature, 1e-9)
	})

	t.Run("provider default when nothing configured", func(t *testing.T) {
		var got *ChatRequest
		p := &MockProvider{
			ProviderName: "warm",
			Caps:         Capabilities{SupportsTemperature: true, DefaultTemperature: 0.7},
			ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
				got = req
				return &ChatResponse{Content: "ok"}, nil
			},
		}
		router := newRouterWith(t, RouterConfig{Enabled: []string{"warm"}}, p)
		_, err := router.RouteChat(context.Background(), &ChatRequest{Prompt: "hi"})
		require.NoError(t, err)
		require.NotNil(t, got.Temperature)
		assert.InDelta(t, 0.7, *got.Temperature, 1e-9)
	})

	t.Run("caller request never mutated", func(t *testing.T) {
		router := newRouterWith(t, RouterConfig{Enabled: []string{"plain"}},
			&MockProvider{ProviderName: "plain", Response: &ChatResponse{Content: "ok"}})
		req := &ChatRequest{Prompt: "hi", Temperature: temp(1.0)}
		_, err := router.RouteChat(context.Background(), req)
		require.NoError(t, err)
		require.NotNil(t, req.Temperature)
		assert.InDelta(t, 1.0, *req.Temperature, 1e-9)
	})
}

func TestRouterGenerate(t *testing.T) {
	router := newRouterWith(t, RouterConfig{Enabled: []string{"alpha"}}, okProvider("alpha", "answer"))
	out, err := router.Generate(context.Background(), "question", nil)
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
}

type assertableErr string

func (e assertableErr) Error() string { return string(e) }
