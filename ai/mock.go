package ai

import (
	"context"
	"sync/atomic"
)

// MockProvider is a scriptable provider used in tests and local
// development wiring.
type MockProvider struct {
	ProviderName string
	Caps         Capabilities
	Response     *ChatResponse
	Err          error

	// ChatFunc overrides the canned Response/Err when set.
	ChatFunc func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	calls atomic.Int64
}

// Name implements Provider.
func (m *MockProvider) Name() string { return m.ProviderName }

// Capabilities implements Provider.
func (m *MockProvider) Capabilities() Capabilities { return m.Caps }

// Chat implements Provider.
func (m *MockProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.calls.Add(1)
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	resp := *m.Response
	return &resp, nil
}

// Calls returns how many times Chat ran.
func (m *MockProvider) Calls() int { return int(m.calls.Load()) }
