package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/core"
)

func TestLocalBusRequestResponse(t *testing.T) {
	b := NewLocalBus(nil)
	ctx := context.Background()

	require.NoError(t, b.RegisterHandler(ctx, "echo", TypeRequest,
		func(ctx context.Context, msg *Message) (interface{}, error) {
			return msg.Payload, nil
		}))

	reply, err := b.Request(ctx, "caller", "echo", "ping", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", reply)

	m := b.Metrics()
	assert.Equal(t, uint64(1), m.Sent)
	assert.Equal(t, uint64(1), m.Delivered)
}

func TestLocalBusRequestErrorSanitized(t *testing.T) {
	b := NewLocalBus(nil)
	ctx := context.Background()

	require.NoError(t, b.RegisterHandler(ctx, "bad", TypeRequest,
		func(ctx context.Context, msg *Message) (interface{}, error) {
			return nil, errors.New("secret internal state")
		}))

	_, err := b.Request(ctx, "caller", "bad", nil, time.Second)
	require.Error(t, err)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Request processing failed", remote.Message)
}

func TestLocalBusRequestTimeoutPassesThrough(t *testing.T) {
	b := NewLocalBus(nil)
	ctx := context.Background()

	require.NoError(t, b.RegisterHandler(ctx, "slow", TypeRequest,
		func(ctx context.Context, msg *Message) (interface{}, error) {
			return nil, core.ErrRequestTimeout
		}))

	_, err := b.Request(ctx, "caller", "slow", nil, time.Second)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, core.ErrRequestTimeout.Error(), remote.Message)
}

func TestLocalBusRequestNoHandler(t *testing.T) {
	b := NewLocalBus(nil)
	ctx := context.Background()
	require.NoError(t, b.RegisterAgent(ctx, "mute"))

	_, err := b.Request(ctx, "caller", "mute", nil, time.Second)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, core.ErrNoHandler.Error(), remote.Message)
}

func TestLocalBusRequestUnknownAgent(t *testing.T) {
	b := NewLocalBus(nil)
	_, err := b.Request(context.Background(), "caller", "ghost", nil, time.Second)
	assert.ErrorIs(t, err, core.ErrUnknownAgent)
}

func TestLocalBusRequestTimesOut(t *testing.T) {
	b := NewLocalBus(nil)
	ctx := context.Background()

	release := make(chan struct{})
	require.NoError(t, b.RegisterHandler(ctx, "stuck", TypeRequest,
		func(ctx context.Context, msg *Message) (interface{}, error) {
			<-release
			return "late", nil
		}))

	start := time.Now()
	_, err := b.Request(ctx, "caller", "stuck", nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrRequestTimeout)
	assert.Less(t, time.Since(start), time.Second)
	close(release)
}

func TestLocalBusBroadcastSkipsSender(t *testing.T) {
	b := NewLocalBus(nil)
	ctx := context.Background()

	var mu sync.Mutex
	received := map[string]int{}
	handler := func(agentID string) Handler {
		return func(ctx context.Context, msg *Message) (interface{}, error) {
			mu.Lock()
			received[agentID]++
			mu.Unlock()
			return nil, nil
		}
	}
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.RegisterHandler(ctx, id, TypeBroadcast, handler(id)))
	}

	_, err := b.Send(ctx, &Message{Type: TypeBroadcast, From: "a", Payload: "hello"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received["b"] == 1 && received["c"] == 1 && received["a"] == 0
	}, time.Second, 10*time.Millisecond)
}

func TestLocalBusMultiRecipientSend(t *testing.T) {
	b := NewLocalBus(nil)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	handler := func(agentID string) Handler {
		return func(ctx context.Context, msg *Message) (interface{}, error) {
			mu.Lock()
			got = append(got, agentID)
			mu.Unlock()
			return nil, nil
		}
	}
	require.NoError(t, b.RegisterHandler(ctx, "a", TypeNotify, handler("a")))
	require.NoError(t, b.RegisterHandler(ctx, "b", TypeNotify, handler("b")))

	id, err := b.Send(ctx, &Message{Type: TypeNotify, From: "x", To: Recipients{"a", "b"}, Payload: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestLocalBusExpiredMessageDropped(t *testing.T) {
	b := NewLocalBus(nil)
	ctx := context.Background()

	called := false
	require.NoError(t, b.RegisterHandler(ctx, "a", TypeNotify,
		func(ctx context.Context, msg *Message) (interface{}, error) {
			called = true
			return nil, nil
		}))

	_, err := b.Send(ctx, &Message{
		Type:      TypeNotify,
		From:      "x",
		To:        Recipients{"a"},
		Timestamp: time.Now().Add(-time.Minute),
		TTLMs:     100,
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, called)
	assert.Equal(t, uint64(1), b.Metrics().Expired)
}

func TestLocalBusUnregisterAgent(t *testing.T) {
	b := NewLocalBus(nil)
	ctx := context.Background()

	require.NoError(t, b.RegisterAgent(ctx, "a"))
	require.NoError(t, b.RegisterAgent(ctx, "a")) // idempotent
	require.NoError(t, b.UnregisterAgent(ctx, "a"))
	assert.ErrorIs(t, b.UnregisterAgent(ctx, "a"), core.ErrAgentNotRegistered)

	_, err := b.Send(ctx, &Message{Type: TypeNotify, From: "x", To: Recipients{"a"}})
	assert.ErrorIs(t, err, core.ErrUnknownAgent)
}

func TestLocalBusShutdown(t *testing.T) {
	b := NewLocalBus(nil)
	ctx := context.Background()

	release := make(chan struct{})
	require.NoError(t, b.RegisterHandler(ctx, "stuck", TypeRequest,
		func(ctx context.Context, msg *Message) (interface{}, error) {
			<-release
			return nil, nil
		}))

	errs := make(chan error, 1)
	go func() {
		_, err := b.Request(ctx, "caller", "stuck", nil, 10*time.Second)
		errs <- err
	}()

	// Give the request time to register its pending entry.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Shutdown(ctx))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, core.ErrBusShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("pending request not rejected on shutdown")
	}
	close(release)

	assert.ErrorIs(t, b.Shutdown(ctx), core.ErrAlreadyShutdown)

	_, err := b.Send(ctx, &Message{Type: TypeNotify, From: "x", To: Recipients{"a"}})
	assert.ErrorIs(t, err, core.ErrBusShuttingDown)

	_, err = b.Request(ctx, "caller", "stuck", nil, time.Second)
	assert.ErrorIs(t, err, core.ErrBusShuttingDown)
}

func TestRequestTrackerLateCompletionDropped(t *testing.T) {
	tr := newRequestTracker()
	ch, err := tr.add("c1")
	require.NoError(t, err)

	tr.remove("c1")
	assert.False(t, tr.complete("c1", "late", nil))
	select {
	case <-ch:
		t.Fatal("removed entry must not receive an outcome")
	default:
	}
}

func TestRegisteredAgents(t *testing.T) {
	b := NewLocalBus(nil)
	ctx := context.Background()
	require.NoError(t, b.RegisterAgent(ctx, "a"))
	require.NoError(t, b.RegisterAgent(ctx, "b"))

	ids, err := b.RegisteredAgents(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
