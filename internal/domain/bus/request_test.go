package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/plughost/internal/domain/capability"
)

func TestRequest_NoResponders(t *testing.T) {
	t.Parallel()

	start := time.Now()
	_, err := New().Request(context.Background(), "", "nobody.home", nil, 5*time.Second)

	require.ErrorIs(t, err, ErrNoResponders)
	assert.Contains(t, err.Error(), "no responders")
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRequest_Timeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	_, err := b.Subscribe(ctx, "slow", "t", func(context.Context, *Message) (interface{}, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Request(ctx, "", "t", nil, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestRequest_FirstSettlementWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	firstDone := make(chan struct{})

	_, err := b.Subscribe(ctx, "first", "calc", func(context.Context, *Message) (interface{}, error) {
		defer close(firstDone)
		time.Sleep(40 * time.Millisecond)
		return "first", nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "second", "calc", func(_ context.Context, msg *Message) (interface{}, error) {
		msg.Reply("second")
		return nil, nil
	})
	require.NoError(t, err)

	v, err := b.Request(ctx, "", "calc", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second", v)

	<-firstDone
}

func TestRequest_FailingResponderDoesNotFailRequest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()

	_, err := b.Subscribe(ctx, "broken", "q", func(context.Context, *Message) (interface{}, error) {
		return nil, errors.New("broken")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "panics", "q", func(context.Context, *Message) (interface{}, error) {
		panic("nope")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "ok", "q", func(_ context.Context, msg *Message) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return msg.Payload.(int) * 2, nil
	})
	require.NoError(t, err)

	v, err := b.Request(ctx, "", "q", 21, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRequest_ReplyAfterCompletionIsHarmless(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	late := make(chan func(interface{}), 1)

	_, err := b.Subscribe(ctx, "a", "q", func(_ context.Context, msg *Message) (interface{}, error) {
		late <- msg.Reply
		return "now", nil
	})
	require.NoError(t, err)

	v, err := b.Request(ctx, "", "q", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "now", v)

	reply := <-late
	assert.NotPanics(t, func() {
		reply("again")
		reply("and again")
	})
}

func TestRequest_ContextCanceled(t *testing.T) {
	t.Parallel()

	b := New()
	var handlerCtx context.Context
	ready := make(chan struct{})

	_, err := b.Subscribe(context.Background(), "a", "q", func(ctx context.Context, _ *Message) (interface{}, error) {
		handlerCtx = ctx
		close(ready)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-ready
		cancel()
	}()

	_, err = b.Request(ctx, "", "q", nil, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Eventually(t, func() bool { return handlerCtx.Err() != nil }, time.Second, 5*time.Millisecond)
}

func TestRequest_DefaultTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New(WithRequestTimeout(30 * time.Millisecond))
	_, err := b.Subscribe(ctx, "silent", "q", func(context.Context, *Message) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)

	_, err = b.Request(ctx, "", "q", nil, 0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRequest_ReplyNilAnswersAtOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	_, err := b.Subscribe(ctx, "void", "q", func(_ context.Context, msg *Message) (interface{}, error) {
		msg.Reply(nil)
		return nil, nil
	})
	require.NoError(t, err)

	start := time.Now()
	v, err := b.Request(ctx, "", "q", nil, 5*time.Second)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRequest_AuthorizeAs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	policy := capability.NewTopicPolicyBuilder().
		Allow("caller", capability.ActionRPC, "svc.*").
		Build()
	b := New(WithAuthorizer(policy))
	_, err := b.Subscribe(ctx, "", "svc.echo", func(_ context.Context, msg *Message) (interface{}, error) {
		return msg.Payload, nil
	})
	require.NoError(t, err)

	_, err = b.Request(ctx, "caller", "svc.echo", "hi", time.Second)
	assert.ErrorIs(t, err, ErrAuthorizationDenied)

	v, err := b.Request(ctx, "caller", "svc.echo", "hi", time.Second, AuthorizeAs(capability.ActionRPC))
	require.NoError(t, err)
	assert.Equal(t, "hi", v)

	_, err = b.Request(ctx, "caller", "admin.reset", nil, time.Second, AuthorizeAs(capability.ActionRPC))
	assert.ErrorIs(t, err, ErrAuthorizationDenied)
}

type countingMetrics struct {
	mu        sync.Mutex
	published map[string]int
	errors    map[string]int
	requests  map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		published: make(map[string]int),
		errors:    make(map[string]int),
		requests:  make(map[string]int),
	}
}

func (m *countingMetrics) IncPublished(plugin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[plugin]++
}

func (m *countingMetrics) IncHandlerErrors(plugin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[plugin]++
}

func (m *countingMetrics) IncRequests(plugin, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[plugin+"/"+outcome]++
}

func TestMetrics_LabelledByPlugin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newCountingMetrics()
	b := New(WithMetrics(m))
	_, err := b.Subscribe(ctx, "audit", "orders.*", func(context.Context, *Message) (interface{}, error) {
		return nil, errors.New("disk full")
	})
	require.NoError(t, err)

	for _, topic := range []string{"orders.1", "orders.2", "orders.3"} {
		require.NoError(t, b.Publish(ctx, "shop", topic, nil))
	}
	require.NoError(t, b.Publish(ctx, "", "orders.4", nil))
	_, err = b.Request(ctx, "shop", "nobody.home", nil, time.Second)
	require.ErrorIs(t, err, ErrNoResponders)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, map[string]int{"shop": 3, "host": 1}, m.published)
	assert.Equal(t, map[string]int{"audit": 4}, m.errors)
	assert.Equal(t, map[string]int{"shop/no_responders": 1}, m.requests)
}
