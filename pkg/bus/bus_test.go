package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/redis"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, redis.NewKeys("tempo"))
}

func waitForEvent(t *testing.T, sub *Subscription) models.Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return models.Event{}
	}
}

func TestBusDeliversToSubscriber(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub := b.Subscribe(ctx, "acme")
	defer func() { _ = sub.Close() }()

	// Subscription setup races the publish on a fresh connection.
	time.Sleep(50 * time.Millisecond)

	sent := models.NewEvent("STEP_DONE", "search", "acme", "s1", map[string]any{"n": float64(1)})
	sent.Tick = 7
	require.NoError(t, b.Publish(ctx, "acme", sent))

	got := waitForEvent(t, sub)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, int64(7), got.Tick)
	assert.Equal(t, float64(1), got.Payload["n"])
}

func TestBusPreservesPublisherOrder(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub := b.Subscribe(ctx, "acme")
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	for i := 1; i <= 10; i++ {
		event := models.NewEvent("STEP_DONE", "search", "acme", "s1", nil)
		event.Tick = int64(i)
		require.NoError(t, b.Publish(ctx, "acme", event))
	}

	for i := 1; i <= 10; i++ {
		assert.Equal(t, int64(i), waitForEvent(t, sub).Tick)
	}
}

func TestBusTenantIsolation(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	acme := b.Subscribe(ctx, "acme")
	defer func() { _ = acme.Close() }()
	globex := b.Subscribe(ctx, "globex")
	defer func() { _ = globex.Close() }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, "acme", models.NewEvent("ABORT", "dispatcher", "acme", "s1", nil)))

	assert.Equal(t, "ABORT", waitForEvent(t, acme).Type)
	select {
	case event := <-globex.Events():
		t.Fatalf("globex subscriber received foreign event %s", event.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscriptionCloseClosesChannel(t *testing.T) {
	b := newTestBus(t)

	sub := b.Subscribe(context.Background(), "acme")
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close")
	}
}
