package reliability

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempoworks/tempo/pkg/blackboard"
	"github.com/tempoworks/tempo/pkg/config"
	"github.com/tempoworks/tempo/pkg/events"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/redis"
)

type recordingStore struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingStore) Append(_ context.Context, event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

type nopBus struct{}

func (nopBus) Publish(context.Context, string, models.Event) error { return nil }

func TestHardStopper(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	keys := redis.NewKeys("tempo")
	bb := blackboard.New(client, keys, 30*time.Minute)
	store := &recordingStore{}
	publisher := events.NewPublisher(store, nopBus{}, events.NewTicker(client, keys))
	stopper := NewHardStopper(client, keys, bb, publisher, slog.Default())
	ctx := context.Background()

	aborted, err := stopper.IsAborted(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.False(t, aborted)

	require.NoError(t, stopper.Abort(ctx, "acme", "s1", "trace-1", "user requested stop"))

	aborted, err = stopper.IsAborted(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.True(t, aborted)

	reason, err := stopper.Reason(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.Equal(t, "user requested stop", reason)

	// Running nodes observe the blackboard signal.
	signal, err := bb.GetSignal(ctx, "acme", "s1", "abort")
	require.NoError(t, err)
	assert.True(t, signal)

	// The ABORT event landed in the audit trail.
	require.Len(t, store.events, 1)
	assert.Equal(t, events.TypeAbort, store.events[0].Type)
	assert.Equal(t, "user requested stop", store.events[0].Payload["reason"])

	// Other sessions are unaffected.
	aborted, err = stopper.IsAborted(ctx, "acme", "s2")
	require.NoError(t, err)
	assert.False(t, aborted)
}

func TestRetryPolicy(t *testing.T) {
	defaults := config.RetryConfig{
		MaxAttempts:        3,
		BackoffBaseSeconds: 1,
		BackoffMultiplier:  2,
		MaxBackoffSeconds:  60,
	}
	policy := NewPolicy(defaults)

	t.Run("should retry under the attempt cap", func(t *testing.T) {
		assert.True(t, policy.ShouldRetry("search", 1))
		assert.True(t, policy.ShouldRetry("search", 2))
		assert.False(t, policy.ShouldRetry("search", 3))
	})

	t.Run("delay grows exponentially within jitter bounds", func(t *testing.T) {
		for attempt, base := range map[int]float64{1: 1, 2: 2, 3: 4} {
			d := policy.Delay("search", attempt)
			assert.GreaterOrEqual(t, d, time.Duration(base*0.8*float64(time.Second)))
			assert.LessOrEqual(t, d, time.Duration(base*1.2*float64(time.Second)))
		}
	})

	t.Run("delay is capped", func(t *testing.T) {
		d := policy.Delay("search", 20)
		assert.LessOrEqual(t, d, time.Duration(60*1.2*float64(time.Second)))
	})

	t.Run("per-node override shadows defaults", func(t *testing.T) {
		policy.Override("writer", config.RetryConfig{
			MaxAttempts:        5,
			BackoffBaseSeconds: 0.5,
			BackoffMultiplier:  2,
			MaxBackoffSeconds:  10,
		})
		assert.True(t, policy.ShouldRetry("writer", 4))
		assert.Equal(t, 5, policy.MaxAttempts("writer"))
		assert.Equal(t, 3, policy.MaxAttempts("search"))
	})
}

func TestDigest(t *testing.T) {
	a := Digest(map[string]any{"status": "success", "rows": 3})
	b := Digest(map[string]any{"status": "success", "rows": 3})
	c := Digest(map[string]any{"status": "success", "rows": 4})

	assert.Len(t, a, 16)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
