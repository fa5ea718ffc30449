package events

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tempoworks/tempo/pkg/redis"
)

// tickTTL bounds counter lifetime; well past any session TTL so ticks
// stay monotonic across pauses.
const tickTTL = 7 * 24 * time.Hour

// Ticker hands out the per-session monotonic tick. Redis INCR makes it
// race-free across process instances.
type Ticker struct {
	client *goredis.Client
	keys   redis.Keys
}

// NewTicker creates a ticker over the shared Redis client.
func NewTicker(client *goredis.Client, keys redis.Keys) *Ticker {
	return &Ticker{client: client, keys: keys}
}

// Next returns the next tick for a session.
func (t *Ticker) Next(ctx context.Context, tenantID, sessionID string) (int64, error) {
	key := t.keys.TickCounter(tenantID, sessionID)
	tick, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment tick counter: %w", err)
	}
	// Refresh lifetime on every use; failure only shortens counter life.
	t.client.Expire(ctx, key, tickTTL)
	return tick, nil
}
