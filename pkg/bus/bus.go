// Package bus implements the tenant-scoped event bus over Redis pub/sub.
// Delivery is at-least-once within a live subscription; missed events are
// not replayed here (replay is served from the event store).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/redis"
)

// Bus publishes and subscribes on per-tenant channels.
type Bus struct {
	client *goredis.Client
	keys   redis.Keys
	logger *slog.Logger
}

// New creates a bus over the shared Redis client.
func New(client *goredis.Client, keys redis.Keys) *Bus {
	return &Bus{
		client: client,
		keys:   keys,
		logger: slog.With("component", "bus"),
	}
}

// Publish broadcasts an event on the tenant channel. It returns only after
// Redis has accepted the message.
func (b *Bus) Publish(ctx context.Context, tenantID string, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.Type, err)
	}
	if err := b.client.Publish(ctx, b.keys.EventsChannel(tenantID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.Type, err)
	}
	return nil
}

// Subscribe opens a subscription on the tenant channel. Events published
// after this call are delivered until Close. The caller owns the
// subscription and must Close it on exit.
func (b *Bus) Subscribe(ctx context.Context, tenantID string) *Subscription {
	pubsub := b.client.Subscribe(ctx, b.keys.EventsChannel(tenantID))

	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan models.Event, 64),
	}
	go sub.pump(b.logger)
	return sub
}

// Subscription is one subscriber's cursor on a tenant channel.
type Subscription struct {
	pubsub *goredis.PubSub
	events chan models.Event
}

// Events yields decoded events. The channel closes when the subscription
// is closed or the connection drops.
func (s *Subscription) Events() <-chan models.Event {
	return s.events
}

// Close releases the subscription deterministically.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// pump decodes raw messages onto the event channel. Decode failures are
// logged and skipped; a malformed message must not kill the subscription.
func (s *Subscription) pump(logger *slog.Logger) {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		var event models.Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			logger.Warn("Dropping undecodable bus message", "channel", msg.Channel, "error", err)
			continue
		}
		s.events <- event
	}
}
