// Package redis wraps the go-redis client with the process-wide key
// namespace. Every key the runtime writes goes through Keys so tenant
// scoping stays in one place.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tempoworks/tempo/pkg/config"
)

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Keys builds namespaced key names: {prefix}:{tenant}:<suffix>.
type Keys struct {
	Prefix string
}

// NewKeys returns a key builder for the configured prefix.
func NewKeys(prefix string) Keys {
	return Keys{Prefix: prefix}
}

// EventsChannel is the pub/sub channel carrying a tenant's event stream.
func (k Keys) EventsChannel(tenantID string) string {
	return fmt.Sprintf("%s:%s:events", k.Prefix, tenantID)
}

// SessionHash holds a session's blackboard fields (including the FSM state
// under its reserved field).
func (k Keys) SessionHash(tenantID, sessionID string) string {
	return fmt.Sprintf("%s:%s:session:%s", k.Prefix, tenantID, sessionID)
}

// ArtifactSet tracks the artifact ids written for a session.
func (k Keys) ArtifactSet(tenantID, sessionID string) string {
	return fmt.Sprintf("%s:%s:session:%s:artifacts", k.Prefix, tenantID, sessionID)
}

// ArtifactBlob holds one artifact's content.
func (k Keys) ArtifactBlob(tenantID, sessionID, artifactID string) string {
	return fmt.Sprintf("%s:%s:artifact:%s:%s", k.Prefix, tenantID, sessionID, artifactID)
}

// ChatList holds a session's chat history.
func (k Keys) ChatList(tenantID, sessionID string) string {
	return fmt.Sprintf("%s:%s:chat:%s", k.Prefix, tenantID, sessionID)
}

// AbortFlag marks a hard-stopped session.
func (k Keys) AbortFlag(tenantID, sessionID string) string {
	return fmt.Sprintf("%s:%s:abort:%s", k.Prefix, tenantID, sessionID)
}

// TickCounter is the per-session monotonic event counter.
func (k Keys) TickCounter(tenantID, sessionID string) string {
	return fmt.Sprintf("%s:%s:tick:%s", k.Prefix, tenantID, sessionID)
}
