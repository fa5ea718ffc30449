package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/redis"
)

// chatTTL bounds chat history lifetime in the fast store. Older histories
// survive in session snapshots.
const chatTTL = 24 * time.Hour

// ChatStore keeps per-session chat history as a Redis list.
type ChatStore struct {
	client *goredis.Client
	keys   redis.Keys
}

// NewChatStore creates a chat store over the shared Redis client.
func NewChatStore(client *goredis.Client, keys redis.Keys) *ChatStore {
	return &ChatStore{client: client, keys: keys}
}

// Append stores one chat turn and refreshes the history TTL.
func (c *ChatStore) Append(ctx context.Context, tenantID, sessionID, role, content string) error {
	entry := models.ChatEntry{Role: role, Content: content, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal chat entry: %w", err)
	}

	key := c.keys.ChatList(tenantID, sessionID)
	pipe := c.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, chatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append chat entry: %w", err)
	}
	return nil
}

// History returns the most recent limit entries in chronological order.
// limit <= 0 returns everything.
func (c *ChatStore) History(ctx context.Context, tenantID, sessionID string, limit int) ([]models.ChatEntry, error) {
	key := c.keys.ChatList(tenantID, sessionID)
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raws, err := c.client.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}

	entries := make([]models.ChatEntry, 0, len(raws))
	for _, raw := range raws {
		var entry models.ChatEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode chat entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Length returns the number of stored entries.
func (c *ChatStore) Length(ctx context.Context, tenantID, sessionID string) (int64, error) {
	n, err := c.client.LLen(ctx, c.keys.ChatList(tenantID, sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to measure chat history: %w", err)
	}
	return n, nil
}

// Restore rewrites the history from a snapshot.
func (c *ChatStore) Restore(ctx context.Context, tenantID, sessionID string, entries []models.ChatEntry) error {
	key := c.keys.ChatList(tenantID, sessionID)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to clear chat history: %w", err)
	}
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal chat entry: %w", err)
		}
		if err := c.client.RPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("failed to restore chat entry: %w", err)
		}
	}
	return c.client.Expire(ctx, key, chatTTL).Err()
}

// Clear removes the history.
func (c *ChatStore) Clear(ctx context.Context, tenantID, sessionID string) error {
	if err := c.client.Del(ctx, c.keys.ChatList(tenantID, sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear chat history: %w", err)
	}
	return nil
}
