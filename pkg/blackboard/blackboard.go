// Package blackboard holds per-session shared state in the fast store:
// string keys to JSON values, an immutable artifact set, and boolean
// signals. Every write refreshes the session TTL.
package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/redis"
)

// StateField is the reserved hash field the FSM owns. It never appears in
// Keys() listings or snapshots' user-visible views.
const StateField = "_fsm_state"

// signalPrefix namespaces boolean signals inside the session hash.
const signalPrefix = "signal:"

// artifactTTL bounds artifact blob lifetime independently of the session
// hash; blobs outlive brief session pauses.
const artifactTTL = 7 * 24 * time.Hour

// ErrArtifactExists rejects a second write to the same artifact id.
// Artifacts are immutable once written.
var ErrArtifactExists = errors.New("artifact already exists")

// ErrArtifactNotFound is returned when reading an unknown artifact.
var ErrArtifactNotFound = errors.New("artifact not found")

// Blackboard is the shared-state store. All operations are scoped by
// tenant and session.
type Blackboard struct {
	client     *goredis.Client
	keys       redis.Keys
	defaultTTL time.Duration
}

// New creates a blackboard with the given default session TTL.
func New(client *goredis.Client, keys redis.Keys, defaultTTL time.Duration) *Blackboard {
	if defaultTTL <= 0 {
		defaultTTL = time.Duration(models.DefaultSessionTTLSeconds) * time.Second
	}
	return &Blackboard{client: client, keys: keys, defaultTTL: defaultTTL}
}

// Set stores a JSON-encoded value under key.
func (b *Blackboard) Set(ctx context.Context, tenantID, sessionID, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal blackboard value for %s: %w", key, err)
	}
	hash := b.keys.SessionHash(tenantID, sessionID)
	if err := b.client.HSet(ctx, hash, key, data).Err(); err != nil {
		return fmt.Errorf("failed to set blackboard key %s: %w", key, err)
	}
	return b.touch(ctx, tenantID, sessionID)
}

// Get loads a value. The second return is false when the key is absent.
func (b *Blackboard) Get(ctx context.Context, tenantID, sessionID, key string) (any, bool, error) {
	raw, err := b.client.HGet(ctx, b.keys.SessionHash(tenantID, sessionID), key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get blackboard key %s: %w", key, err)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("failed to decode blackboard key %s: %w", key, err)
	}
	return value, true, nil
}

// GetString loads a string value; absent or non-string yields "".
func (b *Blackboard) GetString(ctx context.Context, tenantID, sessionID, key string) (string, error) {
	value, ok, err := b.Get(ctx, tenantID, sessionID, key)
	if err != nil || !ok {
		return "", err
	}
	s, _ := value.(string)
	return s, nil
}

// Keys lists the user-visible keys (reserved fields and signals excluded).
func (b *Blackboard) Keys(ctx context.Context, tenantID, sessionID string) ([]string, error) {
	fields, err := b.client.HKeys(ctx, b.keys.SessionHash(tenantID, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list blackboard keys: %w", err)
	}
	visible := make([]string, 0, len(fields))
	for _, field := range fields {
		if field == StateField || len(field) > len(signalPrefix) && field[:len(signalPrefix)] == signalPrefix {
			continue
		}
		visible = append(visible, field)
	}
	return visible, nil
}

// SetSignal sets a named boolean signal (e.g. "abort").
func (b *Blackboard) SetSignal(ctx context.Context, tenantID, sessionID, name string, value bool) error {
	hash := b.keys.SessionHash(tenantID, sessionID)
	if err := b.client.HSet(ctx, hash, signalPrefix+name, boolString(value)).Err(); err != nil {
		return fmt.Errorf("failed to set signal %s: %w", name, err)
	}
	return b.touch(ctx, tenantID, sessionID)
}

// GetSignal reads a named boolean signal; absent means false.
func (b *Blackboard) GetSignal(ctx context.Context, tenantID, sessionID, name string) (bool, error) {
	raw, err := b.client.HGet(ctx, b.keys.SessionHash(tenantID, sessionID), signalPrefix+name).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get signal %s: %w", name, err)
	}
	return raw == "true", nil
}

// WriteArtifact stores an immutable artifact and tracks its id in the
// session's artifact set. A second write to the same id fails.
func (b *Blackboard) WriteArtifact(ctx context.Context, tenantID, sessionID, artifactID string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact %s: %w", artifactID, err)
	}

	added, err := b.client.SAdd(ctx, b.keys.ArtifactSet(tenantID, sessionID), artifactID).Result()
	if err != nil {
		return fmt.Errorf("failed to track artifact %s: %w", artifactID, err)
	}
	if added == 0 {
		return fmt.Errorf("artifact %s: %w", artifactID, ErrArtifactExists)
	}

	blob := b.keys.ArtifactBlob(tenantID, sessionID, artifactID)
	if err := b.client.Set(ctx, blob, data, artifactTTL).Err(); err != nil {
		// Roll the set membership back so the invariant "listed implies
		// readable" holds.
		b.client.SRem(ctx, b.keys.ArtifactSet(tenantID, sessionID), artifactID)
		return fmt.Errorf("failed to store artifact %s: %w", artifactID, err)
	}
	return b.touch(ctx, tenantID, sessionID)
}

// ReadArtifact loads an artifact's content.
func (b *Blackboard) ReadArtifact(ctx context.Context, tenantID, sessionID, artifactID string) (any, error) {
	raw, err := b.client.Get(ctx, b.keys.ArtifactBlob(tenantID, sessionID, artifactID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("artifact %s: %w", artifactID, ErrArtifactNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", artifactID, err)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", artifactID, err)
	}
	return value, nil
}

// ListArtifacts returns the session's artifact ids in sorted order.
func (b *Blackboard) ListArtifacts(ctx context.Context, tenantID, sessionID string) ([]string, error) {
	ids, err := b.client.SMembers(ctx, b.keys.ArtifactSet(tenantID, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return ids, nil
}

// Snapshot captures the user-visible key/value pairs for cold storage.
func (b *Blackboard) Snapshot(ctx context.Context, tenantID, sessionID string) (map[string]any, error) {
	fields, err := b.client.HGetAll(ctx, b.keys.SessionHash(tenantID, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot blackboard: %w", err)
	}
	snapshot := make(map[string]any, len(fields))
	for field, raw := range fields {
		if field == StateField {
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			// Signals and legacy plain strings are stored unencoded.
			snapshot[field] = raw
			continue
		}
		snapshot[field] = value
	}
	return snapshot, nil
}

// Restore rewrites the session hash from a snapshot (rehydration path).
func (b *Blackboard) Restore(ctx context.Context, tenantID, sessionID string, snapshot map[string]any) error {
	for key, value := range snapshot {
		if raw, ok := value.(string); ok && len(key) > len(signalPrefix) && key[:len(signalPrefix)] == signalPrefix {
			hash := b.keys.SessionHash(tenantID, sessionID)
			if err := b.client.HSet(ctx, hash, key, raw).Err(); err != nil {
				return fmt.Errorf("failed to restore signal %s: %w", key, err)
			}
			continue
		}
		if err := b.Set(ctx, tenantID, sessionID, key, value); err != nil {
			return err
		}
	}
	return b.touch(ctx, tenantID, sessionID)
}

// Delete removes the hash, the artifact set, and every artifact blob.
func (b *Blackboard) Delete(ctx context.Context, tenantID, sessionID string) error {
	ids, err := b.ListArtifacts(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	keys := []string{
		b.keys.SessionHash(tenantID, sessionID),
		b.keys.ArtifactSet(tenantID, sessionID),
	}
	for _, id := range ids {
		keys = append(keys, b.keys.ArtifactBlob(tenantID, sessionID, id))
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete blackboard: %w", err)
	}
	return nil
}

// touch extends the session's TTL to max(currentTTL, default). Keys
// without a TTL yet get the default.
func (b *Blackboard) touch(ctx context.Context, tenantID, sessionID string) error {
	for _, key := range []string{
		b.keys.SessionHash(tenantID, sessionID),
		b.keys.ArtifactSet(tenantID, sessionID),
	} {
		ttl, err := b.client.TTL(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to read ttl for %s: %w", key, err)
		}
		if ttl == -2*time.Nanosecond {
			// Key absent; nothing to refresh.
			continue
		}
		// -1 means no expiry set yet; both cases get the default.
		if ttl < b.defaultTTL {
			if err := b.client.Expire(ctx, key, b.defaultTTL).Err(); err != nil {
				return fmt.Errorf("failed to refresh ttl for %s: %w", key, err)
			}
		}
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
