package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tempoworks/tempo/pkg/blackboard"
	"github.com/tempoworks/tempo/pkg/events"
	"github.com/tempoworks/tempo/pkg/redis"
)

// abortFlagTTL keeps abort flags around long enough for any straggling
// webhook callback to observe them.
const abortFlagTTL = 7 * 24 * time.Hour

// HardStopper terminates a session: it raises the abort flag, sets the
// blackboard abort signal so running nodes can bail at their next await
// point, and records the ABORT event.
type HardStopper struct {
	client     *goredis.Client
	keys       redis.Keys
	blackboard *blackboard.Blackboard
	publisher  *events.Publisher
	logger     *slog.Logger
}

// NewHardStopper wires the hard-stop path.
func NewHardStopper(client *goredis.Client, keys redis.Keys, bb *blackboard.Blackboard, publisher *events.Publisher, logger *slog.Logger) *HardStopper {
	return &HardStopper{
		client:     client,
		keys:       keys,
		blackboard: bb,
		publisher:  publisher,
		logger:     logger.With("component", "hard_stopper"),
	}
}

// Abort hard-stops a session. Idempotent: aborting an already-aborted
// session only re-publishes the ABORT event.
func (h *HardStopper) Abort(ctx context.Context, tenantID, sessionID, traceID, reason string) error {
	flag := h.keys.AbortFlag(tenantID, sessionID)
	if err := h.client.Set(ctx, flag, reason, abortFlagTTL).Err(); err != nil {
		return fmt.Errorf("failed to set abort flag: %w", err)
	}
	if err := h.blackboard.SetSignal(ctx, tenantID, sessionID, "abort", true); err != nil {
		return err
	}
	if err := h.publisher.PublishAbort(ctx, tenantID, sessionID, traceID, reason); err != nil {
		return err
	}
	h.logger.Info("Session aborted", "tenant_id", tenantID, "session_id", sessionID, "reason", reason)
	return nil
}

// IsAborted reports whether the session's abort flag is set.
func (h *HardStopper) IsAborted(ctx context.Context, tenantID, sessionID string) (bool, error) {
	n, err := h.client.Exists(ctx, h.keys.AbortFlag(tenantID, sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check abort flag: %w", err)
	}
	return n > 0, nil
}

// Reason returns the abort reason, or "" when the session is not aborted.
func (h *HardStopper) Reason(ctx context.Context, tenantID, sessionID string) (string, error) {
	reason, err := h.client.Get(ctx, h.keys.AbortFlag(tenantID, sessionID)).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read abort reason: %w", err)
	}
	return reason, nil
}
