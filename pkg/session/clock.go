package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/tempoworks/tempo/pkg/blackboard"
	"github.com/tempoworks/tempo/pkg/events"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/storage"
)

// sweepBatch bounds how many expired sessions one sweep parks.
const sweepBatch = 100

// Clock is the TTL sweeper: sessions idle past their TTL are snapshotted
// into cold storage and marked paused until an event rehydrates them.
type Clock struct {
	sessions  *storage.SessionStore
	snapshots *storage.SnapshotStore
	bb        *blackboard.Blackboard
	chat      *blackboard.ChatStore
	publisher *events.Publisher
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClock creates a sweeper with the given interval.
func NewClock(sessions *storage.SessionStore, snapshots *storage.SnapshotStore, bb *blackboard.Blackboard, chat *blackboard.ChatStore, publisher *events.Publisher, interval time.Duration, logger *slog.Logger) *Clock {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Clock{
		sessions:  sessions,
		snapshots: snapshots,
		bb:        bb,
		chat:      chat,
		publisher: publisher,
		interval:  interval,
		logger:    logger.With("component", "clock"),
	}
}

// Start launches the sweep loop.
func (c *Clock) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep(ctx)
			}
		}
	}()
	c.logger.Info("Session TTL sweeper started", "interval", c.interval)
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (c *Clock) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Sweep parks every session whose TTL has lapsed.
func (c *Clock) Sweep(ctx context.Context) {
	expired, err := c.sessions.ListExpired(ctx, time.Now().UTC(), sweepBatch)
	if err != nil {
		c.logger.Error("Failed to list expired sessions", "error", err)
		return
	}
	for _, session := range expired {
		if err := c.park(ctx, session); err != nil {
			c.logger.Error("Failed to park session", "session_id", session.ID, "error", err)
		}
	}
	if len(expired) > 0 {
		c.logger.Info("Parked expired sessions", "count", len(expired))
	}
}

// park snapshots one session's working memory and marks it paused. The
// fast-store copies are released; the snapshot restores them on resume.
func (c *Clock) park(ctx context.Context, session *models.Session) error {
	board, err := c.bb.Snapshot(ctx, session.TenantID, session.ID)
	if err != nil {
		return err
	}
	history, err := c.chat.History(ctx, session.TenantID, session.ID, 0)
	if err != nil {
		return err
	}

	snap := models.SessionSnapshot{
		SessionID:   session.ID,
		TenantID:    session.TenantID,
		ChatHistory: history,
		Blackboard:  board,
		ToolResults: toolResultsFrom(board),
	}
	if summary, ok := board[KeyChatSummary].(string); ok {
		snap.ChatSummary = summary
	}
	if scene, ok := board[KeyRoutedScene].(string); ok {
		snap.RoutedScene = scene
	}

	if err := c.snapshots.Upsert(ctx, snap); err != nil {
		return err
	}
	if err := c.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusPaused); err != nil {
		return err
	}

	// Free the fast store; artifacts keep their own TTL and survive pauses.
	if err := c.chat.Clear(ctx, session.TenantID, session.ID); err != nil {
		c.logger.Warn("Failed to clear chat history", "session_id", session.ID, "error", err)
	}

	if err := c.publisher.PublishSessionLifecycle(ctx, events.TypeSessionPause, session.TenantID, session.ID, "", map[string]any{
		"reason": "ttl_expired",
		"state":  session.CurrentState,
	}); err != nil {
		c.logger.Warn("Failed to record session pause", "session_id", session.ID, "error", err)
	}
	return nil
}

// toolResultsFrom lifts the cached tool results out of the blackboard view.
func toolResultsFrom(board map[string]any) []map[string]any {
	raw, ok := board[KeyToolResults].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if m, isMap := entry.(map[string]any); isMap {
			out = append(out, m)
		}
	}
	return out
}
