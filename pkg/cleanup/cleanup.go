// Package cleanup prunes the durable audit trail. Events and idempotency
// rows older than the retention horizon are deleted on a fixed interval;
// session rows are kept, they are the record of what ran.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Defaults applied when the configuration leaves them unset.
const (
	defaultRetention = 30 * 24 * time.Hour
	defaultInterval  = 6 * time.Hour
)

// EventPruner deletes audit events older than a cutoff.
type EventPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IdempotencyPruner deletes execution-log rows older than a cutoff.
type IdempotencyPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper runs the retention loop.
type Sweeper struct {
	events      EventPruner
	idempotency IdempotencyPruner
	retention   time.Duration
	interval    time.Duration
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a retention sweeper.
func NewSweeper(events EventPruner, idempotency IdempotencyPruner, retention, interval time.Duration, logger *slog.Logger) *Sweeper {
	if retention <= 0 {
		retention = defaultRetention
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{
		events:      events,
		idempotency: idempotency,
		retention:   retention,
		interval:    interval,
		logger:      logger.With("component", "cleanup"),
	}
}

// Start launches the retention loop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
	s.logger.Info("Retention sweeper started", "retention", s.retention, "interval", s.interval)
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Sweep deletes everything older than the retention horizon.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)

	eventsDeleted, err := s.events.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to prune events", "error", err)
	}
	stepsDeleted, err := s.idempotency.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to prune idempotency log", "error", err)
	}

	if eventsDeleted > 0 || stepsDeleted > 0 {
		s.logger.Info("Pruned audit trail", "events", eventsDeleted, "steps", stepsDeleted, "cutoff", cutoff)
	}
}
