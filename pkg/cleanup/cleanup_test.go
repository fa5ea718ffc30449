package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	deleted int64
	err     error
}

func (f *fakePruner) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleted, f.err
}

func (f *fakePruner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestSweepPrunesBothStores(t *testing.T) {
	events := &fakePruner{deleted: 3}
	steps := &fakePruner{deleted: 2}
	sweeper := NewSweeper(events, steps, 30*24*time.Hour, time.Hour, slog.Default())

	before := time.Now().UTC().Add(-30 * 24 * time.Hour)
	sweeper.Sweep(context.Background())
	after := time.Now().UTC().Add(-30 * 24 * time.Hour)

	require.Equal(t, 1, events.calls())
	require.Equal(t, 1, steps.calls())
	cutoff := events.cutoffs[0]
	assert.False(t, cutoff.Before(before))
	assert.False(t, cutoff.After(after))
}

func TestSweepContinuesPastEventPruneFailure(t *testing.T) {
	events := &fakePruner{err: fmt.Errorf("connection reset")}
	steps := &fakePruner{deleted: 1}
	sweeper := NewSweeper(events, steps, time.Hour, time.Hour, slog.Default())

	sweeper.Sweep(context.Background())

	assert.Equal(t, 1, events.calls())
	assert.Equal(t, 1, steps.calls(), "idempotency prune should run even when event prune fails")
}

func TestSweeperLoop(t *testing.T) {
	events := &fakePruner{}
	steps := &fakePruner{}
	sweeper := NewSweeper(events, steps, time.Hour, 10*time.Millisecond, slog.Default())

	sweeper.Start(context.Background())
	require.Eventually(t, func() bool { return events.calls() >= 2 }, 2*time.Second, 5*time.Millisecond)
	sweeper.Stop()

	settled := events.calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, events.calls(), "no sweeps after Stop")
}

func TestSweeperDefaults(t *testing.T) {
	sweeper := NewSweeper(&fakePruner{}, &fakePruner{}, 0, 0, slog.Default())
	assert.Equal(t, defaultRetention, sweeper.retention)
	assert.Equal(t, defaultInterval, sweeper.interval)
}
