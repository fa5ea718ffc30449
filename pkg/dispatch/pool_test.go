package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAndDrains(t *testing.T) {
	p := NewPool()
	var ran atomic.Int32

	for i := 0; i < 5; i++ {
		p.Go(context.Background(), "s1", func(ctx context.Context) {
			ran.Add(1)
		})
	}
	p.Wait()

	assert.Equal(t, int32(5), ran.Load())
	assert.Equal(t, 0, p.Active("s1"))
}

func TestPoolCancelStopsSession(t *testing.T) {
	p := NewPool()
	started := make(chan struct{})
	cancelled := make(chan struct{})

	p.Go(context.Background(), "s1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started
	require.Equal(t, 1, p.Active("s1"))

	p.Cancel("s1")
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not propagate")
	}
	p.Wait()
	assert.Equal(t, 0, p.Active("s1"))
}

func TestPoolCancelIsScopedToSession(t *testing.T) {
	p := NewPool()
	release := make(chan struct{})
	var otherCancelled atomic.Bool

	p.Go(context.Background(), "other", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			otherCancelled.Store(true)
		case <-release:
		}
	})
	p.Go(context.Background(), "target", func(ctx context.Context) {
		<-ctx.Done()
	})

	p.Cancel("target")
	close(release)
	p.Wait()

	assert.False(t, otherCancelled.Load())
}

func TestPoolDropsAfterShutdown(t *testing.T) {
	p := NewPool()
	p.Shutdown()

	var ran atomic.Bool
	p.Go(context.Background(), "s1", func(ctx context.Context) {
		ran.Store(true)
	})
	p.Wait()

	assert.False(t, ran.Load())
}
