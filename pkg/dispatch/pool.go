package dispatch

import (
	"context"
	"sync"
)

// Pool tracks in-flight step executions per session so hard-stop and
// shutdown can cancel them.
type Pool struct {
	mu      sync.Mutex
	active  map[string]map[int64]context.CancelFunc
	nextKey int64
	wg      sync.WaitGroup
	closed  bool
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{active: make(map[string]map[int64]context.CancelFunc)}
}

// Go runs fn on a pool goroutine under a cancellable context registered
// for the session. After Shutdown, submissions are dropped.
func (p *Pool) Go(ctx context.Context, sessionID string, fn func(ctx context.Context)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.nextKey++
	key := p.nextKey
	if p.active[sessionID] == nil {
		p.active[sessionID] = make(map[int64]context.CancelFunc)
	}
	p.active[sessionID][key] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			p.mu.Lock()
			if cancels := p.active[sessionID]; cancels != nil {
				delete(cancels, key)
				if len(cancels) == 0 {
					delete(p.active, sessionID)
				}
			}
			p.mu.Unlock()
			p.wg.Done()
		}()
		fn(ctx)
	}()
}

// Cancel aborts every in-flight execution for one session.
func (p *Pool) Cancel(sessionID string) {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.active[sessionID]))
	for _, cancel := range p.active[sessionID] {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Active reports the number of in-flight executions for a session.
func (p *Pool) Active(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active[sessionID])
}

// Shutdown cancels everything and waits for the goroutines to drain.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	var cancels []context.CancelFunc
	for _, bySession := range p.active {
		for _, cancel := range bySession {
			cancels = append(cancels, cancel)
		}
	}
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	p.wg.Wait()
}

// Wait blocks until all current executions finish (tests and drains).
func (p *Pool) Wait() {
	p.wg.Wait()
}
