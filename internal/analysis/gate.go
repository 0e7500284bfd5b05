package analysis

import (
	"context"
	"sync"
	"time"
)

// Gate is a two-state pause gate. The loop blocks in Wait while the gate is
// closed and resumes as soon as it is opened or the context is cancelled.
type Gate struct {
	recheck time.Duration

	mu     sync.Mutex
	isOpen bool
	opened chan struct{} // closed while the gate is open
}

// NewGate returns an open gate. recheck bounds each wait so that Wait
// re-evaluates the state periodically; zero means 100ms.
func NewGate(recheck time.Duration) *Gate {
	if recheck <= 0 {
		recheck = 100 * time.Millisecond
	}
	ch := make(chan struct{})
	close(ch)
	return &Gate{recheck: recheck, isOpen: true, opened: ch}
}

// Open lets Wait return. Idempotent.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isOpen {
		return
	}
	g.isOpen = true
	close(g.opened)
}

// Close makes subsequent Wait calls block. Idempotent.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.isOpen {
		return
	}
	g.isOpen = false
	g.opened = make(chan struct{})
}

// IsOpen reports the current state.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isOpen
}

// Wait blocks until the gate is open (true) or ctx is done (false).
func (g *Gate) Wait(ctx context.Context) bool {
	timer := time.NewTimer(g.recheck)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return false
		}

		g.mu.Lock()
		ch := g.opened
		g.mu.Unlock()

		select {
		case <-ch:
			return ctx.Err() == nil
		case <-ctx.Done():
			return false
		case <-timer.C:
			timer.Reset(g.recheck)
		}
	}
}
