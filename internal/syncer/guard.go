package syncer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Guard is the echo suppression flag. It is raised while a change from the
// peer is written to the store and drops window after the last one
// finished. The file watcher consults Active before forwarding a change.
// A local edit made just as the window closes may still be sent back.
type Guard struct {
	clock  clockwork.Clock
	window time.Duration

	mu     sync.Mutex
	active bool
	depth  int
	gen    uint64
	timer  clockwork.Timer
}

func NewGuard(clock clockwork.Clock, window time.Duration) *Guard {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Guard{clock: clock, window: window}
}

// Hold raises the flag and cancels any pending clear.
func (g *Guard) Hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = true
	g.depth++
	g.stopTimer()
}

// Release arms the clear once every Hold has been released.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.depth > 0 {
		g.depth--
	}
	if g.depth > 0 || !g.active {
		return
	}
	g.stopTimer()
	g.gen++
	gen := g.gen
	g.timer = g.clock.AfterFunc(g.window, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.gen == gen && g.depth == 0 {
			g.active = false
			g.timer = nil
		}
	})
}

func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Stop clears the flag immediately.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopTimer()
	g.active = false
	g.depth = 0
}

func (g *Guard) stopTimer() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.gen++
}
