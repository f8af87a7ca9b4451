package hub

import (
	"sync"
	"time"

	"github.com/wallgrid/wallgrid/pkg/geom"
	"github.com/wallgrid/wallgrid/pkg/registry"
)

// CoalesceWindow is how long region updates for one viewer accumulate before
// a single notification goes to the broadcaster. Operators dragging a region
// produce dozens of updates per second; the broadcaster needs only the
// trailing value.
const CoalesceWindow = 50 * time.Millisecond

// regionCoalescer collapses per-viewer region updates into at most one
// emission per window, carrying the latest value. Emissions run on timer
// goroutines; the hub routes them back onto its own loop.
type regionCoalescer struct {
	window time.Duration
	emit   func(clientID registry.ClientID, region *geom.Rectangle)

	mu      sync.Mutex
	latest  map[registry.ClientID]*geom.Rectangle
	armed   map[registry.ClientID]*time.Timer
	stopped bool
}

func newRegionCoalescer(window time.Duration, emit func(registry.ClientID, *geom.Rectangle)) *regionCoalescer {
	return &regionCoalescer{
		window: window,
		emit:   emit,
		latest: map[registry.ClientID]*geom.Rectangle{},
		armed:  map[registry.ClientID]*time.Timer{},
	}
}

// Offer records the newest region for a viewer. The first offer in a window
// arms the timer; later offers only overwrite the value.
func (c *regionCoalescer) Offer(clientID registry.ClientID, region *geom.Rectangle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	c.latest[clientID] = region
	if _, ok := c.armed[clientID]; ok {
		return
	}
	c.armed[clientID] = time.AfterFunc(c.window, func() {
		c.flush(clientID)
	})
}

func (c *regionCoalescer) flush(clientID registry.ClientID) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	region, ok := c.latest[clientID]
	delete(c.latest, clientID)
	delete(c.armed, clientID)
	c.mu.Unlock()

	if ok {
		c.emit(clientID, region)
	}
}

// Forget drops any pending emission for a viewer, used when its record goes
// away mid-window.
func (c *regionCoalescer) Forget(clientID registry.ClientID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.armed[clientID]; ok {
		timer.Stop()
		delete(c.armed, clientID)
	}
	delete(c.latest, clientID)
}

// Stop cancels all pending emissions.
func (c *regionCoalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for id, timer := range c.armed {
		timer.Stop()
		delete(c.armed, id)
	}
	c.latest = map[registry.ClientID]*geom.Rectangle{}
}
