// Package irq models the host core's interrupt context: edge-triggered lines
// serviced one at a time, in registration order, by a single dispatcher
// goroutine that holds the interrupt mask while a handler runs.
//
// Thread-context code that shares state with a handler brackets its access
// with Mask/Unmask, the way firmware disables interrupts around a critical
// section. Handlers run with the mask already held and must not call Mask.
package irq

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Handler services one line.
type Handler func()

// LineStats counts edges on one line.
type LineStats struct {
	Name      string
	Raised    int64
	Coalesced int64
	Serviced  int64
}

// Line is one edge-triggered interrupt source. Edges raised while the line is
// already pending are coalesced into one service call.
type Line struct {
	ctl     *Controller
	name    string
	handler Handler
	pending atomic.Bool

	raised    atomic.Int64
	coalesced atomic.Int64
	serviced  atomic.Int64
}

// Name returns the name the line was registered with.
func (l *Line) Name() string { return l.name }

// Raise marks the line pending and wakes the dispatcher. Safe from any
// goroutine, handlers included.
func (l *Line) Raise() {
	l.raised.Add(1)
	if l.pending.Swap(true) {
		l.coalesced.Add(1)
		return
	}
	l.ctl.wake.TrySend(struct{}{})
}

// Raised returns the number of edges seen so far, coalesced ones included.
func (l *Line) Raised() int64 { return l.raised.Load() }

// Pending reports whether the line waits for service.
func (l *Line) Pending() bool { return l.pending.Load() }

func (l *Line) Stats() LineStats {
	return LineStats{
		Name:      l.name,
		Raised:    l.raised.Load(),
		Coalesced: l.coalesced.Load(),
		Serviced:  l.serviced.Load(),
	}
}

// Controller owns the lines and the interrupt mask.
type Controller struct {
	mask   sync.Mutex
	wake   *RingChannel[struct{}]
	logger *logrus.Logger

	mu    sync.RWMutex
	lines []*Line
}

// NewController creates a controller with no lines.
func NewController(logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Controller{
		wake:   NewRingChannel[struct{}](1),
		logger: logger,
	}
}

// Register adds a line. Lines registered earlier are serviced first when
// several are pending at once.
func (c *Controller) Register(name string, h Handler) *Line {
	l := &Line{ctl: c, name: name, handler: h}
	c.mu.Lock()
	c.lines = append(c.lines, l)
	c.mu.Unlock()
	return l
}

// Mask blocks handler execution until Unmask. Not reentrant.
func (c *Controller) Mask() { c.mask.Lock() }

// Unmask re-enables handler execution.
func (c *Controller) Unmask() { c.mask.Unlock() }

// Masked runs fn with interrupts masked.
func (c *Controller) Masked(fn func()) {
	c.Mask()
	defer c.Unmask()
	fn()
}

// Service runs one dispatch pass on the calling goroutine: every pending
// line, in registration order, with the mask held. It returns the number of
// handlers run.
func (c *Controller) Service() int {
	c.mu.RLock()
	lines := c.lines
	c.mu.RUnlock()

	c.mask.Lock()
	defer c.mask.Unlock()

	n := 0
	for again := true; again; {
		again = false
		for _, l := range lines {
			if !l.pending.Swap(false) {
				continue
			}
			l.serviced.Add(1)
			n++
			if l.handler != nil {
				l.handler()
			}
			// a handler may raise an earlier line; restart so order holds
			again = true
			break
		}
	}
	return n
}

// Run dispatches until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Debug("irq dispatcher started")
	defer c.logger.Debug("irq dispatcher stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake.C():
			c.wake.MarkProcessed(1)
			c.Service()
		}
	}
}

// Stats returns per-line counters in registration order.
func (c *Controller) Stats() []LineStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LineStats, 0, len(c.lines))
	for _, l := range c.lines {
		out = append(out, l.Stats())
	}
	return out
}

// Wakeups returns the dispatcher doorbell counters.
func (c *Controller) Wakeups() Metrics { return c.wake.GetMetrics() }
