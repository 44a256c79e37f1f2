package plf

import (
	"context"
	"sync"
	"time"

	"github.com/srg/isoshm/internal/irq"
)

// SimTimerOptions configures a SimTimer.
type SimTimerOptions struct {
	// Width of the host counter in bits.
	Width uint
	// CapturePeriod is the interval between sync pulses.
	CapturePeriod time.Duration
	// CtrlOffset is the controller clock value at start.
	CtrlOffset uint32
	// DriftPPM skews the controller clock against the host counter.
	DriftPPM int32
	// Publish, when set, receives the controller time at every pulse
	// (the controller's timestamp publication).
	Publish func(ctrl uint32)
}

// SimTimer is a host counter driven by the wall clock. It raises the
// overflow line on every wrap and the capture line on every sync pulse.
type SimTimer struct {
	opts  SimTimerOptions
	start time.Time
	mask  uint64

	mu      sync.Mutex
	latched Capture
	last    uint32

	overflow *irq.Line
	capture  *irq.Line
}

func NewSimTimer(opts SimTimerOptions) *SimTimer {
	if opts.Width == 0 || opts.Width > 32 {
		opts.Width = 32
	}
	if opts.CapturePeriod <= 0 {
		opts.CapturePeriod = 10 * time.Millisecond
	}
	return &SimTimer{opts: opts, start: time.Now(), mask: 1<<opts.Width - 1}
}

// Connect wires the interrupt lines raised by the timer.
func (t *SimTimer) Connect(overflow, capture *irq.Line) {
	t.overflow, t.capture = overflow, capture
}

func (t *SimTimer) Width() uint { return t.opts.Width }

func (t *SimTimer) elapsed() uint64 { return uint64(time.Since(t.start).Microseconds()) }

func (t *SimTimer) Counter() uint32 { return uint32(t.elapsed() & t.mask) }

// CtrlTime returns the controller clock.
func (t *SimTimer) CtrlTime() uint32 {
	us := int64(t.elapsed())
	return t.opts.CtrlOffset + uint32(us+us*int64(t.opts.DriftPPM)/1_000_000)
}

func (t *SimTimer) Latched() Capture {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latched
}

// checkWrap raises the overflow line if the counter wrapped since the last
// call.
func (t *SimTimer) checkWrap() uint32 {
	t.mu.Lock()
	c := t.Counter()
	wrapped := c < t.last
	t.last = c
	t.mu.Unlock()
	if wrapped && t.overflow != nil {
		t.overflow.Raise()
	}
	return c
}

// Pulse latches a capture now and raises the capture line.
func (t *SimTimer) Pulse() {
	local := t.checkWrap()
	c := Capture{Local: local, Ctrl: t.CtrlTime()}
	t.mu.Lock()
	t.latched = c
	t.mu.Unlock()
	if t.opts.Publish != nil {
		t.opts.Publish(c.Ctrl)
	}
	if t.capture != nil {
		t.capture.Raise()
	}
}

// Run watches for counter wraps and emits sync pulses until ctx is done.
func (t *SimTimer) Run(ctx context.Context) error {
	poll := time.Millisecond
	if wrap := time.Duration(t.mask+1) * time.Microsecond / 4; wrap < poll {
		poll = wrap
	}
	tick := time.NewTicker(poll)
	defer tick.Stop()

	nextPulse := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tick.C:
			t.checkWrap()
			if !now.Before(nextPulse) {
				t.Pulse()
				nextPulse = now.Add(t.opts.CapturePeriod)
			}
		}
	}
}
