package plf

import (
	"errors"
	"sync/atomic"

	"github.com/srg/isoshm/internal/irq"
)

// ErrNotSynced is returned by GetLocalTime before the first capture, or
// while no data path holds the service.
var ErrNotSynced = errors.New("local time not synchronised")

// Capture is one synchronisation point: the host timer value latched on a
// sync pulse and the controller time of that pulse.
type Capture struct {
	Local uint32
	Ctrl  uint32
}

// Timer is the host's free-running microsecond counter.
type Timer interface {
	// Width is the counter width in bits, at most 32.
	Width() uint
	Counter() uint32
	// Latched returns the last capture.
	Latched() Capture
}

// SyncStats counts timer events.
type SyncStats struct {
	Overflows uint64
	Captures  uint64
}

// SyncService derives controller time from the host timer, re-anchored on
// every capture event.
type SyncService struct {
	ctl   *irq.Controller
	timer Timer
	width uint

	overflowLine *irq.Line
	captureLine  *irq.Line

	// guarded by the interrupt mask
	overflows uint64
	accounted int64 // overflow edges already passed to the handler
	ref       Capture
	refLocal  uint64 // extended local time of ref
	synced    bool
	users     int

	captures atomic.Uint64
}

// NewSyncService registers the timer overflow and capture lines on ctl, in
// that order, so that an overflow pending in the same pass as a capture is
// accounted for first. The overflow line coalesces edges; its service runs
// TimerOverflowEvtHandler once per raised edge.
func NewSyncService(ctl *irq.Controller, timer Timer) *SyncService {
	w := timer.Width()
	if w == 0 || w > 32 {
		w = 32
	}
	s := &SyncService{ctl: ctl, timer: timer, width: w}
	s.overflowLine = ctl.Register("timer-overflow", s.serviceOverflows)
	s.captureLine = ctl.Register("timer-capture", func() { s.TimerCaptureEvtHandler(timer.Latched()) })
	return s
}

func (s *SyncService) OverflowLine() *irq.Line { return s.overflowLine }
func (s *SyncService) CaptureLine() *irq.Line  { return s.captureLine }

func (s *SyncService) serviceOverflows() {
	for raised := s.overflowLine.Raised(); s.accounted < raised; s.accounted++ {
		s.TimerOverflowEvtHandler()
	}
}

// unaccounted returns the wraps raised but not yet handled. Caller holds
// the mask.
func (s *SyncService) unaccounted() uint64 {
	return uint64(s.overflowLine.Raised() - s.accounted)
}

// TimerOverflowEvtHandler accounts for one wrap of the host counter.
// Interrupt context.
func (s *SyncService) TimerOverflowEvtHandler() {
	s.overflows++
}

// TimerCaptureEvtHandler re-anchors local time on c. Interrupt context.
func (s *SyncService) TimerCaptureEvtHandler(c Capture) {
	pending := s.unaccounted()
	local := s.extend(c.Local, pending)
	// latched before a wrap that has already been accounted for
	if now := s.extend(s.timer.Counter(), pending); local > now && local >= 1<<s.width {
		local -= 1 << s.width
	}
	s.ref = c
	s.refLocal = local
	s.synced = true
	s.captures.Add(1)
}

func (s *SyncService) extend(counter uint32, pending uint64) uint64 {
	if pending > 0 && uint64(counter) >= 1<<(s.width-1) {
		// the latest wrap came after counter was read
		pending--
	}
	return (s.overflows+pending)<<s.width | uint64(counter)
}

// Acquire registers one user of local time.
func (s *SyncService) Acquire() {
	s.ctl.Masked(func() { s.users++ })
}

// Release drops one user. When the last one leaves the service forgets its
// anchor and needs a fresh capture.
func (s *SyncService) Release() {
	s.ctl.Masked(func() {
		if s.users == 0 {
			return
		}
		s.users--
		if s.users == 0 {
			s.synced = false
		}
	})
}

// GetLocalTime returns the current controller time estimated from the host
// timer. Thread context only.
func (s *SyncService) GetLocalTime() (uint32, error) {
	var (
		t   uint32
		err error
	)
	s.ctl.Masked(func() { t, err = s.localTime() })
	return t, err
}

func (s *SyncService) localTime() (uint32, error) {
	if s.users == 0 || !s.synced {
		return 0, ErrNotSynced
	}
	now := s.extend(s.timer.Counter(), s.unaccounted())
	return s.ref.Ctrl + uint32(now-s.refLocal), nil
}

// Stats returns event counters. Thread context only.
func (s *SyncService) Stats() SyncStats {
	var st SyncStats
	s.ctl.Masked(func() { st.Overflows = s.overflows })
	st.Captures = s.captures.Load()
	return st
}
