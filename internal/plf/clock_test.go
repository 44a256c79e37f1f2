package plf

import (
	"testing"

	"github.com/srg/isoshm/internal/irq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	width   uint
	counter uint32
	latched Capture
}

func (f *fakeTimer) Width() uint      { return f.width }
func (f *fakeTimer) Counter() uint32  { return f.counter }
func (f *fakeTimer) Latched() Capture { return f.latched }

func newSync(width uint) (*SyncService, *fakeTimer, *irq.Controller) {
	ft := &fakeTimer{width: width}
	ctl := irq.NewController(nil)
	return NewSyncService(ctl, ft), ft, ctl
}

func TestSync_RequiresUserAndCapture(t *testing.T) {
	s, ft, ctl := newSync(16)

	_, err := s.GetLocalTime()
	assert.ErrorIs(t, err, ErrNotSynced)

	s.Acquire()
	_, err = s.GetLocalTime()
	assert.ErrorIs(t, err, ErrNotSynced, "time MUST be invalid before the first capture")

	ft.counter = 100
	ft.latched = Capture{Local: 100, Ctrl: 50000}
	s.CaptureLine().Raise()
	ctl.Service()

	ft.counter = 350
	now, err := s.GetLocalTime()
	require.NoError(t, err)
	assert.Equal(t, uint32(50250), now)

	s.Release()
	_, err = s.GetLocalTime()
	assert.ErrorIs(t, err, ErrNotSynced, "time MUST be invalid once the last user leaves")
	s.Release()
}

func TestSync_OverflowAccounting(t *testing.T) {
	// GOAL: A counter wrap is never read as a time regression
	//
	// TEST SCENARIO: capture near the top → counter wraps → read before and after the overflow handler runs

	s, ft, ctl := newSync(16)
	s.Acquire()

	ft.counter = 0xFF00
	ft.latched = Capture{Local: 0xFF00, Ctrl: 1_000_000}
	s.CaptureLine().Raise()
	ctl.Service()

	ft.counter = 0x0010
	s.OverflowLine().Raise()
	pending, err := s.GetLocalTime()
	require.NoError(t, err)
	assert.Equal(t, uint32(1_000_000+0x110), pending, "pending overflow MUST be accounted for")

	ctl.Service()
	serviced, err := s.GetLocalTime()
	require.NoError(t, err)
	assert.Equal(t, pending, serviced)
	assert.Equal(t, uint64(1), s.Stats().Overflows)
}

func TestSync_OverflowBeforeCaptureInSamePass(t *testing.T) {
	s, ft, ctl := newSync(16)
	s.Acquire()

	ft.counter = 0x8000
	ft.latched = Capture{Local: 0x8000, Ctrl: 10_000}
	s.CaptureLine().Raise()
	ctl.Service()

	// counter wrapped, capture latched right after the wrap, both pending
	ft.counter = 0x0020
	ft.latched = Capture{Local: 0x0008, Ctrl: 10_000 + 0x8008}
	s.CaptureLine().Raise()
	s.OverflowLine().Raise()
	ctl.Service()

	now, err := s.GetLocalTime()
	require.NoError(t, err)
	assert.Equal(t, uint32(10_000+0x8020), now)
	assert.Equal(t, uint64(2), s.Stats().Captures)
}

func TestSync_CaptureLatchedBeforeServicedWrap(t *testing.T) {
	s, ft, ctl := newSync(16)
	s.Acquire()

	// wrap already accounted for, but the capture was latched just before it
	s.OverflowLine().Raise()
	ctl.Service()
	ft.counter = 0x0004
	ft.latched = Capture{Local: 0xFFF0, Ctrl: 7000}
	s.CaptureLine().Raise()
	ctl.Service()

	now, err := s.GetLocalTime()
	require.NoError(t, err)
	assert.Equal(t, uint32(7000+0x14), now)
}

func TestSync_CoalescedOverflowsEachCounted(t *testing.T) {
	// GOAL: Every counter wrap is accounted for even when the dispatcher services the line late
	//
	// TEST SCENARIO: capture at 0x0100 → two wraps raised before one service pass →
	// local time runs two full periods ahead both before and after the pass

	s, ft, ctl := newSync(16)
	s.Acquire()

	ft.counter = 0x0100
	ft.latched = Capture{Local: 0x0100, Ctrl: 500}
	s.CaptureLine().Raise()
	ctl.Service()

	s.OverflowLine().Raise()
	s.OverflowLine().Raise()
	assert.Equal(t, int64(1), s.OverflowLine().Stats().Coalesced, "second edge MUST coalesce on the line")

	ft.counter = 0x0200
	before, err := s.GetLocalTime()
	require.NoError(t, err)
	assert.Equal(t, uint32(500+2*0x10000+0x100), before, "both unserviced wraps MUST count")

	ctl.Service()
	assert.Equal(t, uint64(2), s.Stats().Overflows, "handler MUST run once per raised edge")
	after, err := s.GetLocalTime()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// a fresh edge after the pass counts once
	s.OverflowLine().Raise()
	ctl.Service()
	assert.Equal(t, uint64(3), s.Stats().Overflows)
}
