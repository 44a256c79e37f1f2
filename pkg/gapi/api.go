// Package gapi is the host-facing isochronous data path. A DataPath is bound
// to a stream and direction, fed SDU buffers, and reports every consumed or
// produced buffer through a callback that runs in interrupt context.
//
// Interrupt context is the irq dispatcher. Every handler, and therefore every
// Callback, runs with the interrupt mask held; the only call a Callback may
// make back into this package is CallbackContext.SetBuf.
package gapi

import (
	"fmt"
	"io"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/isoshm/internal/irq"
	"github.com/srg/isoshm/internal/isooshm"
	"github.com/srg/isoshm/internal/plf"
	"github.com/srg/isoshm/internal/shmem"
	"github.com/srg/isoshm/internal/trace"
)

type (
	Direction = isooshm.Direction
	SDUBuf    = isooshm.SDUBuf
	TxSync    = isooshm.TxSync
)

const (
	DirTX = isooshm.DirTX
	DirRX = isooshm.DirRX
)

// Stream is what the profile layer knows about a local stream.
type Stream struct {
	LinkID  uint16
	GroupID uint8
}

// StreamResolver maps a stream_lid onto its link and group. It is the only
// thing the data path needs from the layers above.
type StreamResolver interface {
	Resolve(streamLID uint8) (Stream, error)
}

// StaticResolver is a fixed stream table.
type StaticResolver map[uint8]Stream

func (r StaticResolver) Resolve(streamLID uint8) (Stream, error) {
	s, ok := r[streamLID]
	if !ok {
		return Stream{}, fmt.Errorf("stream %d unknown: %w", streamLID, ErrInvalidParam)
	}
	return s, nil
}

// Options wires an API to its platform.
type Options struct {
	Host     *isooshm.Host
	Engine   *plf.Engine
	Sync     *plf.SyncService
	IRQ      *irq.Controller
	Resolver StreamResolver
	// Trace is optional.
	Trace  *trace.Recorder
	Logger *logrus.Logger
}

// API owns the bound data paths of one host.
type API struct {
	host     *isooshm.Host
	engine   *plf.Engine
	sync     *plf.SyncService
	irq      *irq.Controller
	resolver StreamResolver
	trace    *trace.Recorder
	logger   *logrus.Logger
	signal   *irq.Line

	// bound data paths by link/dir; written with the mask held
	bound *hashmap.Map[uint32, *DataPath]
}

// New creates an API and registers the controller signal line on the
// interrupt controller.
func New(opts Options) (*API, error) {
	if opts.Host == nil || opts.Engine == nil || opts.Sync == nil || opts.IRQ == nil || opts.Resolver == nil {
		return nil, fmt.Errorf("host, engine, sync, irq and resolver are required: %w", ErrInvalidParam)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	a := &API{
		host:     opts.Host,
		engine:   opts.Engine,
		sync:     opts.Sync,
		irq:      opts.IRQ,
		resolver: opts.Resolver,
		trace:    opts.Trace,
		logger:   opts.Logger,
		bound:    hashmap.New[uint32, *DataPath](),
	}
	a.signal = opts.IRQ.Register("isooshm", a.HandleSignal)
	return a, nil
}

// SignalLine is the line the controller raises to reach the host.
func (a *API) SignalLine() *irq.Line { return a.signal }

// Bound returns the number of bound data paths.
func (a *API) Bound() int { return a.bound.Len() }

// LocalTime returns the controller time as seen by the host timer. Valid
// only while at least one data path is bound.
func (a *API) LocalTime() (uint32, error) { return a.sync.GetLocalTime() }

// InitDataPath prepares dp for Bind. cb is mandatory.
func (a *API) InitDataPath(dp *DataPath, cb Callback) error {
	if dp == nil || cb == nil {
		return &Error{Op: "init", Err: ErrInvalidParam}
	}
	var err error
	a.irq.Masked(func() {
		if dp.state != Uninitialized && dp.state != Initialized {
			err = dp.fail("init", ErrInvalidState)
			return
		}
		*dp = DataPath{api: a, cb: cb, state: Initialized}
	})
	return err
}

// HandleSignal services the controller to host interrupt: it drains the
// event queue, then retries every pending transfer. Interrupt context.
func (a *API) HandleSignal() {
	a.host.PollEvents(a.onEvent)
	a.bound.Range(func(_ uint32, dp *DataPath) bool {
		if dp.state == TransferPending {
			dp.retry()
		}
		return true
	})
}

func (a *API) onEvent(ev isooshm.Event) {
	log := a.logger.WithFields(logrus.Fields{"link_id": ev.LinkID, "dir": ev.Dir})
	a.trace.Record(trace.Record{Kind: trace.KindQueueRetired, LinkID: ev.LinkID, Dir: ev.Dir.String()})

	dp, ok := a.bound.Get(bindKey(ev.LinkID, ev.Dir))
	if !ok || dp.queue.Item != ev.Item {
		log.Debug("retired queue not bound, releasing")
		a.release(ev.Item, ev.LinkID, ev.Dir)
		return
	}
	log.WithField("stream_lid", dp.streamLID).Debug("bound queue retired")
	a.bound.Del(bindKey(ev.LinkID, ev.Dir))
	dp.onRetired()
}

func (a *API) release(item shmem.Addr, link uint16, dir Direction) {
	if err := a.host.Release(item); err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{"link_id": link, "dir": dir}).Warn("gc release rejected")
		return
	}
	a.trace.Record(trace.Record{Kind: trace.KindRelease, LinkID: link, Dir: dir.String()})
}

func bindKey(link uint16, dir Direction) uint32 {
	return uint32(link)<<1 | uint32(dir)
}
