package plf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/isoshm/internal/irq"
	"github.com/srg/isoshm/internal/shmem"
)

var (
	ErrAlignment = errors.New("dma: address or size not word aligned")
	ErrBusy      = errors.New("dma: transfer already in flight")
	ErrAborted   = errors.New("dma: transfer aborted")
	// ErrBusFault is reported when a transfer touches unmapped bus space.
	ErrBusFault = shmem.ErrBusFault
)

// Transfer describes one copy. A transfer is reusable once its Done callback
// has run.
type Transfer struct {
	Src  shmem.Addr
	Dst  shmem.Addr
	Size uint32
	// Done runs in interrupt context, exactly once per successful Copy.
	Done func(t *Transfer)

	// guarded by Engine.mu
	token     uint64
	completed bool // finished, Done not yet called
	err       error
}

// Err is the completion status: nil, ErrAborted or a bus fault. Only
// meaningful from Done onwards.
func (t *Transfer) Err() error { return t.err }

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Latency is added before every copy, to model bus time.
	Latency time.Duration
	Logger  *logrus.Logger
}

// EngineStats counts transfers by outcome.
type EngineStats struct {
	Submitted uint64
	Completed uint64
	Aborted   uint64
	Faulted   uint64
	Bytes     uint64
}

type job struct {
	t     *Transfer
	token uint64
}

// Engine is a single-channel DMA engine. Copies run in submission order on
// the goroutine calling Run; completions are raised on the engine's irq line.
type Engine struct {
	bus     *shmem.Bus
	line    *irq.Line
	latency time.Duration
	logger  *logrus.Logger

	mu        sync.Mutex
	lastToken uint64
	queue     []job
	done      []*Transfer
	stats     EngineStats
	kick      chan struct{}
}

// NewEngine creates an engine on bus and registers its completion line on
// ctl.
func NewEngine(bus *shmem.Bus, ctl *irq.Controller, opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	e := &Engine{
		bus:     bus,
		latency: opts.Latency,
		logger:  opts.Logger,
		kick:    make(chan struct{}, 1),
	}
	e.line = ctl.Register("dma", e.complete)
	return e
}

// Line returns the completion interrupt line.
func (e *Engine) Line() *irq.Line { return e.line }

// Copy submits t and returns at once. A transfer whose previous completion
// has not been delivered yet is still busy.
func (e *Engine) Copy(t *Transfer) error {
	if t.Size == 0 || t.Size%shmem.WordSize != 0 || t.Src%shmem.WordSize != 0 || t.Dst%shmem.WordSize != 0 {
		return fmt.Errorf("src %#08x dst %#08x size %d: %w", uint32(t.Src), uint32(t.Dst), t.Size, ErrAlignment)
	}

	e.mu.Lock()
	if t.token != 0 || t.completed {
		e.mu.Unlock()
		return ErrBusy
	}
	e.lastToken++
	t.token = e.lastToken
	t.err = nil
	e.queue = append(e.queue, job{t: t, token: t.token})
	e.stats.Submitted++
	e.mu.Unlock()

	select {
	case e.kick <- struct{}{}:
	default:
	}
	return nil
}

// Abort cancels t if it is still outstanding and reports whether it did.
// An aborted transfer still gets its Done call, with ErrAborted. Aborting a
// transfer that already completed, or was never submitted, has no effect.
func (e *Engine) Abort(t *Transfer) bool {
	e.mu.Lock()
	if t.token == 0 {
		e.mu.Unlock()
		return false
	}
	t.token = 0
	t.err = ErrAborted
	t.completed = true
	e.done = append(e.done, t)
	e.stats.Aborted++
	e.mu.Unlock()

	e.line.Raise()
	return true
}

// Outstanding reports whether t is in flight or waits for its Done call.
func (e *Engine) Outstanding(t *Transfer) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.token != 0 || t.completed
}

// Run executes queued copies until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	for {
		j, ok := e.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.kick:
				continue
			}
		}
		if e.latency > 0 {
			timer := time.NewTimer(e.latency)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if e.execute(j) {
			e.line.Raise()
		}
	}
}

// Step executes the next queued copy on the calling goroutine, without the
// configured latency, and reports whether there was one.
func (e *Engine) Step() bool {
	j, ok := e.next()
	if !ok {
		return false
	}
	if e.execute(j) {
		e.line.Raise()
	}
	return true
}

func (e *Engine) next() (job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.queue) > 0 {
		j := e.queue[0]
		e.queue = e.queue[1:]
		if j.t.token == j.token {
			return j, true
		}
		// aborted while queued
	}
	return job{}, false
}

// execute performs the copy unless the submission was aborted meanwhile.
// The token comparison and the copy happen under mu, so an Abort either
// lands before the copy or finds nothing to cancel.
func (e *Engine) execute(j job) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := j.t
	if t.token != j.token {
		return false
	}
	t.token = 0

	src, err := e.bus.Slice(t.Src, t.Size)
	if err == nil {
		var dst []byte
		if dst, err = e.bus.Slice(t.Dst, t.Size); err == nil {
			copy(dst, src)
		}
	}
	if err != nil {
		t.err = err
		e.stats.Faulted++
		e.logger.WithError(err).WithFields(logrus.Fields{
			"src": fmt.Sprintf("%#08x", uint32(t.Src)), "dst": fmt.Sprintf("%#08x", uint32(t.Dst)), "size": t.Size,
		}).Error("dma transfer faulted")
	} else {
		e.stats.Completed++
		e.stats.Bytes += uint64(t.Size)
	}
	t.completed = true
	e.done = append(e.done, t)
	return true
}

// complete is the completion interrupt handler.
func (e *Engine) complete() {
	e.mu.Lock()
	done := e.done
	e.done = nil
	for _, t := range done {
		t.completed = false
	}
	e.mu.Unlock()

	for _, t := range done {
		if t.Done != nil {
			t.Done(t)
		}
	}
}

// Stats returns the transfer counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ToHostAddr translates a controller-space address inside r into the host
// address space.
func ToHostAddr(r *shmem.Region, a shmem.Addr) (shmem.Addr, error) {
	return r.ToHost(a)
}
