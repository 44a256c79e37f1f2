// Package sim runs both cores of the shared memory data path in one
// process: the controller side loops every host SDU back over a simulated
// air interface, the host side streams through pkg/gapi data paths, and the
// run ends by retiring every queue and waiting for the collector.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/isoshm/internal/groutine"
	"github.com/srg/isoshm/internal/irq"
	"github.com/srg/isoshm/internal/isooshm"
	"github.com/srg/isoshm/internal/plf"
	"github.com/srg/isoshm/internal/shmem"
	"github.com/srg/isoshm/internal/trace"
	"github.com/srg/isoshm/pkg/config"
	"github.com/srg/isoshm/pkg/gapi"
)

// ErrStalled is returned when the streams do not finish in time.
var ErrStalled = errors.New("simulation stalled")

const traceSize = 1024

// Options configures Run.
type Options struct {
	Config *config.Config
	Logger *logrus.Logger
	// KeepEvents copies the trace into the report.
	KeepEvents bool
}

type simulator struct {
	cfg    *config.Config
	logger *logrus.Logger

	region *shmem.Region
	ctrl   *isooshm.Controller
	host   *isooshm.Host
	bus    *shmem.Bus
	pool   *shmem.Pool
	irq    *irq.Controller
	timer  *plf.SimTimer
	sync   *plf.SyncService
	engine *plf.Engine
	trace  *trace.Recorder
	api    *gapi.API

	links []*link

	clockError int32
	clockValid bool
}

// Run executes one simulation and returns its report.
func Run(ctx context.Context, opts Options) (*Report, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	s := &simulator{cfg: cfg, logger: logger}
	if err := s.setup(ctx); err != nil {
		if s.region != nil {
			_ = s.region.Close()
		}
		return nil, err
	}
	defer s.region.Close()

	start := time.Now()
	g, gctx := groutine.NewGroup(ctx)
	g.Go("irq-dispatcher", s.irq.Run)
	g.Go("dma-engine", s.engine.Run)
	g.Go("sim-timer", s.timer.Run)
	g.Go("gc-collector", func(ctx context.Context) error {
		return s.ctrl.RunCollector(ctx, cfg.GC.Interval)
	})

	err := s.stream(gctx, g)
	if err == nil {
		err = s.teardown(gctx)
	}
	g.Stop()
	if werr := g.Wait(); werr != nil {
		err = werr
	}
	if err != nil {
		return nil, err
	}

	rep := s.report(time.Since(start))
	if opts.KeepEvents {
		if rep.Events, err = s.trace.Snapshot(); err != nil {
			return nil, fmt.Errorf("trace snapshot: %w", err)
		}
	}
	return rep, nil
}

func (s *simulator) setup(ctx context.Context) error {
	cfg := s.cfg
	var err error
	s.region, err = shmem.Map(cfg.Region.Size, shmem.Options{
		CtrlBase: shmem.Addr(cfg.Region.CtrlBase),
		HostBase: shmem.Addr(cfg.Region.HostBase),
	})
	if err != nil {
		return fmt.Errorf("map shared region: %w", err)
	}

	s.irq = irq.NewController(s.logger)
	s.ctrl, err = isooshm.Init(s.region, isooshm.Options{
		Links:        cfg.Stream.Links,
		Groups:       cfg.Stream.Groups,
		EventDepth:   cfg.Region.EventDepth,
		CollectDelay: cfg.GC.Delay,
		Logger:       s.logger,
	}, func() { s.api.SignalLine().Raise() })
	if err != nil {
		return fmt.Errorf("controller init: %w", err)
	}
	drift := int32(int64(cfg.Timer.DriftPPM) * cfg.Stream.Interval.Microseconds() / 1_000_000)
	for grp := range cfg.Stream.Groups {
		if err = s.ctrl.SetPeerDrift(grp, drift); err != nil {
			return err
		}
	}

	attachCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if s.host, err = isooshm.Attach(attachCtx, s.region, isooshm.AttachOptions{Logger: s.logger}); err != nil {
		return fmt.Errorf("host attach: %w", err)
	}

	s.bus = shmem.NewBus()
	if err = s.bus.MapRegion("shared", s.region); err != nil {
		return err
	}
	s.pool, err = shmem.NewPool(s.bus, shmem.Addr(cfg.DMA.PoolBase), isooshm.SDUFootprint(cfg.Stream.MaxSDU), cfg.DMA.PoolBlocks)
	if err != nil {
		return fmt.Errorf("dma pool: %w", err)
	}

	s.timer = plf.NewSimTimer(plf.SimTimerOptions{
		Width:         cfg.Timer.Width,
		CapturePeriod: cfg.Timer.CapturePeriod,
		DriftPPM:      cfg.Timer.DriftPPM,
		Publish:       s.ctrl.SetTimestamp,
	})
	s.sync = plf.NewSyncService(s.irq, s.timer)
	s.timer.Connect(s.sync.OverflowLine(), s.sync.CaptureLine())
	s.engine = plf.NewEngine(s.bus, s.irq, plf.EngineOptions{Latency: cfg.DMA.Latency, Logger: s.logger})
	if s.trace, err = trace.NewRecorder(traceSize); err != nil {
		return err
	}

	resolver := gapi.StaticResolver{}
	for id := range cfg.Stream.Links {
		resolver[streamLID(id)] = gapi.Stream{LinkID: id, GroupID: uint8(id % uint16(cfg.Stream.Groups))}
	}
	s.api, err = gapi.New(gapi.Options{
		Host:     s.host,
		Engine:   s.engine,
		Sync:     s.sync,
		IRQ:      s.irq,
		Resolver: resolver,
		Trace:    s.trace,
		Logger:   s.logger,
	})
	if err != nil {
		return err
	}

	for id := range cfg.Stream.Links {
		l, err := s.newLink(id, resolver[streamLID(id)].GroupID)
		if err != nil {
			return err
		}
		s.links = append(s.links, l)
	}
	return nil
}

func streamLID(link uint16) uint8 { return uint8(link + 1) }

// stream starts the traffic and waits until every link looped Count SDUs.
func (s *simulator) stream(ctx context.Context, g *groutine.Group) error {
	for _, l := range s.links {
		if err := l.start(); err != nil {
			return err
		}
		g.Go(fmt.Sprintf("link-%d-air", l.id), l.air)
		g.Go(fmt.Sprintf("link-%d-feeder", l.id), l.feed)
	}

	count := int64(s.cfg.Stream.Count)
	budget := time.Duration(s.cfg.Stream.Count+int(s.cfg.Stream.QueueDepth)+2)*s.cfg.Stream.Interval*4 + 2*time.Second
	poll := time.NewTicker(max(s.cfg.Stream.Interval/2, 100*time.Microsecond))
	defer poll.Stop()
	deadline := time.After(budget)

	sampled := false
	for {
		done := true
		for _, l := range s.links {
			if l.rxSDUs.Load() < count {
				done = false
			}
		}
		if !sampled && s.sync.Stats().Captures > 0 {
			sampled = s.sampleClock()
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("links did not loop %d SDUs within %s: %w", count, budget, ErrStalled)
		case <-poll.C:
		}
	}
}

func (s *simulator) sampleClock() bool {
	local, err := s.api.LocalTime()
	if err != nil {
		return false
	}
	s.clockError = int32(local - s.timer.CtrlTime())
	s.clockValid = true
	return true
}

// teardown retires every queue, unbinds every path and waits until the
// collector reclaimed all shared memory.
func (s *simulator) teardown(ctx context.Context) error {
	for _, l := range s.links {
		select {
		case <-l.airDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		for _, dir := range []isooshm.Direction{isooshm.DirTX, isooshm.DirRX} {
			if err := s.retire(ctx, l.id, dir); err != nil {
				return err
			}
		}
	}
	if err := s.waitGC(ctx, func(st isooshm.Stats) bool { return st.Pending == 0 }); err != nil {
		return fmt.Errorf("host did not release retired queues: %w", err)
	}
	for _, l := range s.links {
		if err := l.stop(ctx); err != nil {
			return err
		}
	}
	if err := s.waitGC(ctx, func(st isooshm.Stats) bool { return st.Live == 0 && st.Released == 0 }); err != nil {
		return fmt.Errorf("collector did not reclaim released queues: %w", err)
	}
	return nil
}

// retire retries while the event queue is full; the host drains it.
func (s *simulator) retire(ctx context.Context, link uint16, dir isooshm.Direction) error {
	for {
		err := s.ctrl.RetireQueue(link, dir)
		if !errors.Is(err, isooshm.ErrEventQueueFull) {
			return err
		}
		s.logger.WithFields(logrus.Fields{"link_id": link, "dir": dir}).Debug("event queue full, retrying")
		if err := sleep(ctx, time.Millisecond); err != nil {
			return err
		}
	}
}

func (s *simulator) waitGC(ctx context.Context, cond func(isooshm.Stats) bool) error {
	budget := 2*time.Second + 10*(s.cfg.Timer.CapturePeriod+s.cfg.GC.Interval)
	deadline := time.Now().Add(budget)
	for {
		st, err := s.ctrl.Stats()
		if err != nil {
			return err
		}
		if cond(st) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("gc %+v after %s: %w", st, budget, ErrStalled)
		}
		if err := sleep(ctx, time.Millisecond); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *simulator) report(elapsed time.Duration) *Report {
	rep := &Report{
		Elapsed:    elapsed,
		DMA:        s.engine.Stats(),
		IRQ:        s.irq.Stats(),
		Sync:       s.sync.Stats(),
		ClockError: s.clockError,
		ClockValid: s.clockValid,
		Trace:      s.trace.GetMetrics(),
	}
	for _, l := range s.links {
		rep.Links = append(rep.Links, l.report())
	}
	if st, err := s.ctrl.Stats(); err == nil {
		rep.GC = GCReport{
			Live:      st.Live,
			Pending:   st.Pending,
			Released:  st.Released,
			Retired:   st.Retired,
			Collected: st.Collected,
			FreeBytes: st.FreeBytes,
		}
	}
	return rep
}
