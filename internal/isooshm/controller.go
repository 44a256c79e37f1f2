package isooshm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/isoshm/internal/ipcqueue"
	"github.com/srg/isoshm/internal/ipcspinlock"
	"github.com/srg/isoshm/internal/shmem"
)

// Options sizes the shared layout.
type Options struct {
	Links  uint16
	Groups uint8
	// EventDepth is the number of slots of the controller to host event queue.
	EventDepth uint32
	// CollectDelay keeps a released item allocated for at least this many
	// microseconds after it was retired.
	CollectDelay uint32
	Logger       *logrus.Logger
}

// SignalFunc raises the controller to host interrupt.
type SignalFunc func()

// Stats is a snapshot of the queue population.
type Stats struct {
	Live      int
	Pending   int
	Released  int
	Retired   uint64
	Collected uint64
	FreeBytes uint32
}

// Controller is the core A side: it owns the layout, creates and retires
// queues and runs the garbage collector.
type Controller struct {
	region *shmem.Region
	logger *logrus.Logger
	signal SignalFunc

	links        uint16
	groups       uint8
	collectDelay uint32

	tableOff uint32
	syncOff  uint32
	driftOff uint32
	gc       gcList
	gcLock   *ipcspinlock.Lock
	events   *ipcqueue.Queue

	// mu serialises core A's own callers; the peer is handled by the
	// spinlocks.
	mu        sync.Mutex
	alloc     *shmem.Allocator
	queues    map[uint32]*ipcqueue.Queue
	retired   uint64
	collected uint64
}

// Init lays the whole shared structure out in r and publishes it. The
// region is cleared first; magic is the last word written.
func Init(r *shmem.Region, opts Options, signal SignalFunc) (*Controller, error) {
	if opts.Links == 0 {
		return nil, fmt.Errorf("at least one link is required: %w", ErrLink)
	}
	if opts.EventDepth == 0 {
		opts.EventDepth = uint32(opts.Links) * 2
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if signal == nil {
		signal = func() {}
	}

	r.Zero(0, r.Size())

	alloc, err := shmem.NewAllocator(DescriptorOffset+DescriptorSize, r.Size())
	if err != nil {
		return nil, err
	}
	c := &Controller{
		region:       r,
		logger:       opts.Logger,
		signal:       signal,
		links:        opts.Links,
		groups:       opts.Groups,
		collectDelay: opts.CollectDelay,
		alloc:        alloc,
		queues:       make(map[uint32]*ipcqueue.Queue),
	}

	place := func(what string, n uint32) (uint32, error) {
		off, err := alloc.Alloc(n)
		if err != nil {
			return 0, fmt.Errorf("%s (%d bytes): %w", what, n, err)
		}
		return off, nil
	}

	evtOff, err := place("event queue", ipcqueue.Footprint(EventSize, opts.EventDepth))
	if err != nil {
		return nil, err
	}
	if c.events, err = ipcqueue.Init(r, evtOff, EventSize, opts.EventDepth); err != nil {
		return nil, err
	}
	if c.tableOff, err = place("queue table", uint32(opts.Links)*2*shmem.WordSize); err != nil {
		return nil, err
	}
	gcOff, err := place("gc list", GCListSize)
	if err != nil {
		return nil, err
	}
	c.gc = gcList{region: r, off: gcOff}
	if c.gcLock, err = ipcspinlock.Init(r, gcOff+offGCLock); err != nil {
		return nil, err
	}
	if c.syncOff, err = place("tx sync table", uint32(opts.Links)*TxSyncSize); err != nil {
		return nil, err
	}
	for i := uint32(0); i < uint32(opts.Links); i++ {
		if _, err := ipcspinlock.Init(r, c.syncOff+i*TxSyncSize+offSyncLock); err != nil {
			return nil, err
		}
	}
	if opts.Groups > 0 {
		if c.driftOff, err = place("peer drift table", uint32(opts.Groups)*PeerDriftSize); err != nil {
			return nil, err
		}
		for g := uint32(0); g < uint32(opts.Groups); g++ {
			r.Store32(c.driftOff+g*PeerDriftSize+offDriftGroup, g)
		}
	}

	d := DescriptorOffset
	r.Store32(d+offCapacity, uint32(opts.Links)|uint32(opts.Groups)<<16)
	r.StoreAddr(d+offEventQueue, r.CtrlAddr(evtOff))
	r.StoreAddr(d+offQueueTable, r.CtrlAddr(c.tableOff))
	r.StoreAddr(d+offGCList, r.CtrlAddr(gcOff))
	r.StoreAddr(d+offTxSync, r.CtrlAddr(c.syncOff))
	if opts.Groups > 0 {
		r.StoreAddr(d+offPeerDrift, r.CtrlAddr(c.driftOff))
	}
	r.Store32(d+offVersion, LayoutVersion)

	r.Barrier().Flush(0, r.Size())
	r.Barrier().Fence()
	r.Store32(d+offMagic, Magic)
	r.Barrier().Flush(d+offMagic, shmem.WordSize)

	c.logger.WithFields(logrus.Fields{
		"links":       opts.Links,
		"groups":      opts.Groups,
		"event_depth": opts.EventDepth,
		"free":        alloc.Available(),
	}).Debug("isooshm descriptor published")
	return c, nil
}

func (c *Controller) Region() *shmem.Region { return c.region }

func (c *Controller) tableEntry(link uint16, dir Direction) uint32 {
	return c.tableOff + (uint32(link)*2+uint32(dir))*shmem.WordSize
}

func (c *Controller) check(link uint16, dir Direction) error {
	if link >= c.links {
		return queueErr(link, dir, ErrLink)
	}
	if !dir.Valid() {
		return queueErr(link, dir, ErrDirection)
	}
	return nil
}

// CreateQueue allocates a queue able to carry SDUs of up to maxSDU payload
// bytes, count deep, and publishes it in the [link][dir] table.
func (c *Controller) CreateQueue(link uint16, dir Direction, maxSDU, count uint32) (*ipcqueue.Queue, error) {
	if err := c.check(link, dir); err != nil {
		return nil, err
	}
	if maxSDU > MaxSDULen {
		return nil, queueErr(link, dir, fmt.Errorf("max SDU %d: %w", maxSDU, ipcqueue.ErrSize))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := packLinkDir(link, dir)
	if _, ok := c.queues[key]; ok {
		return nil, queueErr(link, dir, ErrQueueExists)
	}

	itemSize := SDUFootprint(maxSDU)
	footprint := GCItemHeaderSize + ipcqueue.Footprint(itemSize, count)
	item, err := c.alloc.Alloc(footprint)
	if err != nil {
		return nil, queueErr(link, dir, err)
	}
	q, err := ipcqueue.Init(c.region, item+GCItemHeaderSize, itemSize, count)
	if err != nil {
		_ = c.alloc.Free(item)
		return nil, queueErr(link, dir, err)
	}

	r := c.region
	r.StoreAddr(item+offItemNext, shmem.NilAddr)
	r.Store32(item+offItemLinkDir, key)
	r.Store32(item+offItemRetiredAt, 0)
	r.Store32(item+offItemFootprint, footprint)
	r.Barrier().Flush(item, GCItemHeaderSize)
	r.Barrier().Fence()

	entry := c.tableEntry(link, dir)
	r.StoreAddr(entry, r.CtrlAddr(q.Offset()))
	r.Barrier().Flush(entry, shmem.WordSize)

	c.queues[key] = q
	c.logger.WithFields(logrus.Fields{
		"link_id": link, "dir": dir, "item_size": itemSize, "count": count,
	}).Debug("queue created")
	return q, nil
}

// Queue returns core A's handle on a live queue.
func (c *Controller) Queue(link uint16, dir Direction) (*ipcqueue.Queue, error) {
	if err := c.check(link, dir); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[packLinkDir(link, dir)]
	if !ok {
		return nil, queueErr(link, dir, ErrNoQueue)
	}
	return q, nil
}

// RetireQueue moves a live queue to the pending list and tells core B about
// it. If the event cannot be posted the queue stays live.
func (c *Controller) RetireQueue(link uint16, dir Direction) error {
	if err := c.check(link, dir); err != nil {
		return err
	}

	c.mu.Lock()
	key := packLinkDir(link, dir)
	q, ok := c.queues[key]
	if !ok {
		c.mu.Unlock()
		return queueErr(link, dir, ErrNoQueue)
	}
	if c.events.IsFull() {
		c.mu.Unlock()
		return queueErr(link, dir, ErrEventQueueFull)
	}

	r := c.region
	item := q.Offset() - GCItemHeaderSize
	entry := c.tableEntry(link, dir)
	r.StoreAddr(entry, shmem.NilAddr)
	r.Barrier().Flush(entry, shmem.WordSize)
	r.Store32(item+offItemRetiredAt, r.Load32(DescriptorOffset+offTimestamp))
	r.Barrier().Flush(item+offItemRetiredAt, shmem.WordSize)

	_ = c.gcLock.Do(CoreA, func() { c.gc.push(offGCPending, item) })

	slot, _ := c.events.Alloc()
	h, a := Event{Kind: EventQueueRetired, LinkID: link, Dir: dir, Item: r.CtrlAddr(item)}.encode()
	r.Store32(slot+offEvtHeader, h)
	r.Store32(slot+offEvtItem, a)
	c.events.Commit()

	delete(c.queues, key)
	c.retired++
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"link_id": link, "dir": dir}).Debug("queue retired")
	c.signal()
	return nil
}

// Collect frees every released item whose collect delay has expired at now
// and returns how many it freed. Pending items are never touched.
func (c *Controller) Collect(now uint32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.region
	var (
		items []uint32
		err   error
	)
	_ = c.gcLock.Do(CoreA, func() {
		items, err = c.gc.unlink(offGCReleased, func(item uint32) bool {
			return timeReached(now, r.Load32(item+offItemRetiredAt)+c.collectDelay)
		})
	})

	for _, item := range items {
		r.Zero(item, GCItemHeaderSize)
		if ferr := c.alloc.Free(item); ferr != nil {
			c.logger.WithError(ferr).WithField("item", fmt.Sprintf("%#x", item)).Warn("gc item not owned by the allocator")
			continue
		}
		c.collected++
	}
	if err != nil {
		c.logger.WithError(err).Error("released list walk aborted")
	}
	return len(items), err
}

// RunCollector calls Collect every interval with the published timestamp
// until ctx is done.
func (c *Controller) RunCollector(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			n, err := c.Collect(c.Timestamp())
			if err != nil {
				return err
			}
			if n > 0 {
				c.logger.WithField("freed", n).Debug("gc collected")
			}
		}
	}
}

// SetTimestamp publishes the live controller clock.
func (c *Controller) SetTimestamp(t uint32) {
	c.region.Store32(DescriptorOffset+offTimestamp, t)
	c.region.Barrier().Flush(DescriptorOffset+offTimestamp, shmem.WordSize)
}

// Timestamp returns the last published controller clock.
func (c *Controller) Timestamp() uint32 {
	return c.region.Load32(DescriptorOffset + offTimestamp)
}

func (c *Controller) syncLock(link uint16) *ipcspinlock.Lock {
	l, _ := ipcspinlock.Open(c.region, c.syncOff+uint32(link)*TxSyncSize+offSyncLock)
	return l
}

// UpdateTxSync records the synchronisation point of the last TX SDU of link.
func (c *Controller) UpdateTxSync(link uint16, s TxSync) error {
	if link >= c.links {
		return queueErr(link, DirTX, ErrLink)
	}
	rec := c.syncOff + uint32(link)*TxSyncSize
	r := c.region
	return c.syncLock(link).Do(CoreA, func() {
		r.Store32(rec+offSyncRef, s.SDURef)
		r.Store32(rec+offSyncAnchor, s.SDUAnchor)
		var valid uint32
		if s.Valid {
			valid = 1
		}
		r.Store32(rec+offSyncSeqValid, uint32(s.SeqNum)|valid<<16)
		r.Barrier().Flush(rec, TxSyncSize)
	})
}

// InvalidateTxSync clears the valid flag of link's TX sync record.
func (c *Controller) InvalidateTxSync(link uint16) error {
	if link >= c.links {
		return queueErr(link, DirTX, ErrLink)
	}
	rec := c.syncOff + uint32(link)*TxSyncSize
	r := c.region
	return c.syncLock(link).Do(CoreA, func() {
		r.Store32(rec+offSyncSeqValid, r.Load32(rec+offSyncSeqValid)&0xFFFF)
		r.Barrier().Flush(rec+offSyncSeqValid, shmem.WordSize)
	})
}

// SetPeerDrift publishes the clock drift measured against group grp's peer.
func (c *Controller) SetPeerDrift(grp uint8, drift int32) error {
	if grp >= c.groups {
		return fmt.Errorf("group %d of %d: %w", grp, c.groups, ErrGroup)
	}
	off := c.driftOff + uint32(grp)*PeerDriftSize + offDriftValue
	c.region.Store32(off, uint32(drift))
	c.region.Barrier().Flush(off, shmem.WordSize)
	return nil
}

// Notify raises the controller to host interrupt without posting an event,
// to tell core B that queue indices moved.
func (c *Controller) Notify() { c.signal() }

// Stats walks the GC lists and returns the current population.
func (c *Controller) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Live:      len(c.queues),
		Retired:   c.retired,
		Collected: c.collected,
		FreeBytes: c.alloc.Available(),
	}
	var err error
	_ = c.gcLock.Do(CoreA, func() {
		if s.Pending, err = c.gc.count(offGCPending); err != nil {
			return
		}
		s.Released, err = c.gc.count(offGCReleased)
	})
	return s, err
}
