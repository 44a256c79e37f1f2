package isooshm

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/isoshm/internal/ipcqueue"
	"github.com/srg/isoshm/internal/ipcspinlock"
	"github.com/srg/isoshm/internal/shmem"
)

// AttachOptions tunes Attach.
type AttachOptions struct {
	// PollInterval is how often the magic word is re-read while waiting.
	PollInterval time.Duration
	Logger       *logrus.Logger
}

// QueueRef is core B's view of a live queue.
type QueueRef struct {
	Queue  *ipcqueue.Queue
	LinkID uint16
	Dir    Direction
	// Item is the controller-space address of the owning GC item, the value
	// to hand to Release once the queue is retired.
	Item shmem.Addr
}

// MaxSDU returns the largest payload one queue slot carries.
func (q QueueRef) MaxSDU() uint32 { return q.Queue.ItemSize() - SDUHeaderSize }

// Host is the core B side of the descriptor. It never allocates or frees
// shared memory.
type Host struct {
	region *shmem.Region
	logger *logrus.Logger

	links  uint16
	groups uint8

	tableOff uint32
	syncOff  uint32
	driftOff uint32
	gc       gcList
	gcLock   *ipcspinlock.Lock
	events   *ipcqueue.Queue
}

// Attach waits for core A to publish the descriptor in r, then validates it.
func Attach(ctx context.Context, r *shmem.Region, opts AttachOptions) (*Host, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}

	d := DescriptorOffset
	if !published(r) {
		opts.Logger.Debug("waiting for isooshm descriptor")
		t := time.NewTicker(opts.PollInterval)
		defer t.Stop()
		for !published(r) {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrNotPublished, ctx.Err())
			case <-t.C:
			}
		}
	}
	r.Barrier().Fence()
	r.Barrier().Invalidate(d, DescriptorSize)

	if v := r.Load32(d + offVersion); v != LayoutVersion {
		return nil, fmt.Errorf("peer layout v%d, local v%d: %w", v, LayoutVersion, ErrVersion)
	}

	capacity := r.Load32(d + offCapacity)
	h := &Host{
		region: r,
		logger: opts.Logger,
		links:  uint16(capacity),
		groups: uint8(capacity >> 16),
	}
	if h.links == 0 {
		return nil, fmt.Errorf("descriptor advertises no links: %w", ErrCorrupt)
	}

	ptr := func(what string, field, size uint32) (uint32, error) {
		off, err := r.Offset(r.LoadAddr(d + field))
		if err != nil || off%shmem.WordSize != 0 || !r.Contains(off, size) {
			return 0, fmt.Errorf("%s pointer %#08x: %w", what, r.Load32(d+field), ErrCorrupt)
		}
		return off, nil
	}

	evtOff, err := ptr("event queue", offEventQueue, ipcqueue.HeaderSize)
	if err != nil {
		return nil, err
	}
	if h.events, err = ipcqueue.Open(r, evtOff); err != nil {
		return nil, err
	}
	if h.events.ItemSize() != EventSize {
		return nil, fmt.Errorf("event item size %d: %w", h.events.ItemSize(), ErrCorrupt)
	}
	if h.tableOff, err = ptr("queue table", offQueueTable, uint32(h.links)*2*shmem.WordSize); err != nil {
		return nil, err
	}
	gcOff, err := ptr("gc list", offGCList, GCListSize)
	if err != nil {
		return nil, err
	}
	h.gc = gcList{region: r, off: gcOff}
	if h.gcLock, err = ipcspinlock.Open(r, gcOff+offGCLock); err != nil {
		return nil, err
	}
	if h.syncOff, err = ptr("tx sync table", offTxSync, uint32(h.links)*TxSyncSize); err != nil {
		return nil, err
	}
	if h.groups > 0 {
		if h.driftOff, err = ptr("peer drift table", offPeerDrift, uint32(h.groups)*PeerDriftSize); err != nil {
			return nil, err
		}
	}

	h.logger.WithFields(logrus.Fields{"links": h.links, "groups": h.groups}).Debug("attached to isooshm descriptor")
	return h, nil
}

func published(r *shmem.Region) bool {
	r.Barrier().Invalidate(DescriptorOffset+offMagic, shmem.WordSize)
	return r.Load32(DescriptorOffset+offMagic) == Magic
}

func (h *Host) Region() *shmem.Region { return h.region }

// Capacity returns the number of links and groups the descriptor supports.
func (h *Host) Capacity() (links uint16, groups uint8) { return h.links, h.groups }

// Timestamp reads the live controller clock.
func (h *Host) Timestamp() uint32 {
	h.region.Barrier().Invalidate(DescriptorOffset+offTimestamp, shmem.WordSize)
	return h.region.Load32(DescriptorOffset + offTimestamp)
}

// Queue looks the [link][dir] table up.
func (h *Host) Queue(link uint16, dir Direction) (QueueRef, error) {
	if link >= h.links {
		return QueueRef{}, queueErr(link, dir, ErrLink)
	}
	if !dir.Valid() {
		return QueueRef{}, queueErr(link, dir, ErrDirection)
	}

	r := h.region
	entry := h.tableOff + (uint32(link)*2+uint32(dir))*shmem.WordSize
	r.Barrier().Invalidate(entry, shmem.WordSize)
	addr := r.LoadAddr(entry)
	if addr == shmem.NilAddr {
		return QueueRef{}, queueErr(link, dir, ErrNoQueue)
	}
	r.Barrier().Fence()

	off, err := r.Offset(addr)
	if err != nil || off < GCItemHeaderSize {
		return QueueRef{}, queueErr(link, dir, fmt.Errorf("table entry %#08x: %w", uint32(addr), ErrCorrupt))
	}
	q, err := ipcqueue.Open(r, off)
	if err != nil {
		return QueueRef{}, queueErr(link, dir, err)
	}
	if q.ItemSize() < SDUHeaderSize {
		return QueueRef{}, queueErr(link, dir, fmt.Errorf("item size %d: %w", q.ItemSize(), ErrCorrupt))
	}
	return QueueRef{Queue: q, LinkID: link, Dir: dir, Item: addr - shmem.Addr(GCItemHeaderSize)}, nil
}

// PollEvents drains the event queue, calling fn for every event in order,
// and returns how many it delivered.
func (h *Host) PollEvents(fn func(Event)) int {
	n := 0
	for {
		off, err := h.events.Peek()
		if err != nil {
			return n
		}
		ev := decodeEvent(h.region.Load32(off+offEvtHeader), h.region.Load32(off+offEvtItem))
		h.events.Pop()

		if ev.Kind != EventQueueRetired {
			h.logger.WithField("kind", ev.Kind).Warn("unknown isooshm event dropped")
			continue
		}
		n++
		fn(ev)
	}
}

// Release hands a retired queue back to core A. The item must be on the
// pending list; anything else, including a second release, returns
// ErrNotPending and changes nothing.
func (h *Host) Release(item shmem.Addr) error {
	r := h.region
	off, err := r.Offset(item)
	if err != nil {
		return fmt.Errorf("release %#08x: %w", uint32(item), ErrNotPending)
	}

	var (
		found   []uint32
		linkDir uint32
	)
	lockErr := h.gcLock.Do(CoreB, func() {
		found, err = h.gc.unlink(offGCPending, func(i uint32) bool { return i == off })
		if len(found) == 1 {
			linkDir = r.Load32(off + offItemLinkDir)
			h.gc.push(offGCReleased, off)
		}
	})
	if lockErr != nil {
		return lockErr
	}
	if len(found) == 0 {
		if err != nil {
			return err
		}
		return fmt.Errorf("release %#08x: %w", uint32(item), ErrNotPending)
	}

	link, dir := unpackLinkDir(linkDir)
	h.logger.WithFields(logrus.Fields{"link_id": link, "dir": dir}).Debug("queue released")
	return nil
}

// TxSync reads link's TX sync record.
func (h *Host) TxSync(link uint16) (TxSync, error) {
	if link >= h.links {
		return TxSync{}, queueErr(link, DirTX, ErrLink)
	}
	r := h.region
	rec := h.syncOff + uint32(link)*TxSyncSize
	lock, err := ipcspinlock.Open(r, rec+offSyncLock)
	if err != nil {
		return TxSync{}, err
	}

	var s TxSync
	err = lock.Do(CoreB, func() {
		r.Barrier().Invalidate(rec, TxSyncSize)
		sv := r.Load32(rec + offSyncSeqValid)
		s = TxSync{
			SDURef:    r.Load32(rec + offSyncRef),
			SDUAnchor: r.Load32(rec + offSyncAnchor),
			SeqNum:    uint16(sv),
			Valid:     sv>>16&1 == 1,
		}
	})
	return s, err
}

// PeerDrift reads the drift published for group grp, in microseconds.
func (h *Host) PeerDrift(grp uint8) (int32, error) {
	if grp >= h.groups {
		return 0, fmt.Errorf("group %d of %d: %w", grp, h.groups, ErrGroup)
	}
	rec := h.driftOff + uint32(grp)*PeerDriftSize
	h.region.Barrier().Invalidate(rec, PeerDriftSize)
	if g := h.region.Load32(rec + offDriftGroup); g != uint32(grp) {
		return 0, fmt.Errorf("drift record %d carries group %d: %w", grp, g, ErrCorrupt)
	}
	return int32(h.region.Load32(rec + offDriftValue)), nil
}
