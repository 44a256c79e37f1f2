package gapi

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/srg/isoshm/internal/isooshm"
	"github.com/srg/isoshm/internal/plf"
	"github.com/srg/isoshm/internal/trace"
)

// Callback reports a buffer handed back by the data path: consumed (TX) or
// filled (RX) when err is nil, returned unused otherwise. It runs in
// interrupt context.
type Callback func(ctx CallbackContext, buf *SDUBuf, err error)

// CallbackContext is the part of the API a Callback may use.
type CallbackContext struct {
	dp *DataPath
}

// SetBuf installs the next buffer on the data path that raised the callback.
func (c CallbackContext) SetBuf(buf *SDUBuf) error { return c.dp.setBuf(buf) }

// StreamLID returns the stream the callback belongs to.
func (c CallbackContext) StreamLID() uint8 { return c.dp.streamLID }

// DataPath is one host data path. The zero value is Uninitialized; the
// owning application allocates it and keeps it for as long as it likes.
// Every field is guarded by the interrupt mask.
type DataPath struct {
	api *API
	cb  Callback

	state     State
	streamLID uint8
	linkID    uint16
	grpID     uint8
	dir       Direction

	queue    isooshm.QueueRef
	retired  bool // queue retired while bound
	released bool // retired queue handed back to the controller
	acquired bool // holds the local time service

	buf         *SDUBuf
	xfer        plf.Transfer
	outstanding bool // DMA submitted, completion not delivered
}

func (dp *DataPath) fail(op string, err error) error {
	return &Error{Op: op, StreamLID: dp.streamLID, State: dp.state, Err: err}
}

func (dp *DataPath) log() *logrus.Entry {
	return dp.api.logger.WithFields(logrus.Fields{
		"stream_lid": dp.streamLID,
		"link_id":    dp.linkID,
		"dir":        dp.dir,
		"state":      dp.state,
	})
}

func (dp *DataPath) record(kind trace.Kind, size uint32, err error) {
	rec := trace.Record{
		Kind:      kind,
		StreamLID: dp.streamLID,
		LinkID:    dp.linkID,
		Dir:       dp.dir.String(),
		State:     dp.state.String(),
		Size:      size,
	}
	if err != nil {
		rec.Err = err.Error()
	}
	dp.api.trace.Record(rec)
}

// masked runs fn under the interrupt mask, or reports ErrNotInitialized for
// a path InitDataPath never saw.
func (dp *DataPath) masked(op string, fn func() error) error {
	if dp.api == nil {
		return dp.fail(op, ErrNotInitialized)
	}
	var err error
	dp.api.irq.Masked(func() { err = fn() })
	return err
}

// State returns the current state.
func (dp *DataPath) State() State {
	if dp.api == nil {
		return Uninitialized
	}
	var s State
	dp.api.irq.Masked(func() { s = dp.state })
	return s
}

// StreamLID returns the bound stream.
func (dp *DataPath) StreamLID() uint8 { return dp.streamLID }

// Bind attaches the path to the queue the controller registered for the
// stream's link in direction dir.
func (dp *DataPath) Bind(streamLID uint8, dir Direction) error {
	err := dp.masked("bind", func() error {
		if dp.state != Initialized {
			return dp.fail("bind", ErrInvalidState)
		}
		if !dir.Valid() {
			return dp.fail("bind", ErrInvalidParam)
		}
		a := dp.api
		stream, err := a.resolver.Resolve(streamLID)
		if err != nil {
			return &Error{Op: "bind", StreamLID: streamLID, State: dp.state, Err: err}
		}
		ref, err := a.host.Queue(stream.LinkID, dir)
		if err != nil {
			if errors.Is(err, isooshm.ErrNoQueue) {
				err = ErrNoQueue
			} else if errors.Is(err, isooshm.ErrLink) {
				err = ErrInvalidParam
			}
			return &Error{Op: "bind", StreamLID: streamLID, State: dp.state, Err: err}
		}
		if cur, loaded := a.bound.GetOrInsert(bindKey(stream.LinkID, dir), dp); loaded && cur != dp {
			return &Error{Op: "bind", StreamLID: streamLID, State: dp.state, Err: ErrQueueInUse}
		}

		dp.streamLID = streamLID
		dp.linkID = stream.LinkID
		dp.grpID = stream.GroupID
		dp.dir = dir
		dp.queue = ref
		dp.retired, dp.released = false, false
		dp.xfer = plf.Transfer{Done: dp.onTransferDone}
		dp.state = Bound
		dp.acquired = true
		dp.record(trace.KindBind, 0, nil)
		dp.log().Debug("data path bound")
		return nil
	})
	if err == nil {
		dp.api.sync.Acquire()
	}
	return err
}

// SetBuf installs the next SDU buffer. If the queue already has room (TX) or
// data (RX) the transfer starts at once. Thread context; from a Callback use
// CallbackContext.SetBuf.
func (dp *DataPath) SetBuf(buf *SDUBuf) error {
	return dp.masked("set_buf", func() error { return dp.setBuf(buf) })
}

func (dp *DataPath) setBuf(buf *SDUBuf) error {
	switch {
	case dp.state == TransferPending || dp.state == TransferOngoing:
		return dp.fail("set_buf", ErrBusy)
	case dp.state != Bound:
		return dp.fail("set_buf", ErrInvalidState)
	case buf == nil:
		return dp.fail("set_buf", ErrInvalidParam)
	case dp.retired:
		return dp.fail("set_buf", ErrQueueRetired)
	}

	slot := dp.queue.Queue.ItemSize()
	if dp.dir == DirTX {
		if buf.Size() > slot {
			return dp.fail("set_buf", ErrBufferTooSmall)
		}
	} else if uint32(len(buf.Block().Mem)) < slot {
		return dp.fail("set_buf", ErrBufferTooSmall)
	}

	dp.buf = buf
	dp.state = TransferPending
	dp.record(trace.KindSetBuf, buf.Size(), nil)
	if err := dp.kick(); err != nil {
		return dp.fail("set_buf", err)
	}
	return nil
}

// kick starts the DMA for the installed buffer if the queue allows it. On a
// submission failure the path is back in Bound and the buffer is no longer
// installed. Caller holds the mask.
func (dp *DataPath) kick() error {
	if dp.state != TransferPending || dp.outstanding {
		return nil
	}
	q := dp.queue.Queue
	region := dp.api.host.Region()

	var (
		off uint32
		err error
	)
	if dp.dir == DirTX {
		if off, err = q.Alloc(); err != nil {
			return nil // full; retried on the next signal
		}
		dp.xfer.Src = dp.buf.Addr()
		dp.xfer.Dst = region.HostAddr(off)
		dp.xfer.Size = dp.buf.Size()
	} else {
		if off, err = q.Peek(); err != nil {
			return nil // empty; retried on the next signal
		}
		size := q.ItemSize()
		if sdu, derr := isooshm.DecodeSDU(q.Item(off)); derr == nil {
			size = min(isooshm.SDUFootprint(uint32(len(sdu.Data))), size)
		} else {
			dp.log().WithError(derr).Warn("malformed RX record, copying whole slot")
		}
		dp.xfer.Src = region.HostAddr(off)
		dp.xfer.Dst = dp.buf.Addr()
		dp.xfer.Size = size
	}

	if err := dp.api.engine.Copy(&dp.xfer); err != nil {
		buf := dp.buf
		dp.buf = nil
		dp.state = Bound
		dp.log().WithError(err).Error("dma submission failed")
		dp.record(trace.KindFault, buf.Size(), err)
		return err
	}
	dp.outstanding = true
	dp.state = TransferOngoing
	dp.record(trace.KindTransferStart, dp.xfer.Size, nil)
	return nil
}

// retry restarts a parked transfer from the controller signal. A failed
// submission hands the buffer back through the callback. Interrupt context.
func (dp *DataPath) retry() {
	buf := dp.buf
	if err := dp.kick(); err != nil {
		dp.cb(CallbackContext{dp: dp}, buf, dp.fail("transfer", err))
	}
}

// onTransferDone is the DMA completion. Interrupt context.
func (dp *DataPath) onTransferDone(t *plf.Transfer) {
	dp.outstanding = false
	status := t.Err()

	if dp.state != TransferOngoing {
		// unbound meanwhile; the buffer already went back through Unbind
		dp.record(trace.KindTransferDone, t.Size, status)
		dp.releaseRetired()
		return
	}

	if status == nil {
		if dp.dir == DirTX {
			dp.queue.Queue.Commit()
		} else {
			dp.queue.Queue.Pop()
		}
	} else {
		dp.log().WithError(status).Error("sdu transfer failed")
	}

	buf := dp.buf
	dp.buf = nil
	dp.state = Bound
	dp.record(trace.KindTransferDone, t.Size, status)
	dp.releaseRetired()

	var cbErr error
	if status != nil {
		cbErr = dp.fail("transfer", status)
	}
	dp.cb(CallbackContext{dp: dp}, buf, cbErr)
}

// onRetired handles the controller retiring the bound queue. Interrupt
// context.
func (dp *DataPath) onRetired() {
	dp.retired = true
	if dp.state == TransferPending {
		buf := dp.buf
		dp.buf = nil
		dp.state = Bound
		dp.releaseRetired()
		dp.cb(CallbackContext{dp: dp}, buf, dp.fail("transfer", ErrQueueRetired))
		return
	}
	dp.releaseRetired()
}

// releaseRetired hands a retired queue back once no DMA touches it.
func (dp *DataPath) releaseRetired() {
	if !dp.retired || dp.released || dp.outstanding {
		return
	}
	dp.released = true
	dp.api.release(dp.queue.Item, dp.linkID, dp.dir)
}

// Unbind detaches the path. From any bound state it aborts an in-flight
// transfer, returns the installed buffer (if any) and moves to Destroyed.
// From Destroyed it completes teardown and returns to Initialized, or fails
// with ErrTransferOutstanding while the aborted transfer has not completed.
func (dp *DataPath) Unbind() (*SDUBuf, error) {
	var (
		pending *SDUBuf
		drop    bool
	)
	err := dp.masked("unbind", func() error {
		switch {
		case dp.state == Destroyed:
			if dp.outstanding {
				return dp.fail("unbind", ErrTransferOutstanding)
			}
			dp.state = Initialized
			dp.queue = isooshm.QueueRef{}
			dp.log().Debug("data path torn down")
			return nil
		case !dp.state.bound():
			return dp.fail("unbind", ErrInvalidState)
		}

		if dp.state == TransferOngoing {
			dp.api.engine.Abort(&dp.xfer)
		}
		pending = dp.buf
		dp.buf = nil
		if cur, ok := dp.api.bound.Get(bindKey(dp.linkID, dp.dir)); ok && cur == dp {
			dp.api.bound.Del(bindKey(dp.linkID, dp.dir))
		}
		dp.state = Destroyed
		dp.releaseRetired()
		drop = dp.acquired
		dp.acquired = false
		dp.record(trace.KindUnbind, 0, nil)
		dp.log().Debug("data path unbound")
		return nil
	})
	if drop {
		dp.api.sync.Release()
	}
	return pending, err
}
