package sim

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/isoshm/internal/ipcqueue"
	"github.com/srg/isoshm/internal/isooshm"
	"github.com/srg/isoshm/pkg/gapi"
)

// frame header on the air ring: seq, len
const frameHeader = 4

// link is one looped-back ISO link: a TX and an RX queue owned by the
// controller, the two host data paths bound to them and the air ring that
// carries uplinked SDUs back down.
type link struct {
	sim *simulator
	id  uint16
	grp uint8

	// controller side, air goroutine only
	txq, rxq *ipcqueue.Queue
	airRing  *ringbuffer.RingBuffer
	produced int
	lastSeq  uint16
	airDone  chan struct{}

	tx, rx gapi.DataPath
	txFree chan *gapi.SDUBuf
	sent   int    // feeder only
	rxNext uint16 // dispatcher only

	txSDUs, txStamped, uplinked    atomic.Int64
	rxSDUs, rxBytes, corrupt, lost atomic.Int64
	returned                       atomic.Int64
}

func (s *simulator) newLink(id uint16, grp uint8) (*link, error) {
	cfg := s.cfg.Stream
	l := &link{
		sim:     s,
		id:      id,
		grp:     grp,
		airRing: ringbuffer.New(int(cfg.QueueDepth) * (frameHeader + int(cfg.MaxSDU)) * 2),
		airDone: make(chan struct{}),
		txFree:  make(chan *gapi.SDUBuf, 1),
	}
	var err error
	if l.txq, err = s.ctrl.CreateQueue(id, isooshm.DirTX, cfg.MaxSDU, cfg.QueueDepth); err != nil {
		return nil, err
	}
	if l.rxq, err = s.ctrl.CreateQueue(id, isooshm.DirRX, cfg.MaxSDU, cfg.QueueDepth); err != nil {
		return nil, err
	}

	if err = s.api.InitDataPath(&l.tx, l.onTx); err != nil {
		return nil, err
	}
	if err = s.api.InitDataPath(&l.rx, l.onRx); err != nil {
		return nil, err
	}
	if err = l.tx.Bind(streamLID(id), gapi.DirTX); err != nil {
		return nil, err
	}
	if err = l.rx.Bind(streamLID(id), gapi.DirRX); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *link) log() *logrus.Entry {
	return l.sim.logger.WithField("link_id", l.id)
}

func (l *link) buffer() (*gapi.SDUBuf, error) {
	blk, err := l.sim.pool.Get()
	if err != nil {
		return nil, err
	}
	return isooshm.NewSDUBuf(blk)
}

func (l *link) put(buf *gapi.SDUBuf) {
	if err := l.sim.pool.Put(buf.Block()); err != nil {
		l.log().WithError(err).Warn("buffer not returned to pool")
	}
}

// start hands the RX path its buffer and the feeder its TX buffer.
func (l *link) start() error {
	rx, err := l.buffer()
	if err != nil {
		return err
	}
	if err := l.rx.SetBuf(rx); err != nil {
		return err
	}
	tx, err := l.buffer()
	if err != nil {
		return err
	}
	l.txFree <- tx
	return nil
}

// payload is the deterministic content of SDU seq on this link.
func (l *link) payload(seq uint16) []byte {
	n := max(int(l.sim.cfg.Stream.MaxSDU)-int(seq%8), 1)
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(int(seq)*7 + i + int(l.id)*31)
	}
	return p
}

// feed is the application thread: it refills the TX buffer every time the
// data path hands it back, stamping it with the drift-corrected local time.
func (l *link) feed(ctx context.Context) error {
	count := l.sim.cfg.Stream.Count
	ahead := uint32(l.sim.cfg.Stream.Interval.Microseconds())
	for {
		var buf *gapi.SDUBuf
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buf = <-l.txFree:
		}
		if l.sent >= count {
			l.put(buf)
			return nil
		}

		seq := uint16(l.sent)
		buf.Reset()
		buf.SetSeqNum(seq)
		if err := buf.SetData(l.payload(seq)); err != nil {
			return err
		}
		if now, err := l.sim.api.LocalTime(); err == nil {
			if ts, err := l.tx.ApplyDriftCorrection(now + ahead); err == nil {
				buf.SetTimestamp(ts)
				buf.SetHasTimestamp(true)
				l.txStamped.Add(1)
			}
		}

		if err := l.tx.SetBuf(buf); err != nil {
			if errors.Is(err, gapi.ErrQueueRetired) {
				l.put(buf)
				return nil
			}
			return err
		}
		l.sent++
	}
}

func (l *link) onTx(_ gapi.CallbackContext, buf *gapi.SDUBuf, err error) {
	if err != nil {
		l.returned.Add(1)
		l.put(buf)
		return
	}
	l.txSDUs.Add(1)
	select {
	case l.txFree <- buf:
	default:
		l.put(buf)
	}
}

func (l *link) onRx(ctx gapi.CallbackContext, buf *gapi.SDUBuf, err error) {
	if err != nil {
		l.returned.Add(1)
		l.put(buf)
		return
	}

	seq := buf.SeqNum()
	if gap := seq - l.rxNext; gap != 0 {
		l.lost.Add(int64(gap))
	}
	l.rxNext = seq + 1
	data := buf.Data()
	if buf.RxStatus() != isooshm.RxValid || !bytes.Equal(data, l.payload(seq)) {
		l.corrupt.Add(1)
	}
	l.rxSDUs.Add(1)
	l.rxBytes.Add(int64(len(data)))

	buf.Reset()
	if err := ctx.SetBuf(buf); err != nil {
		l.log().WithError(err).Debug("rx buffer not re-armed")
		l.put(buf)
	}
}

// air is the controller's link layer. Every interval it takes what the host
// queued for transmission, publishes the TX sync point and plays the air
// ring back into the RX queue.
func (l *link) air(ctx context.Context) error {
	interval := l.sim.cfg.Stream.Interval
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for l.produced < l.sim.cfg.Stream.Count {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
		if err := l.airTick(uint32(interval.Microseconds())); err != nil {
			return err
		}
	}
	close(l.airDone)
	l.log().WithField("sdus", l.produced).Debug("air loop finished")
	return nil
}

func (l *link) airTick(interval uint32) error {
	ctrl := l.sim.ctrl
	now := ctrl.Timestamp()
	le := binary.LittleEndian

	uplinked := 0
	for {
		off, err := l.txq.Peek()
		if err != nil {
			break // empty
		}
		sdu, err := isooshm.DecodeSDU(l.txq.Item(off))
		if err != nil {
			return err
		}
		if l.airRing.Free() < frameHeader+len(sdu.Data) {
			break
		}
		frame := make([]byte, frameHeader+len(sdu.Data))
		le.PutUint16(frame, sdu.SeqNum)
		le.PutUint16(frame[2:], uint16(len(sdu.Data)))
		copy(frame[frameHeader:], sdu.Data)
		if _, err := l.airRing.Write(frame); err != nil {
			return err
		}
		l.txq.Pop()
		l.lastSeq = sdu.SeqNum
		uplinked++
	}
	if uplinked > 0 {
		l.uplinked.Add(int64(uplinked))
		err := ctrl.UpdateTxSync(l.id, isooshm.TxSync{
			SDURef:    now + interval,
			SDUAnchor: now,
			SeqNum:    l.lastSeq + 1,
			Valid:     true,
		})
		if err != nil {
			return err
		}
	}

	produced := 0
	for l.airRing.Length() >= frameHeader && !l.rxq.IsFull() {
		var hdr [frameHeader]byte
		if _, err := l.airRing.TryRead(hdr[:]); err != nil {
			return err
		}
		data := make([]byte, le.Uint16(hdr[2:]))
		if len(data) > 0 {
			if _, err := l.airRing.TryRead(data); err != nil {
				return err
			}
		}
		off, err := l.rxq.Alloc()
		if err != nil {
			return err
		}
		err = isooshm.EncodeSDU(l.rxq.Item(off), isooshm.SDU{
			Timestamp: now,
			SeqNum:    le.Uint16(hdr[0:]),
			Status:    uint8(isooshm.RxValid),
			Data:      data,
		})
		if err != nil {
			return err
		}
		l.rxq.Commit()
		produced++
	}
	l.produced += produced

	if uplinked+produced > 0 {
		ctrl.Notify()
	}
	return nil
}

// stop unbinds both paths, waiting for aborted transfers to drain.
func (l *link) stop(ctx context.Context) error {
	for _, dp := range []*gapi.DataPath{&l.tx, &l.rx} {
		buf, err := dp.Unbind()
		if err != nil {
			return err
		}
		if buf != nil {
			l.put(buf)
		}
		for {
			_, err := dp.Unbind()
			if err == nil {
				break
			}
			if !errors.Is(err, gapi.ErrTransferOutstanding) {
				return err
			}
			if err := sleep(ctx, time.Millisecond); err != nil {
				return err
			}
		}
	}
	select {
	case buf := <-l.txFree:
		l.put(buf)
	default:
	}
	return nil
}

func (l *link) report() LinkReport {
	return LinkReport{
		LinkID:    l.id,
		GroupID:   l.grp,
		TxSDUs:    l.txSDUs.Load(),
		TxStamped: l.txStamped.Load(),
		Uplinked:  l.uplinked.Load(),
		RxSDUs:    l.rxSDUs.Load(),
		RxBytes:   l.rxBytes.Load(),
		Corrupt:   l.corrupt.Load(),
		Lost:      l.lost.Load(),
		Returned:  l.returned.Load(),
	}
}
