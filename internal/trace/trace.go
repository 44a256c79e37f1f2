// Package trace records data-path events into a lock-free overlapped ring,
// so interrupt handlers can log without blocking and a diagnostic reader can
// drain the most recent history later.
package trace

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Kind names a traced event.
type Kind string

const (
	KindBind          Kind = "bind"
	KindUnbind        Kind = "unbind"
	KindSetBuf        Kind = "set-buf"
	KindTransferStart Kind = "transfer-start"
	KindTransferDone  Kind = "transfer-done"
	KindQueueRetired  Kind = "queue-retired"
	KindRelease       Kind = "release"
	KindFault         Kind = "fault"
)

// Record is one traced event.
type Record struct {
	At        time.Time `json:"at"`
	Kind      Kind      `json:"kind"`
	StreamLID uint8     `json:"stream_lid"`
	LinkID    uint16    `json:"link_id"`
	Dir       string    `json:"dir,omitempty"`
	State     string    `json:"state,omitempty"`
	Size      uint32    `json:"size,omitempty"`
	Err       string    `json:"err,omitempty"`
}

// Metrics counts recorder traffic. All fields are updated atomically.
type Metrics struct {
	Recorded    int64
	Overwritten int64
	Drained     int64
	Errors      int64
}

// MaxSize bounds the ring to guard against misconfiguration.
const MaxSize uint32 = 1 << 20

// Recorder is safe for concurrent use. A nil *Recorder discards everything.
type Recorder struct {
	buffer  mpmc.RichOverlappedRingBuffer[Record]
	metrics Metrics
	now     func() time.Time
}

// NewRecorder keeps the last size records.
func NewRecorder(size uint32) (*Recorder, error) {
	if size == 0 {
		return nil, fmt.Errorf("trace size must be > 0")
	}
	if size > MaxSize {
		return nil, fmt.Errorf("trace size %d exceeds maximum %d", size, MaxSize)
	}
	return &Recorder{
		buffer: mpmc.NewOverlappedRingBuffer[Record](size),
		now:    time.Now,
	}, nil
}

// Record appends rec, stamping it when At is zero. The oldest record is
// dropped when the ring is full.
func (r *Recorder) Record(rec Record) {
	if r == nil {
		return
	}
	if rec.At.IsZero() {
		rec.At = r.now()
	}
	overwrites, err := r.buffer.EnqueueM(rec)
	if err != nil {
		atomic.AddInt64(&r.metrics.Errors, 1)
		return
	}
	atomic.AddInt64(&r.metrics.Overwritten, int64(overwrites))
	atomic.AddInt64(&r.metrics.Recorded, 1)
}

// Drain hands buffered records to fn, oldest first, until the ring is empty
// or fn returns false. It returns how many records it consumed.
func (r *Recorder) Drain(fn func(Record) bool) (int, error) {
	if r == nil {
		return 0, nil
	}
	n := 0
	for !r.buffer.IsEmpty() {
		rec, err := r.buffer.Dequeue()
		if err != nil {
			atomic.AddInt64(&r.metrics.Errors, 1)
			return n, fmt.Errorf("trace dequeue: %w", err)
		}
		n++
		atomic.AddInt64(&r.metrics.Drained, 1)
		if !fn(rec) {
			break
		}
	}
	return n, nil
}

// Snapshot drains everything into a slice.
func (r *Recorder) Snapshot() ([]Record, error) {
	var out []Record
	_, err := r.Drain(func(rec Record) bool {
		out = append(out, rec)
		return true
	})
	return out, err
}

// GetMetrics returns a copy of the counters.
func (r *Recorder) GetMetrics() Metrics {
	if r == nil {
		return Metrics{}
	}
	return Metrics{
		Recorded:    atomic.LoadInt64(&r.metrics.Recorded),
		Overwritten: atomic.LoadInt64(&r.metrics.Overwritten),
		Drained:     atomic.LoadInt64(&r.metrics.Drained),
		Errors:      atomic.LoadInt64(&r.metrics.Errors),
	}
}
