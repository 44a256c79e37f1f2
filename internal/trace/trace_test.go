package trace

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecorder_Bounds(t *testing.T) {
	_, err := NewRecorder(0)
	assert.Error(t, err)
	_, err = NewRecorder(MaxSize + 1)
	assert.Error(t, err)
}

func TestRecorder_OrderAndStamp(t *testing.T) {
	r, err := NewRecorder(16)
	require.NoError(t, err)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.Record(Record{Kind: KindBind, StreamLID: 1})
	r.Record(Record{Kind: KindSetBuf, StreamLID: 1, Size: 40})

	recs, err := r.Snapshot()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, KindBind, recs[0].Kind, "records MUST drain oldest first")
	assert.Equal(t, fixed, recs[1].At, "zero timestamps MUST be stamped on record")

	m := r.GetMetrics()
	assert.Equal(t, int64(2), m.Recorded)
	assert.Equal(t, int64(2), m.Drained)
}

func TestRecorder_Drain_StopsEarly(t *testing.T) {
	r, err := NewRecorder(8)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		r.Record(Record{Kind: KindTransferDone, Size: uint32(i)})
	}

	n, err := r.Drain(func(rec Record) bool { return rec.Size < 1 })
	require.NoError(t, err)
	assert.Equal(t, 2, n, "drain MUST stop after the record fn rejects")

	rest, err := r.Snapshot()
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, uint32(2), rest[0].Size)
}

func TestRecorder_ConcurrentWriters(t *testing.T) {
	r, err := NewRecorder(1024)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Record(Record{Kind: KindTransferStart})
			}
		}()
	}
	wg.Wait()

	recs, err := r.Snapshot()
	require.NoError(t, err)
	assert.Len(t, recs, 400)
	assert.Zero(t, r.GetMetrics().Errors)
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	r.Record(Record{Kind: KindFault})
	n, err := r.Drain(func(Record) bool { return true })
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, Metrics{}, r.GetMetrics())
}
