package ipcqueue

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"testing"

	"github.com/srg/isoshm/internal/shmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// recordingBarrier logs barrier calls so ordering around index updates can be
// asserted.
type recordingBarrier struct {
	mu    sync.Mutex
	calls []string
}

func (b *recordingBarrier) record(s string) {
	b.mu.Lock()
	b.calls = append(b.calls, s)
	b.mu.Unlock()
}

func (b *recordingBarrier) Fence()                   { b.record("fence") }
func (b *recordingBarrier) Flush(off, n uint32)      { b.record("flush") }
func (b *recordingBarrier) Invalidate(off, n uint32) { b.record("invalidate") }

func (b *recordingBarrier) reset() {
	b.mu.Lock()
	b.calls = nil
	b.mu.Unlock()
}

type QueueTestSuite struct {
	suite.Suite
	region  *shmem.Region
	barrier *recordingBarrier
}

func (s *QueueTestSuite) SetupTest() {
	s.barrier = &recordingBarrier{}
	r, err := shmem.Map(4096, shmem.Options{CtrlBase: 0x20000000, HostBase: 0x60000000, Barrier: s.barrier})
	s.Require().NoError(err)
	s.region = r
}

func (s *QueueTestSuite) TearDownTest() {
	s.Require().NoError(s.region.Close())
}

func (s *QueueTestSuite) newQueue(itemSize, itemCount uint32) *Queue {
	q, err := Init(s.region, 64, itemSize, itemCount)
	s.Require().NoError(err, "queue MUST initialise")
	return q
}

func item(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func (s *QueueTestSuite) TestEndToEndScenario() {
	// GOAL: Verify the canonical 4x4 queue scenario
	//
	// TEST SCENARIO: write 1..4 → fifth write fails FULL → four reads return 1..4 → fifth read fails EMPTY

	q := s.newQueue(4, 4)

	for v := uint32(1); v <= 4; v++ {
		s.Require().NoError(q.Write(item(v)), "write %d MUST succeed", v)
	}
	s.ErrorIs(q.Write(item(5)), ErrFull, "write into a full queue MUST fail with FULL")
	s.Equal(CodeFull, CodeOf(q.Write(item(5))))

	dst := make([]byte, 4)
	for v := uint32(1); v <= 4; v++ {
		s.Require().NoError(q.Read(dst))
		s.Equal(v, binary.LittleEndian.Uint32(dst), "items MUST come back in FIFO order")
	}
	err := q.Read(dst)
	s.ErrorIs(err, ErrEmpty, "read from an empty queue MUST fail with EMPTY")
	s.Equal(CodeEmpty, CodeOf(err))
}

func (s *QueueTestSuite) TestFullBoundary() {
	// GOAL: Verify a queue of k items accepts exactly k writes, and one more after a pop
	//
	// TEST SCENARIO: fill k=5 → Alloc/Write fail → Pop once → exactly one more write succeeds

	const k = 5
	q := s.newQueue(8, k)

	for i := 0; i < k; i++ {
		s.Require().NoError(q.Write(item(uint32(i))))
	}
	s.True(q.IsFull())
	s.False(q.IsEmpty())
	_, err := q.Alloc()
	s.ErrorIs(err, ErrFull, "Alloc MUST fail on a full queue")

	_, err = q.Peek()
	s.Require().NoError(err)
	q.Pop()

	s.NoError(q.Write(item(99)), "one write MUST succeed after a pop")
	s.ErrorIs(q.Write(item(100)), ErrFull, "the second write after a pop MUST fail")
	s.Equal(uint32(k), q.Len())
}

func (s *QueueTestSuite) TestRoundTripWraps() {
	// GOAL: Verify bytes round-trip unchanged across many index wraps
	//
	// TEST SCENARIO: repeatedly write N ≤ count items then read N → bytes and order preserved

	q := s.newQueue(12, 3)
	seq := uint32(0)
	for round := 0; round < 20; round++ {
		n := round%3 + 1
		for i := 0; i < n; i++ {
			payload := append(item(seq+uint32(i)), []byte{byte(round), 0xaa, 0x55, 0xff, 1, 2, 3, 4}...)
			s.Require().NoError(q.Write(payload))
		}
		for i := 0; i < n; i++ {
			dst := make([]byte, 12)
			s.Require().NoError(q.Read(dst))
			s.Equal(seq, binary.LittleEndian.Uint32(dst[:4]))
			s.Equal([]byte{byte(round), 0xaa, 0x55, 0xff, 1, 2, 3, 4}, dst[4:])
			seq++
		}
		s.True(q.IsEmpty())
	}
}

func (s *QueueTestSuite) TestCapacityInvariant() {
	// GOAL: Verify full/empty are never both true and writes-reads equals Len
	//
	// TEST SCENARIO: random sequence of precondition-respecting writes/reads → invariant checked after every step

	q := s.newQueue(4, 7)
	rng := rand.New(rand.NewSource(42))
	writes, reads := 0, 0

	for step := 0; step < 2000; step++ {
		if rng.Intn(2) == 0 {
			if !q.IsFull() {
				s.Require().NoError(q.Write(item(uint32(writes))))
				writes++
			}
		} else if !q.IsEmpty() {
			dst := make([]byte, 4)
			s.Require().NoError(q.Read(dst))
			s.Require().Equal(uint32(reads), binary.LittleEndian.Uint32(dst))
			reads++
		}
		s.Require().False(q.IsFull() && q.IsEmpty(), "full and empty MUST never hold together")
		s.Require().Equal(uint32(writes-reads), q.Len(), "unread count MUST equal writes minus reads")
	}
}

func (s *QueueTestSuite) TestFlush() {
	// GOAL: Verify Flush discards every pending item from the consumer side
	//
	// TEST SCENARIO: write 3 items → Flush → queue empty → next write/read pair still works

	q := s.newQueue(4, 4)
	for i := 0; i < 3; i++ {
		s.Require().NoError(q.Write(item(uint32(i))))
	}
	q.Flush()
	s.True(q.IsEmpty())
	s.Zero(q.Len())

	s.Require().NoError(q.Write(item(7)))
	dst := make([]byte, 4)
	s.Require().NoError(q.Read(dst))
	s.Equal(uint32(7), binary.LittleEndian.Uint32(dst))
}

func (s *QueueTestSuite) TestBarrierPlacement() {
	// GOAL: Verify the producer flushes and fences before publishing, the consumer fences before reading
	//
	// TEST SCENARIO: Commit → flush slot, fence, flush index; Peek → fence, invalidate slot

	q := s.newQueue(4, 2)
	s.barrier.reset()

	_, err := q.Alloc()
	s.Require().NoError(err)
	q.Commit()
	s.Equal([]string{"flush", "fence", "flush"}, s.barrier.calls, "commit MUST publish the slot before the index")

	s.barrier.reset()
	_, err = q.Peek()
	s.Require().NoError(err)
	s.Equal([]string{"fence", "invalidate"}, s.barrier.calls, "peek MUST order the index read before the slot read")
}

func (s *QueueTestSuite) TestOpenFromPeer() {
	// GOAL: Verify the consuming side sees the producer's geometry and contents
	//
	// TEST SCENARIO: Init + write on one handle → Open at the same offset → read back

	q := s.newQueue(8, 4)
	s.Require().NoError(q.Write([]byte("isoshm!!")))

	peer, err := Open(s.region, q.Offset())
	s.Require().NoError(err)
	s.Equal(uint32(8), peer.ItemSize())
	s.Equal(uint32(4), peer.ItemCount())

	dst := make([]byte, 8)
	s.Require().NoError(peer.Read(dst))
	s.Equal("isoshm!!", string(dst))
	s.True(q.IsEmpty(), "producer handle MUST observe the consumer's pop")
}

func (s *QueueTestSuite) TestSizeErrors() {
	_, err := Init(s.region, 64, 0, 4)
	s.ErrorIs(err, ErrSize)
	_, err = Init(s.region, 64, 4, 0)
	s.ErrorIs(err, ErrSize)
	_, err = Init(s.region, 64, 4, MaxItemCount+1)
	s.ErrorIs(err, ErrSize)
	_, err = Init(s.region, 4000, 64, 4)
	s.ErrorIs(err, ErrSize, "queue overrunning the region MUST be rejected")
	_, err = Init(s.region, 66, 4, 4)
	s.ErrorIs(err, ErrSize, "misaligned header MUST be rejected")

	q := s.newQueue(4, 2)
	s.ErrorIs(q.Write(make([]byte, 5)), ErrSize, "oversized item MUST be rejected")

	_, err = Open(s.region, 1024)
	s.ErrorIs(err, ErrSize, "zeroed header MUST not open")
}

func (s *QueueTestSuite) TestGeometryOverflow() {
	// GOAL: Verify geometry whose footprint does not fit 32 bits is rejected on both sides
	//
	// TEST SCENARIO: Init with 0x4000 items of 0x40000 bytes → ErrSize; the same geometry
	// written into a header by the peer → Open returns ErrSize instead of a queue that
	// faults on first access

	_, err := Init(s.region, 0, 0x40000, 0x4000)
	s.ErrorIs(err, ErrSize, "wrapping footprint MUST be rejected by Init")

	_, err = Init(s.region, 0, 0x20000, 0x7FFF)
	s.ErrorIs(err, ErrSize, "footprint past the region MUST be rejected by Init")

	s.region.Store32(0, 0x40000)
	s.region.Store32(4, 0x4000)
	s.region.Store32(8, 0)
	s.region.Store32(12, 0)
	_, err = Open(s.region, 0)
	s.ErrorIs(err, ErrSize, "wrapping footprint in a peer header MUST be rejected by Open")

	s.region.Store32(0, 0xFFFFFFF0)
	s.region.Store32(4, 1)
	_, err = Open(s.region, 0)
	s.ErrorIs(err, ErrSize, "header plus one huge item MUST be rejected by Open")
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}

func TestQueue_ConcurrentProducerConsumer(t *testing.T) {
	r, err := shmem.Map(1024, shmem.Options{})
	require.NoError(t, err)
	defer r.Close()

	producer, err := Init(r, 0, 4, 8)
	require.NoError(t, err)
	consumer, err := Open(r, 0)
	require.NoError(t, err)

	const total = 20000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint32(0); i < total; {
			if producer.Write(item(i)) == nil {
				i++
			}
		}
	}()

	dst := make([]byte, 4)
	for want := uint32(0); want < total; {
		if consumer.Read(dst) == nil {
			require.Equal(t, want, binary.LittleEndian.Uint32(dst), "items MUST arrive in order without loss")
			want++
		}
	}
	wg.Wait()
	assert.True(t, consumer.IsEmpty())
}

func TestCode_String(t *testing.T) {
	assert.Equal(t, "IPC_QUEUE_ERR_NONE", CodeOf(nil).String())
	assert.Equal(t, "IPC_QUEUE_ERR_SIZE", CodeOf(ErrSize).String())
}
