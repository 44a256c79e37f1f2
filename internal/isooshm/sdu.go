package isooshm

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/isoshm/internal/shmem"
)

// RxStatus is the packet status the controller attaches to a received SDU.
type RxStatus uint8

const (
	RxValid RxStatus = iota
	RxPossiblyInvalid
	RxLost
)

func (s RxStatus) String() string {
	switch s {
	case RxValid:
		return "valid"
	case RxPossiblyInvalid:
		return "possibly-invalid"
	case RxLost:
		return "lost"
	default:
		return fmt.Sprintf("rx-status(%d)", uint8(s))
	}
}

// MaxSDULen is the largest payload the 16-bit length field can carry.
const MaxSDULen = 0xFFFF

// SDU is a decoded SDU record. For TX records Status holds the has-timestamp
// flag; for RX records it holds an RxStatus.
type SDU struct {
	Timestamp uint32
	SeqNum    uint16
	Status    uint8
	Data      []byte
}

// SDUFootprint returns the bytes an SDU record with n payload bytes occupies.
func SDUFootprint(n uint32) uint32 {
	return shmem.AlignUp(SDUHeaderSize + n)
}

// EncodeSDU writes s into dst, header first. Data is copied.
func EncodeSDU(dst []byte, s SDU) error {
	if len(s.Data) > MaxSDULen || uint32(len(dst)) < SDUHeaderSize+uint32(len(s.Data)) {
		return fmt.Errorf("%d byte payload into %d byte record: %w", len(s.Data), len(dst), ErrSDUFormat)
	}
	le := binary.LittleEndian
	le.PutUint32(dst[offSDUTimestamp:], s.Timestamp)
	le.PutUint32(dst[offSDUSeqLen:], uint32(s.SeqNum)|uint32(len(s.Data))<<16)
	le.PutUint32(dst[offSDUStatus:], uint32(s.Status))
	copy(dst[SDUHeaderSize:], s.Data)
	return nil
}

// DecodeSDU parses the record in src. Data aliases src.
func DecodeSDU(src []byte) (SDU, error) {
	if uint32(len(src)) < SDUHeaderSize {
		return SDU{}, fmt.Errorf("%d byte record: %w", len(src), ErrSDUFormat)
	}
	le := binary.LittleEndian
	seqLen := le.Uint32(src[offSDUSeqLen:])
	n := seqLen >> 16
	if SDUHeaderSize+n > uint32(len(src)) {
		return SDU{}, fmt.Errorf("length %d overruns %d byte record: %w", n, len(src), ErrSDUFormat)
	}
	return SDU{
		Timestamp: le.Uint32(src[offSDUTimestamp:]),
		SeqNum:    uint16(seqLen),
		Status:    uint8(le.Uint32(src[offSDUStatus:])),
		Data:      src[SDUHeaderSize : SDUHeaderSize+n],
	}, nil
}

// SDUBuf is the host's view of an SDU buffer: a DMA-able block holding one
// SDU record. The same buffer is read as RX or TX depending on the data path
// it is handed to.
type SDUBuf struct {
	block shmem.Block
}

// NewSDUBuf wraps a pool block.
func NewSDUBuf(b shmem.Block) (*SDUBuf, error) {
	if uint32(len(b.Mem)) < SDUHeaderSize || b.Addr%shmem.WordSize != 0 {
		return nil, fmt.Errorf("block of %d bytes at %#x: %w", len(b.Mem), uint32(b.Addr), ErrSDUFormat)
	}
	return &SDUBuf{block: b}, nil
}

// Block returns the underlying block, for returning it to its pool.
func (b *SDUBuf) Block() shmem.Block { return b.block }

// Addr returns the bus address of the record.
func (b *SDUBuf) Addr() shmem.Addr { return b.block.Addr }

// Cap returns the largest payload the buffer holds.
func (b *SDUBuf) Cap() uint32 {
	n := uint32(len(b.block.Mem)) - SDUHeaderSize
	if n > MaxSDULen {
		return MaxSDULen
	}
	return n
}

func (b *SDUBuf) word(off uint32) uint32 {
	return binary.LittleEndian.Uint32(b.block.Mem[off:])
}

func (b *SDUBuf) setWord(off, v uint32) {
	binary.LittleEndian.PutUint32(b.block.Mem[off:], v)
}

func (b *SDUBuf) Timestamp() uint32     { return b.word(offSDUTimestamp) }
func (b *SDUBuf) SetTimestamp(t uint32) { b.setWord(offSDUTimestamp, t) }

func (b *SDUBuf) SeqNum() uint16 { return uint16(b.word(offSDUSeqLen)) }

func (b *SDUBuf) SetSeqNum(n uint16) {
	b.setWord(offSDUSeqLen, b.word(offSDUSeqLen)&0xFFFF0000|uint32(n))
}

// Len returns the payload length. It is clamped to Cap so that a corrupt
// record read back by DMA cannot index past the block.
func (b *SDUBuf) Len() uint32 {
	n := b.word(offSDUSeqLen) >> 16
	if n > b.Cap() {
		return b.Cap()
	}
	return n
}

// Data returns the payload. It aliases the buffer.
func (b *SDUBuf) Data() []byte {
	return b.block.Mem[SDUHeaderSize : SDUHeaderSize+b.Len()]
}

// SetData copies p in as the payload.
func (b *SDUBuf) SetData(p []byte) error {
	if uint32(len(p)) > b.Cap() {
		return fmt.Errorf("%d byte payload, capacity %d: %w", len(p), b.Cap(), ErrSDUFormat)
	}
	copy(b.block.Mem[SDUHeaderSize:], p)
	b.setWord(offSDUSeqLen, uint32(b.SeqNum())|uint32(len(p))<<16)
	return nil
}

// RxStatus reads the status field as an RX packet status.
func (b *SDUBuf) RxStatus() RxStatus { return RxStatus(b.word(offSDUStatus)) }

func (b *SDUBuf) SetRxStatus(s RxStatus) { b.setWord(offSDUStatus, uint32(s)) }

// HasTimestamp reads the status field as the TX has-timestamp flag.
func (b *SDUBuf) HasTimestamp() bool { return b.word(offSDUStatus) != 0 }

func (b *SDUBuf) SetHasTimestamp(v bool) {
	var w uint32
	if v {
		w = 1
	}
	b.setWord(offSDUStatus, w)
}

// Size returns the bytes a DMA must move to carry the whole record.
func (b *SDUBuf) Size() uint32 { return SDUFootprint(b.Len()) }

// Reset clears the header.
func (b *SDUBuf) Reset() { clear(b.block.Mem[:SDUHeaderSize]) }
