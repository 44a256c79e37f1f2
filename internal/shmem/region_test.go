package shmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegion(t *testing.T, size uint32) *Region {
	t.Helper()
	r, err := Map(size, Options{CtrlBase: 0x20000000, HostBase: 0x60000000})
	require.NoError(t, err, "region MUST map")
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegion_AddressTranslation(t *testing.T) {
	r := newTestRegion(t, 256)

	assert.Equal(t, Addr(0x20000010), r.CtrlAddr(0x10))
	assert.Equal(t, Addr(0x60000010), r.HostAddr(0x10))

	host, err := r.ToHost(0x20000040)
	require.NoError(t, err)
	assert.Equal(t, Addr(0x60000040), host, "controller address MUST translate to the same offset in host space")

	off, err := r.HostOffset(host)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x40), off)

	_, err = r.ToHost(0x20000100)
	assert.ErrorIs(t, err, ErrOutOfRange, "address one past the window MUST be rejected")

	_, err = r.Offset(0x1ffffffc)
	assert.ErrorIs(t, err, ErrOutOfRange, "address below the base MUST be rejected")
}

func TestRegion_WordAccess(t *testing.T) {
	r := newTestRegion(t, 64)

	r.Store32(8, 0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), r.Load32(8))
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, r.Bytes(8, 4), "words MUST be stored little endian on the test host")

	r.StoreAddr(12, 0x20000020)
	assert.Equal(t, Addr(0x20000020), r.LoadAddr(12))

	r.Zero(8, 8)
	assert.Zero(t, r.Load32(8))
	assert.Zero(t, r.Load32(12))

	assert.Panics(t, func() { r.Load32(2) }, "misaligned word access MUST panic")
	assert.Panics(t, func() { r.Store32(64, 1) }, "out of range word access MUST panic")
	assert.Panics(t, func() { r.Bytes(60, 8) }, "out of range byte view MUST panic")
}

func TestNewRegion_Validation(t *testing.T) {
	_, err := NewRegion(nil, Options{})
	assert.Error(t, err, "empty memory MUST be rejected")

	_, err = NewRegion(alignedBytes(6), Options{})
	assert.Error(t, err, "non word-multiple size MUST be rejected")

	_, err = NewRegion(alignedBytes(8), Options{CtrlBase: 2})
	assert.ErrorIs(t, err, ErrMisaligned)

	_, err = NewRegion(alignedBytes(8), Options{HostBase: 0xfffffffc})
	assert.ErrorIs(t, err, ErrOutOfRange, "window crossing the 32-bit bus end MUST be rejected")

	r, err := NewRegion(alignedBytes(8), Options{})
	require.NoError(t, err)
	assert.IsType(t, Coherent{}, r.Barrier(), "nil barrier MUST default to Coherent")
	assert.NoError(t, r.Close(), "closing a borrowed region MUST be a no-op")
}

func TestAlignUp(t *testing.T) {
	for in, want := range map[uint32]uint32{0: 0, 1: 4, 4: 4, 5: 8, 131: 132} {
		assert.Equal(t, want, AlignUp(in), "AlignUp(%d)", in)
	}
}
