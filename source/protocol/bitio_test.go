package protocol

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitWriterReadBack(t *testing.T) {
	w := NewBitWriter()
	require.NoError(t, w.WriteBits(0x42, 8))
	require.NoError(t, w.WriteBits(1234, 16))
	require.NoError(t, w.WriteBits(567890, 32))
	require.NoError(t, w.WriteBit(true))
	require.NoError(t, w.WriteBits(5, 3))
	w.Align()

	r := NewBitReader(w.Bytes())

	v, err := r.ReadBits(8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42), v)

	v, err = r.ReadBits(16)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), v)

	v, err = r.ReadBits(32)
	require.NoError(t, err)
	assert.Equal(t, uint64(567890), v)

	bit, err := r.ReadBit()
	require.NoError(t, err)
	assert.True(t, bit)

	v, err = r.ReadBits(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
}

func TestBitWriterByteAlignedIsBigEndian(t *testing.T) {
	w := NewBitWriter()
	w.WriteBits(0x12345678, 32)
	if got, want := w.Bytes(), []byte{0x12, 0x34, 0x56, 0x78}; string(got) != string(want) {
		t.Errorf("bytes = %x, want %x", got, want)
	}
}

func TestBitWriterValueMasking(t *testing.T) {
	// Only the low n bits of the value matter.
	w := NewBitWriter()
	w.WriteBits(0xFFFF, 4)
	w.Align()
	r := NewBitReader(w.Bytes())
	v, err := r.ReadBits(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xF), v)
}

func TestBitWriterFullWidth(t *testing.T) {
	w := NewBitWriter()
	require.NoError(t, w.WriteBits(0xDEADBEEFCAFEF00D, 64))
	r := NewBitReader(w.Bytes())
	v, err := r.ReadBits(64)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xDEADBEEFCAFEF00D), v)
}

func TestBitReaderPastEnd(t *testing.T) {
	r := NewBitReader([]byte{0xAB})
	_, err := r.ReadBits(8)
	require.NoError(t, err)
	_, err = r.ReadBits(1)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestBitCountOutOfRange(t *testing.T) {
	w := NewBitWriter()
	assert.Error(t, w.WriteBits(0, 65))

	r := NewBitReader(make([]byte, 16))
	_, err := r.ReadBits(65)
	assert.Error(t, err)
}

// A bit-packed player state with widths {16,10,10,8,1,3} occupies exactly
// 48 bits, and decoding those 6 bytes reproduces every field.
func TestPlayerStateRoundTrip(t *testing.T) {
	type playerState struct {
		playerID   uint16
		x, y       uint16
		health     uint8
		crouching  bool
		weaponSlot uint8
	}
	in := playerState{playerID: 42, x: 512, y: 768, health: 100, crouching: true, weaponSlot: 3}

	w := NewBitWriter()
	w.WriteBits(uint64(in.playerID), 16)
	w.WriteBits(uint64(in.x), 10)
	w.WriteBits(uint64(in.y), 10)
	w.WriteBits(uint64(in.health), 8)
	w.WriteBit(in.crouching)
	w.WriteBits(uint64(in.weaponSlot), 3)

	require.Equal(t, 48, w.BitsWritten())
	require.Len(t, w.Bytes(), 6)

	r := NewBitReader(w.Bytes())
	var out playerState
	v, _ := r.ReadBits(16)
	out.playerID = uint16(v)
	v, _ = r.ReadBits(10)
	out.x = uint16(v)
	v, _ = r.ReadBits(10)
	out.y = uint16(v)
	v, _ = r.ReadBits(8)
	out.health = uint8(v)
	out.crouching, _ = r.ReadBit()
	v, _ = r.ReadBits(3)
	out.weaponSlot = uint8(v)

	assert.Equal(t, in, out)
}

func TestAlignPadsWithZeros(t *testing.T) {
	w := NewBitWriter()
	w.WriteBits(0b101, 3)
	w.Align()
	assert.Equal(t, 8, w.BitsWritten())
	assert.Equal(t, []byte{0b10100000}, w.Bytes())

	r := NewBitReader(w.Bytes())
	r.ReadBits(3)
	require.NoError(t, r.Align())
	assert.Equal(t, 1, r.BytePos())
}
