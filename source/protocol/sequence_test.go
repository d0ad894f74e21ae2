package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceGreaterThanBasic(t *testing.T) {
	assert.True(t, SequenceGreaterThan(1, 0))
	assert.False(t, SequenceGreaterThan(0, 1))
	assert.True(t, SequenceGreaterThan(100, 50))
	assert.False(t, SequenceGreaterThan(50, 100))
	assert.False(t, SequenceGreaterThan(7, 7))
}

func TestSequenceGreaterThanWraparound(t *testing.T) {
	assert.True(t, SequenceGreaterThan(0, 65535))
	assert.False(t, SequenceGreaterThan(65535, 0))
	assert.True(t, SequenceGreaterThan(1, 65534))
	assert.True(t, SequenceGreaterThan(100, 65500))
}

func TestSequenceDiff(t *testing.T) {
	assert.Equal(t, 2, SequenceDiff(5, 3))
	assert.Equal(t, -2, SequenceDiff(3, 5))
	assert.Equal(t, 0, SequenceDiff(100, 100))
	assert.Equal(t, 1, SequenceDiff(0, 65535))
	assert.Equal(t, -1, SequenceDiff(65535, 0))
	assert.Equal(t, 11, SequenceDiff(5, 65530))
}

// For any pair, exactly one of greater(a,b) / greater(b,a) holds unless
// a == b, and diff is antisymmetric.
func TestSequenceOrderingLaws(t *testing.T) {
	samples := []uint16{0, 1, 2, 100, 32767, 32768, 32769, 65000, 65534, 65535}
	for _, a := range samples {
		for _, b := range samples {
			if a == b {
				assert.False(t, SequenceGreaterThan(a, b), "greater(%d,%d)", a, b)
				continue
			}
			gt := SequenceGreaterThan(a, b)
			lt := SequenceGreaterThan(b, a)
			// The exact midpoint distance is the one ambiguous case the
			// comparison assigns to a single side.
			assert.NotEqual(t, gt, lt, "ordering must be antisymmetric for (%d,%d)", a, b)
			assert.Equal(t, SequenceDiff(a, b), -SequenceDiff(b, a), "diff(%d,%d)", a, b)
		}
	}
}

func TestSequenceBuffer(t *testing.T) {
	buf := NewSequenceBuffer(16)

	buf.Insert(0)
	buf.Insert(1)
	buf.Insert(2)

	assert.True(t, buf.Exists(0))
	assert.True(t, buf.Exists(1))
	assert.True(t, buf.Exists(2))
	assert.False(t, buf.Exists(3))
}

func TestSequenceBufferCollision(t *testing.T) {
	buf := NewSequenceBuffer(16)

	// 0 and 16 share a slot; the buffer must tell them apart.
	buf.Insert(0)
	assert.False(t, buf.Exists(16))

	buf.Insert(16)
	assert.True(t, buf.Exists(16))
	assert.False(t, buf.Exists(0))
}

func TestSequenceBufferWraparound(t *testing.T) {
	buf := NewSequenceBuffer(16)

	buf.Insert(65534)
	buf.Insert(65535)
	buf.Insert(0)
	buf.Insert(1)

	assert.True(t, buf.Exists(65534))
	assert.True(t, buf.Exists(65535))
	assert.True(t, buf.Exists(0))
	assert.True(t, buf.Exists(1))
}

func TestSequenceBufferRemove(t *testing.T) {
	buf := NewSequenceBuffer(16)
	buf.Insert(5)
	buf.Remove(5)
	assert.False(t, buf.Exists(5))
}
