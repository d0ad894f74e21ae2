package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrc32AppendAndValidate(t *testing.T) {
	data := AppendCrc32([]byte("test packet data"))
	assert.Len(t, data, 16+4)

	body := ValidateAndStripCrc32(data)
	require.NotNil(t, body)
	assert.Equal(t, []byte("test packet data"), body)
}

func TestCrc32KnownValue(t *testing.T) {
	// CRC-32C ("123456789") is the standard check value for Castagnoli.
	if got, want := Crc32c([]byte("123456789")), uint32(0xE3069283); got != want {
		t.Errorf("crc32c = %08X, want %08X", got, want)
	}
}

func TestCrc32RejectsBitflip(t *testing.T) {
	packet, err := NewPacket(testHeader(), PacketType{Kind: KindKeepAlive}).Serialize()
	require.NoError(t, err)
	wire := AppendCrc32(packet)

	// Flip one bit in the 5th byte after the CRC was attached.
	wire[4] ^= 0x10
	assert.Nil(t, ValidateAndStripCrc32(wire))
}

func TestCrc32RejectsShortInput(t *testing.T) {
	assert.Nil(t, ValidateAndStripCrc32(nil))
	assert.Nil(t, ValidateAndStripCrc32([]byte{1, 2, 3}))
}

func TestCrc32EmptyBody(t *testing.T) {
	data := AppendCrc32(nil)
	assert.Len(t, data, 4)
	assert.NotNil(t, ValidateAndStripCrc32(data))
}
