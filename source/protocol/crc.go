package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

// Packet integrity uses CRC-32C (Castagnoli), appended little-endian as the
// final four bytes of every datagram.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const crcSize = 4

// Crc32c computes the CRC-32C checksum of data.
func Crc32c(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// AppendCrc32 returns data with its CRC-32C appended.
func AppendCrc32(data []byte) []byte {
	var trailer [crcSize]byte
	binary.LittleEndian.PutUint32(trailer[:], Crc32c(data))
	return append(data, trailer[:]...)
}

// ValidateAndStripCrc32 checks the trailing CRC-32C and returns the packet
// bytes without it. Returns nil for short or corrupt input.
func ValidateAndStripCrc32(data []byte) []byte {
	if len(data) < crcSize {
		return nil
	}
	body := data[:len(data)-crcSize]
	expected := binary.LittleEndian.Uint32(data[len(data)-crcSize:])
	if Crc32c(body) != expected {
		return nil
	}
	return body
}
