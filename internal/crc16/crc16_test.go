package crc16

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum_KnownVector(t *testing.T) {
	// Read holding registers request: slave 0x11, FC 0x03, start 0x0000, count 0x000A
	frame := []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x0A}
	crc := Checksum(frame)
	// On the wire the low byte goes first: C7 5D, as in modbus.BuildRead's frame.
	require.Equal(t, uint16(0x5DC7), crc)
}

func TestAppendLE_SelfCheckIsZero(t *testing.T) {
	for _, frame := range [][]byte{
		{0x11, 0x03, 0x00, 0x00, 0x00, 0x0A},
		{0x11, 0x06, 0x00, 0x08, 0x01, 0xF4},
		{},
		{0x00},
		{0xFF, 0xFF, 0xFF, 0xFF},
	} {
		sealed := AppendLE(append([]byte{}, frame...))
		// Folding the appended little-endian CRC back through Checksum cancels to zero.
		assert.Equal(t, uint16(0), Checksum(sealed), "frame %x", frame)
	}
}

func TestChecksum_Deterministic(t *testing.T) {
	data := []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x0A}
	assert.Equal(t, Checksum(data), Checksum(append([]byte{}, data...)))
}
