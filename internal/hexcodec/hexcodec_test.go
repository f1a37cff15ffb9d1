package hexcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeUpper(t *testing.T) {
	assert.Equal(t, "11030000000A", EncodeUpper([]byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x0A}))
}

func TestEncodeLower(t *testing.T) {
	assert.Equal(t, "11030000000a", EncodeLower([]byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x0A}))
}

func TestDecode_CaseInsensitive(t *testing.T) {
	upper, err := Decode("11030000000A")
	require.NoError(t, err)
	lower, err := Decode("11030000000a")
	require.NoError(t, err)
	assert.Equal(t, upper, lower)
	assert.Equal(t, []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x0A}, upper)
}

func TestIsHex(t *testing.T) {
	assert.True(t, IsHex("11030000000A"))
	assert.True(t, IsHex("deadbeef"))
	assert.False(t, IsHex(""))
	assert.False(t, IsHex("1"))
	assert.False(t, IsHex("ZZ"))
}
