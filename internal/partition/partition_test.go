package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDevice_WriteAndErase(t *testing.T) {
	d := NewMemoryDevice(16)
	inactive := d.InactiveSlot()
	assert.Equal(t, SlotB, inactive)

	require.NoError(t, d.Write(inactive, 0, []byte{1, 2, 3, 4}))
	assert.Equal(t, []byte{1, 2, 3, 4}, d.Image(inactive)[:4])

	require.NoError(t, d.Erase(inactive))
	assert.Equal(t, make([]byte, 16), d.Image(inactive))
}

func TestMemoryDevice_WriteOutOfRangeFails(t *testing.T) {
	d := NewMemoryDevice(4)
	err := d.Write(SlotB, 2, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrOffsetOutOfRange)
}

func TestMemoryDevice_SetBootFlipsActive(t *testing.T) {
	d := NewMemoryDevice(8)
	assert.Equal(t, SlotA, d.ActiveSlot())
	require.NoError(t, d.SetBoot(SlotB))
	assert.Equal(t, SlotB, d.ActiveSlot())
	assert.Equal(t, SlotA, d.InactiveSlot())
}
