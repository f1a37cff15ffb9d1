package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRead_ContiguousSpan(t *testing.T) {
	frame, start, count, err := BuildRead(0x11, []RegisterID{VAC1, IAC1, IPV1, PAC})
	require.NoError(t, err)
	assert.Equal(t, uint16(0), start)
	assert.Equal(t, uint16(10), count)
	assert.Equal(t, "11030000000AC75D", frame, "slave,func,start,count + little-endian CRC")
}

func TestBuildRead_NoRegisters(t *testing.T) {
	_, _, _, err := BuildRead(0x11, nil)
	assert.ErrorIs(t, err, ErrNoRegisters)

	_, _, _, err = BuildRead(0x11, []RegisterID{"NOPE"})
	assert.ErrorIs(t, err, ErrNoRegisters)
}

func TestBuildWrite(t *testing.T) {
	frame := BuildWrite(0x11, 8, 500)
	assert.Equal(t, "1106000801F4", frame[:len(frame)-4])
}

func TestParse_Ok(t *testing.T) {
	// FC 0x03, byte count 2, one register value 0x0001
	res, err := Parse("110302000100")
	require.NoError(t, err)
	assert.Equal(t, Ok, res.Outcome)
}

func TestParse_Exception(t *testing.T) {
	res, err := Parse("11830200")
	require.NoError(t, err)
	assert.Equal(t, ExceptionOutcome, res.Outcome)
	assert.Equal(t, IllegalDataAddress, res.Exception)
	assert.Equal(t, "IllegalDataAddress", res.Exception.Name())
}

func TestParse_TooShort(t *testing.T) {
	_, err := Parse("1103")
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestParse_NotHex(t *testing.T) {
	_, err := Parse("ZZZZZZ")
	assert.ErrorIs(t, err, ErrNotHex)
}

func TestDecodeReadResponse_HappyPath(t *testing.T) {
	// VAC1=230(0x00E6), IAC1=5, FAC1=0, VPV1=0, VPV2=0, IPV1=7, IPV2=0, TEMP=0, POW=0, PAC=800(0x0320)
	regs := []uint16{230, 5, 0, 0, 0, 7, 0, 0, 0, 800}
	payload := []byte{0x11, FuncReadHoldingRegisters, byte(len(regs) * 2)}
	for _, v := range regs {
		payload = append(payload, byte(v>>8), byte(v))
	}
	frameHex := hexEncode(payload)

	values, err := DecodeReadResponse(frameHex, 0, 10, []RegisterID{VAC1, IAC1, IPV1, PAC})
	require.NoError(t, err)
	assert.Equal(t, []uint16{230, 5, 7, 800}, values)
}

func TestDecodeReadResponse_WrongByteCount(t *testing.T) {
	payload := []byte{0x11, FuncReadHoldingRegisters, 4, 0, 0, 0, 0}
	frameHex := hexEncode(payload)
	_, err := DecodeReadResponse(frameHex, 0, 3, AllRegisters()[:3])
	assert.Error(t, err)
}

func hexEncode(b []byte) string {
	const digits = "0123456789ABCDEF"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xF]
	}
	return string(out)
}
