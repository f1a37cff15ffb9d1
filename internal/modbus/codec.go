// Package modbus implements bit-exact Modbus RTU-over-hex frame construction,
// response decoding, and exception mapping for function codes 0x03
// (read holding registers) and 0x06 (write single register).
package modbus

import (
	"errors"
	"fmt"

	"github.com/ecowatt/agent/internal/crc16"
	"github.com/ecowatt/agent/internal/hexcodec"
)

const (
	FuncReadHoldingRegisters byte = 0x03
	FuncWriteSingleRegister  byte = 0x06
	exceptionBit             byte = 0x80
)

// Status codes surfaced by the gateway HTTP layer.
const (
	StatusOK                = 200
	StatusMalformedJSON     = 422
	StatusEmptyBody         = 458
	StatusJSONParseFailure  = 500
	StatusMissingFrameField = 501
	StatusTransportTimeout  = 504
)

// ErrNoRegisters is returned by BuildRead when the register selection is
// empty after filtering out unknown ids.
var ErrNoRegisters = errors.New("modbus: no registers selected")

// ErrFrameTooShort is returned when a frame has fewer than 6 hex characters.
var ErrFrameTooShort = errors.New("modbus: frame too short")

// ErrNotHex is returned when a frame string contains non-hex characters.
var ErrNotHex = errors.New("modbus: frame is not valid hex")

// BuildRead constructs a read-holding-registers request frame covering the
// contiguous address span of regs. It returns the uppercase hex frame along
// with the starting address and register count the caller must remember to
// decode the eventual response.
func BuildRead(slave byte, regs []RegisterID) (frameHex string, start uint16, count uint16, err error) {
	addrs := make([]uint16, 0, len(regs))
	for _, r := range regs {
		if a, ok := Address(r); ok {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		return "", 0, 0, ErrNoRegisters
	}

	start = addrs[0]
	end := addrs[0]
	for _, a := range addrs[1:] {
		if a < start {
			start = a
		}
		if a > end {
			end = a
		}
	}
	count = end - start + 1

	buf := []byte{
		slave,
		FuncReadHoldingRegisters,
		byte(start >> 8), byte(start),
		byte(count >> 8), byte(count),
	}
	buf = crc16.AppendLE(buf)
	return hexcodec.EncodeUpper(buf), start, count, nil
}

// BuildWrite constructs a write-single-register request frame.
func BuildWrite(slave byte, addr uint16, value uint16) string {
	buf := []byte{
		slave,
		FuncWriteSingleRegister,
		byte(addr >> 8), byte(addr),
		byte(value >> 8), byte(value),
	}
	buf = crc16.AppendLE(buf)
	return hexcodec.EncodeUpper(buf)
}

// ParseOutcome classifies a parsed response frame.
type ParseOutcome int

const (
	// Ok means the response's function byte carries no exception bit.
	Ok ParseOutcome = iota
	// ExceptionOutcome means the top bit of the function byte was set; the
	// exception code is attached to the returned ParseResult.
	ExceptionOutcome
)

// ParseResult is the result of Parse: either Ok, or an exception with its code.
type ParseResult struct {
	Outcome   ParseOutcome
	Exception Exception
}

// Parse examines a response frame's function byte and reports whether it
// carries a Modbus exception. CRC is not verified on inbound frames — the
// HTTP gateway is the CRC authority for responses; CRC is only computed on
// frames this package builds.
func Parse(frameHex string) (ParseResult, error) {
	if len(frameHex) < 6 {
		return ParseResult{}, ErrFrameTooShort
	}
	if !hexcodec.IsHex(frameHex) {
		return ParseResult{}, ErrNotHex
	}
	data, err := hexcodec.Decode(frameHex)
	if err != nil {
		return ParseResult{}, fmt.Errorf("modbus: %w", err)
	}
	fn := data[1]
	if fn&exceptionBit != 0 {
		code := Exception(data[2])
		return ParseResult{Outcome: ExceptionOutcome, Exception: code}, nil
	}
	return ParseResult{Outcome: Ok}, nil
}

// DecodeReadResponse parses a read-holding-registers response frame and
// returns the requested registers' values, in the order of regs. Unknown
// register ids resolve to zero. The returned slice is bounded by len(regs).
func DecodeReadResponse(frameHex string, start, count uint16, regs []RegisterID) ([]uint16, error) {
	data, err := hexcodec.Decode(frameHex)
	if err != nil {
		return nil, fmt.Errorf("modbus: %w", err)
	}
	if len(data) < 3 {
		return nil, ErrFrameTooShort
	}
	if data[1] != FuncReadHoldingRegisters {
		return nil, fmt.Errorf("modbus: unexpected function code 0x%02X", data[1])
	}
	byteCount := int(data[2])
	if byteCount != 2*int(count) {
		return nil, fmt.Errorf("modbus: byte count %d does not match expected %d", byteCount, 2*int(count))
	}
	if len(data) < 3+byteCount {
		return nil, ErrFrameTooShort
	}

	words := make([]uint16, count)
	for i := 0; i < int(count); i++ {
		off := 3 + i*2
		words[i] = uint16(data[off])<<8 | uint16(data[off+1])
	}

	values := make([]uint16, 0, len(regs))
	for _, r := range regs {
		addr, ok := Address(r)
		if !ok {
			values = append(values, 0)
			continue
		}
		if addr < start || addr >= start+count {
			values = append(values, 0)
			continue
		}
		values = append(values, words[addr-start])
	}
	return values, nil
}
