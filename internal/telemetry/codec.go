// Package telemetry implements the delta+RLE compressor used to shrink
// streams of Modbus 2-byte samples before upload, and its lossless inverse.
package telemetry

import (
	"errors"
)

// Pair is one 2-byte Modbus sample (b1, b2) as captured at poll time.
type Pair [2]byte

// ErrTooShort is returned by Decode when data is shorter than the 3-byte header.
var ErrTooShort = errors.New("telemetry: data shorter than header")

// ErrTruncated is returned by Decode when an RLE or extended record runs
// past the end of the input.
var ErrTruncated = errors.New("telemetry: truncated record")

const (
	flagBit     = 0x80
	delta1Bit   = 0x01
	delta2Bit   = 0x02
	compactMask = 0x7F
	rleMarker   = 0xFF
)

// Encode compresses pairs into the delta+RLE byte stream.
func Encode(pairs []Pair) []byte {
	if len(pairs) == 0 {
		return nil
	}

	common := modalB2(pairs)
	header := []byte{common, pairs[0][0], pairs[0][1]}

	body := deltaEncode(pairs, common)
	return append(header, rleEncode(body)...)
}

// Decode reverses Encode; decode(encode(x)) == x for all x.
func Decode(data []byte) ([]Pair, error) {
	if len(data) < 3 {
		return nil, ErrTooShort
	}
	common, firstB1, firstB2 := data[0], data[1], data[2]
	body, err := rleDecode(data[3:])
	if err != nil {
		return nil, err
	}

	out := make([]Pair, 1, 1+len(body))
	out[0] = Pair{firstB1, firstB2}
	prev := out[0]

	i := 0
	for i < len(body) {
		b := body[i]
		if b&flagBit == 0 {
			d1 := signExtend7(b)
			curr := Pair{byte(int8(prev[0]) + d1), common}
			out = append(out, curr)
			prev = curr
			i++
			continue
		}

		i++
		var d1, d2 int8
		if b&delta1Bit != 0 {
			if i >= len(body) {
				return nil, ErrTruncated
			}
			d1 = int8(body[i])
			i++
		}
		if b&delta2Bit != 0 {
			if i >= len(body) {
				return nil, ErrTruncated
			}
			d2 = int8(body[i])
			i++
		}
		curr := Pair{byte(int8(prev[0]) + d1), byte(int8(prev[1]) + d2)}
		out = append(out, curr)
		prev = curr
	}

	return out, nil
}

// deltaEncode produces the per-sample payload (everything after the header)
// before RLE is applied.
func deltaEncode(pairs []Pair, common byte) []byte {
	var out []byte
	prev := pairs[0]
	for _, curr := range pairs[1:] {
		d1 := int8(curr[0]) - int8(prev[0])
		d2 := int8(curr[1]) - int8(prev[1])

		if curr[1] == common && d1 >= -63 && d1 <= 63 {
			out = append(out, byte(d1)&compactMask)
		} else {
			flag := byte(flagBit)
			if d1 != 0 {
				flag |= delta1Bit
			}
			if d2 != 0 {
				flag |= delta2Bit
			}
			out = append(out, flag)
			if d1 != 0 {
				out = append(out, byte(d1))
			}
			if d2 != 0 {
				out = append(out, byte(d2))
			}
		}
		prev = curr
	}
	return out
}

// signExtend7 sign-extends a 7-bit two's-complement value (bit 7 always 0 in
// the compact form) to a signed 8-bit delta.
func signExtend7(v byte) int8 {
	v &= compactMask
	if v&0x40 != 0 {
		return int8(v | 0x80)
	}
	return int8(v)
}

// modalB2 returns the most common b2 value across pairs, ties broken to the
// smallest value.
func modalB2(pairs []Pair) byte {
	var counts [256]int
	for _, p := range pairs {
		counts[p[1]]++
	}
	best := 0
	bestCount := -1
	for v := 0; v < 256; v++ {
		if counts[v] > bestCount {
			bestCount = counts[v]
			best = v
		}
	}
	return byte(best)
}
