package aggregate

import (
	"github.com/ecowatt/agent/internal/modbus"
	"github.com/ecowatt/agent/internal/samplestore"
)

// window is a half-open index range [start,end) into a sample batch.
type window struct{ start, end int }

// fixedWindows splits n items into windows of windowSize, with the final
// window truncated (shorter) if n is not an exact multiple.
func fixedWindows(n, windowSize int) []window {
	if windowSize <= 0 {
		windowSize = 1
	}
	var out []window
	for start := 0; start < n; start += windowSize {
		end := start + windowSize
		if end > n {
			end = n
		}
		out = append(out, window{start, end})
	}
	return out
}

// adaptiveWindows derives a window size by ceil-dividing n by target so the
// result has at most target windows; the tail window may be shorter.
func adaptiveWindows(n, target int) []window {
	if target <= 0 {
		target = 1
	}
	windowSize := (n + target - 1) / target
	return fixedWindows(n, windowSize)
}

// reduceWindow collapses a window of samples into one aggregated sample per
// register, selecting each register's representative value under mode.
func reduceWindow(batch []samplestore.Sample, w window, mode Mode) samplestore.Sample {
	span := batch[w.start:w.end]
	out := samplestore.Sample{
		Timestamp: span[len(span)-1].Timestamp,
		Values:    make(map[modbus.RegisterID]uint16),
	}
	for _, id := range modbus.AllRegisters() {
		var vals []uint16
		for _, s := range span {
			if v, ok := s.Values[id]; ok {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			continue
		}
		out.Values[id] = Select(vals, mode)
	}
	return out
}

func reduceWindows(batch []samplestore.Sample, windows []window, mode Mode) []samplestore.Sample {
	out := make([]samplestore.Sample, 0, len(windows))
	for _, w := range windows {
		out = append(out, reduceWindow(batch, w, mode))
	}
	return out
}

// FixedDownsample reduces batch to ceil(len(batch)/windowSize) samples using
// fixed-size windows (last window may be shorter).
func FixedDownsample(batch []samplestore.Sample, windowSize int, mode Mode) []samplestore.Sample {
	if len(batch) == 0 {
		return nil
	}
	return reduceWindows(batch, fixedWindows(len(batch), windowSize), mode)
}

// AdaptiveDownsample reduces batch to at most target samples, deriving the
// window size via ceil-division.
func AdaptiveDownsample(batch []samplestore.Sample, target int, mode Mode) []samplestore.Sample {
	if len(batch) == 0 {
		return nil
	}
	return reduceWindows(batch, adaptiveWindows(len(batch), target), mode)
}
