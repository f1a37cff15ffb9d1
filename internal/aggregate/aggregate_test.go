package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ecowatt/agent/internal/modbus"
	"github.com/ecowatt/agent/internal/samplestore"
)

func TestCompute_Basic(t *testing.T) {
	st := Compute([]uint16{2, 4, 4, 4, 5, 5, 7, 9})
	assert.Equal(t, int64(5), st.Mean)
	assert.Equal(t, uint16(2), st.Min)
	assert.Equal(t, uint16(9), st.Max)
	assert.Equal(t, uint16(7), st.Range)
	assert.Equal(t, 8, st.Count)
	assert.Equal(t, int64(2), st.StdDev) // population stddev ~2.0
}

func TestSelect_SMART_LowVariancePrefersMean(t *testing.T) {
	values := []uint16{100, 101, 99, 100, 100}
	got := Select(values, SMART)
	st := Compute(values)
	assert.Equal(t, uint16(st.Mean), got)
}

func TestSelect_SMART_WideRangePrefersMedian(t *testing.T) {
	values := []uint16{1, 1, 1, 1, 1000}
	got := Select(values, SMART)
	st := Compute(values)
	assert.Equal(t, uint16(st.Median), got)
}

func TestDetectOutliers_ShortSequenceNeverFlagged(t *testing.T) {
	mask := DetectOutliers([]uint16{1, 2, 3})
	assert.Equal(t, []bool{false, false, false}, mask)
}

func TestDetectOutliers_WithinFence(t *testing.T) {
	values := []uint16{10, 11, 12, 13, 14, 500}
	mask := DetectOutliers(values)
	retained := RemoveOutliers(values)

	assert.NotContains(t, retained, uint16(500))
	assert.True(t, mask[len(values)-1])
}

func TestRemoveOutliers_PreservesOrder(t *testing.T) {
	values := []uint16{1, 2, 3, 4, 1000}
	retained := RemoveOutliers(values)
	assert.Equal(t, []uint16{1, 2, 3, 4}, retained)
}

func sampleWith(ts int64, pac uint16) samplestore.Sample {
	return samplestore.Sample{Timestamp: ts, Values: map[modbus.RegisterID]uint16{modbus.PAC: pac}}
}

func TestFixedDownsample_TailWindowTruncated(t *testing.T) {
	batch := []samplestore.Sample{sampleWith(1, 10), sampleWith(2, 20), sampleWith(3, 30)}
	out := FixedDownsample(batch, 2, MEAN)
	assert.Len(t, out, 2)
	assert.Equal(t, int64(2), out[0].Timestamp)
	assert.Equal(t, int64(3), out[1].Timestamp)
}

func TestAdaptiveDownsample_HitsTargetCount(t *testing.T) {
	batch := make([]samplestore.Sample, 10)
	for i := range batch {
		batch[i] = sampleWith(int64(i), uint16(i*10))
	}
	out := AdaptiveDownsample(batch, 3, MEAN)
	assert.LessOrEqual(t, len(out), 4)
	assert.GreaterOrEqual(t, len(out), 3)
}
