package diagnostics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecowatt/agent/internal/kvstore"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time        { return f.t }
func (f *fakeClock) Sleep(d time.Duration) { f.t = f.t.Add(d) }

func TestIncr_PersistsThroughStore(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	d := New("device-1", &fakeClock{t: time.Unix(1000, 0)}, store)

	v, err := d.Incr(ctx, ReadErrors)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)

	v, err = d.Incr(ctx, ReadErrors)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v)

	persisted, ok, err := kvstore.GetUint32(ctx, store, "diagnostics/read_errors")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), persisted)
}

func TestIncr_ResumesFromPersistedValue(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	require.NoError(t, kvstore.SetUint32(ctx, store, "diagnostics/timeouts", 7))

	d := New("device-1", &fakeClock{t: time.Unix(0, 0)}, store)
	v, err := d.Incr(ctx, Timeouts)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), v)
}

func TestLog_RingOverwritesOldest(t *testing.T) {
	d := New("device-1", &fakeClock{t: time.Unix(0, 0)}, kvstore.NewMemoryStore())
	for i := 0; i < ringCapacity+5; i++ {
		d.Log(INFO, i, "event")
	}
	recent := d.recentEventsLocked(ringCapacity)
	assert.Len(t, recent, ringCapacity)
	assert.Equal(t, 5, recent[0].Code)
	assert.Equal(t, ringCapacity+4, recent[len(recent)-1].Code)
}

func TestSnapshot_SuccessRatesAndUptime(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1000, 0)}
	store := kvstore.NewMemoryStore()
	d := New("device-1", clk, store)

	_, err := d.Incr(ctx, ReadErrors)
	require.NoError(t, err)
	clk.t = clk.t.Add(60 * time.Second)

	snap, err := d.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "device-1", snap.DeviceID)
	assert.Equal(t, int64(60), snap.UptimeSec)
	assert.Equal(t, uint32(1), snap.Counters["read_errors"])
	assert.InDelta(t, 1-1.0/101.0, snap.SuccessRates["read"], 1e-9)
}

func TestNewSized_HonorsRingCapacity(t *testing.T) {
	d := NewSized("device-1", &fakeClock{t: time.Unix(0, 0)}, kvstore.NewMemoryStore(), 3)
	for i := 0; i < 10; i++ {
		d.Log(INFO, i, "event")
	}
	recent := d.recentEventsLocked(10)
	require.Len(t, recent, 3)
	assert.Equal(t, 7, recent[0].Code)
	assert.Equal(t, 9, recent[2].Code)
}

func TestAttachMetrics_MirrorsCountersAndEvents(t *testing.T) {
	ctx := context.Background()
	d := New("device-1", &fakeClock{t: time.Unix(0, 0)}, kvstore.NewMemoryStore())

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d.AttachMetrics(m)

	_, err := d.Incr(ctx, ReadErrors)
	require.NoError(t, err)
	_, err = d.Incr(ctx, ReadErrors)
	require.NoError(t, err)
	d.Log(ERROR, 0, "boom")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("read_errors")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("ERROR")))
}

func TestMessage_TruncatedToMaxLen(t *testing.T) {
	d := New("device-1", &fakeClock{t: time.Unix(0, 0)}, kvstore.NewMemoryStore())
	long := ""
	for i := 0; i < 100; i++ {
		long += "x"
	}
	d.Log(WARN, 1, long)
	recent := d.recentEventsLocked(1)
	require.Len(t, recent, 1)
	assert.Len(t, recent[0].Message, maxMessageLen)
}
