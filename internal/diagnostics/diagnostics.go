package diagnostics

import (
	"context"
	"fmt"
	"sync"

	"github.com/ecowatt/agent/internal/clock"
	"github.com/ecowatt/agent/internal/kvstore"
)

// ringCapacity is the EventLog's default oldest-overwrite capacity.
const ringCapacity = 50

// snapshotEventCount is the number of most-recent events exposed in a
// snapshot.
const snapshotEventCount = 10

// Success-rate baselines: a reporting simplification carried verbatim so
// snapshots remain comparable across implementations.
const (
	baselineReads   = 100
	baselineWrites  = 10
	baselineUploads = 50
)

// Diagnostics owns the EventLog ring and PersistentCounters for one device.
type Diagnostics struct {
	mu sync.Mutex

	deviceID  string
	clock     clock.Clock
	store     kvstore.Store
	startedAt int64

	ring     []Event
	ringHead int
	ringLen  int

	counters map[CounterName]uint32
	loaded   map[CounterName]bool

	metrics *Metrics
}

// New constructs a Diagnostics with the default 50-event ring, rooted at
// clock's current time as "init".
func New(deviceID string, c clock.Clock, store kvstore.Store) *Diagnostics {
	return NewSized(deviceID, c, store, ringCapacity)
}

// NewSized is New with an explicit event-ring capacity, for hosts that tune
// the ring through configuration.
func NewSized(deviceID string, c clock.Clock, store kvstore.Store, ringSize int) *Diagnostics {
	if ringSize <= 0 {
		ringSize = ringCapacity
	}
	return &Diagnostics{
		deviceID:  deviceID,
		clock:     c,
		store:     store,
		startedAt: c.Now().Unix(),
		ring:      make([]Event, ringSize),
		counters:  make(map[CounterName]uint32),
		loaded:    make(map[CounterName]bool),
	}
}

// AttachMetrics mirrors counter increments and logged events into Prometheus
// metrics. Pass nil to detach.
func (d *Diagnostics) AttachMetrics(m *Metrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = m
}

func (d *Diagnostics) loadCounterLocked(ctx context.Context, name CounterName) (uint32, error) {
	if d.loaded[name] {
		return d.counters[name], nil
	}
	v, _, err := kvstore.GetUint32(ctx, d.store, counterKeyPrefix+string(name))
	if err != nil {
		return 0, fmt.Errorf("diagnostics: load %s: %w", name, err)
	}
	d.counters[name] = v
	d.loaded[name] = true
	return v, nil
}

func (d *Diagnostics) persistCounterLocked(ctx context.Context, name CounterName, v uint32) error {
	if err := kvstore.SetUint32(ctx, d.store, counterKeyPrefix+string(name), v); err != nil {
		return fmt.Errorf("diagnostics: persist %s: %w", name, err)
	}
	return nil
}

// Log appends an event to the ring, overwriting the oldest entry when full.
func (d *Diagnostics) Log(sev Severity, code int, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ev := Event{
		Timestamp: d.clock.Now().Unix(),
		Severity:  sev,
		Code:      code,
		Message:   truncateMessage(message),
	}

	n := len(d.ring)
	idx := (d.ringHead + d.ringLen) % n
	if d.ringLen < n {
		d.ringLen++
	} else {
		d.ringHead = (d.ringHead + 1) % n
	}
	d.ring[idx] = ev

	if d.metrics != nil {
		d.metrics.RecordEvent(sev)
	}
}

// recentEventsLocked returns up to n most recent events, newest last.
func (d *Diagnostics) recentEventsLocked(n int) []Event {
	if n > d.ringLen {
		n = d.ringLen
	}
	out := make([]Event, 0, n)
	start := d.ringLen - n
	for i := start; i < d.ringLen; i++ {
		idx := (d.ringHead + i) % len(d.ring)
		out = append(out, d.ring[idx])
	}
	return out
}

// successRate implements the fixed reporting simplification
// 1 - errors/(errors+baseline), with a per-class assumed baseline.
func successRate(errors uint32, baseline int) float64 {
	e := float64(errors)
	b := float64(baseline)
	return 1 - e/(e+b)
}

// Snapshot is the JSON document exposed by the diagnostics endpoint.
type Snapshot struct {
	DeviceID     string             `json:"device_id"`
	UptimeSec    int64              `json:"uptime_seconds"`
	Counters     map[string]uint32  `json:"counters"`
	SuccessRates map[string]float64 `json:"success_rates"`
	RecentEvents []Event            `json:"recent_events"`
}

// Snapshot builds the current JSON-serializable diagnostics document.
func (d *Diagnostics) Snapshot(ctx context.Context) (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	counters := make(map[string]uint32, len(counterNames))
	for _, name := range counterNames {
		v, err := d.loadCounterLocked(ctx, name)
		if err != nil {
			return Snapshot{}, err
		}
		counters[string(name)] = v
	}

	rates := map[string]float64{
		"read":   successRate(counters[string(ReadErrors)], baselineReads),
		"write":  successRate(counters[string(WriteErrors)], baselineWrites),
		"upload": successRate(counters[string(UploadFailures)], baselineUploads),
	}

	return Snapshot{
		DeviceID:     d.deviceID,
		UptimeSec:    d.clock.Now().Unix() - d.startedAt,
		Counters:     counters,
		SuccessRates: rates,
		RecentEvents: d.recentEventsLocked(snapshotEventCount),
	}, nil
}
