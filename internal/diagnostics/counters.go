package diagnostics

import "context"

// CounterName identifies one of the fixed PersistentCounters.
type CounterName string

const (
	ReadErrors          CounterName = "read_errors"
	WriteErrors         CounterName = "write_errors"
	Timeouts            CounterName = "timeouts"
	CRCErrors           CounterName = "crc_errors"
	MalformedFrames     CounterName = "malformed_frames"
	CompressionFailures CounterName = "compression_failures"
	UploadFailures      CounterName = "upload_failures"
	SecurityViolations  CounterName = "security_violations"
)

// counterNames enumerates all named counters in a stable order for snapshots.
var counterNames = []CounterName{
	ReadErrors, WriteErrors, Timeouts, CRCErrors,
	MalformedFrames, CompressionFailures, UploadFailures, SecurityViolations,
}

const counterKeyPrefix = "diagnostics/"

// Incr bumps counter name by 1, persisting the new value through the store
// before returning.
func (d *Diagnostics) Incr(ctx context.Context, name CounterName) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.loadCounterLocked(ctx, name)
	if err != nil {
		return 0, err
	}
	next := cur + 1
	d.counters[name] = next
	if err := d.persistCounterLocked(ctx, name, next); err != nil {
		return 0, err
	}
	if d.metrics != nil {
		d.metrics.RecordCounter(name)
	}
	return next, nil
}

// Counter returns the current value of a named counter without mutating it.
func (d *Diagnostics) Counter(ctx context.Context, name CounterName) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadCounterLocked(ctx, name)
}
