package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterClock() func() int64 {
	n := int64(0)
	return func() int64 {
		n++
		return n
	}
}

func TestQueue_DeduplicatesSameKind(t *testing.T) {
	s := New(counterClock())
	assert.True(t, s.Queue(PollSensors))
	assert.True(t, s.Queue(PollSensors))

	task, ok := s.NextTask()
	require.True(t, ok)
	assert.Equal(t, PollSensors, task.Kind)

	_, ok = s.NextTask()
	assert.False(t, ok)
}

func TestQueue_DropsWhenFull(t *testing.T) {
	s := New(counterClock())
	// Synthetic distinct kind values: Queue only dedups same-kind entries, so
	// filling to capacity requires more distinct kinds than the five real ones.
	for i := 0; i < MaxQueueSize; i++ {
		assert.True(t, s.Queue(Kind(100+i)))
	}
	assert.False(t, s.Queue(Kind(999)))
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestNextTask_PriorityOrderThenFIFO(t *testing.T) {
	s := New(counterClock())
	require.True(t, s.Queue(CheckFota))
	require.True(t, s.Queue(CheckConfig))
	require.True(t, s.Queue(PollSensors))
	require.True(t, s.Queue(UploadData))

	// PollSensors and UploadData are both Critical; PollSensors queued first.
	task, ok := s.NextTask()
	require.True(t, ok)
	assert.Equal(t, PollSensors, task.Kind)

	task, ok = s.NextTask()
	require.True(t, ok)
	assert.Equal(t, UploadData, task.Kind)

	task, ok = s.NextTask()
	require.True(t, ok)
	assert.Equal(t, CheckConfig, task.Kind)

	task, ok = s.NextTask()
	require.True(t, ok)
	assert.Equal(t, CheckFota, task.Kind)
}

func TestNextTask_NoneWhenNotIdle(t *testing.T) {
	s := New(counterClock())
	require.True(t, s.Queue(PollSensors))
	s.TaskStarted(PollSensors)

	_, ok := s.NextTask()
	assert.False(t, ok)
}

func TestTaskCompleted_ReturnsToIdle(t *testing.T) {
	s := New(counterClock())
	s.TaskStarted(UploadData)
	assert.Equal(t, Uploading, s.State())
	s.TaskCompleted()
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, uint64(1), s.Completed())
}

func TestCanStartFota_FalseWhenCriticalQueued(t *testing.T) {
	s := New(counterClock())
	require.True(t, s.Queue(PollSensors))
	assert.False(t, s.CanStartFota())
}

func TestCanStartFota_TrueWhenIdleAndNoCriticalQueued(t *testing.T) {
	s := New(counterClock())
	require.True(t, s.Queue(CheckConfig))
	assert.True(t, s.CanStartFota())
}

func TestCanStartFota_FalseWhenNotIdle(t *testing.T) {
	s := New(counterClock())
	s.TaskStarted(PollSensors)
	assert.False(t, s.CanStartFota())
}

func TestSnapshot_ReflectsQueueAndState(t *testing.T) {
	s := New(counterClock())
	require.True(t, s.Queue(CheckConfig))
	require.True(t, s.Queue(PollSensors))
	task, ok := s.NextTask()
	require.True(t, ok)
	assert.Equal(t, PollSensors, task.Kind)
	s.TaskStarted(task.Kind)
	s.TaskCompleted()

	snap := s.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, uint64(1), snap.Completed)
	require.Len(t, snap.Queued, 1)
	assert.Equal(t, CheckConfig, snap.Queued[0].Kind)
}
