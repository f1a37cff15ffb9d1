// Package scheduler implements the single-in-flight, priority-queued task
// state machine that serializes polling, uploading, command, config-check,
// and firmware-update work.
package scheduler

import "sync"

// MaxQueueSize bounds the number of pending tasks.
const MaxQueueSize = 16

// Scheduler is a strictly run-to-completion, priority-ordered task queue.
// At most one task is in flight; FOTA is exclusive.
type Scheduler struct {
	mu sync.Mutex

	state     State
	queue     []Task
	completed uint64
	dropped   uint64
	nowFn     func() int64
	seq       int64
}

// New constructs an idle Scheduler. QueuedAt values come from an internal
// counter that increases with every accepted Queue call; nowFn is stored but
// not read.
func New(nowFn func() int64) *Scheduler {
	return &Scheduler{state: Idle, nowFn: nowFn}
}

// Queue assigns kind's fixed priority and enqueues it. Duplicates of a kind
// already queued are silently accepted (success, no new entry). A task is
// dropped (returns false) when the queue is already at MaxQueueSize.
func (s *Scheduler) Queue(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.queue {
		if t.Kind == kind {
			return true
		}
	}
	if len(s.queue) >= MaxQueueSize {
		s.dropped++
		return false
	}

	s.seq++
	s.queue = append(s.queue, Task{
		Kind:     kind,
		Priority: priorityOf(kind),
		QueuedAt: s.seq,
	})
	return true
}

// NextTask returns the highest-priority queued task (lowest Priority value;
// ties broken by earliest QueuedAt), or ok=false if the scheduler isn't Idle
// or the queue is empty. The returned task is removed from the queue.
func (s *Scheduler) NextTask() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Idle || len(s.queue) == 0 {
		return Task{}, false
	}

	best := 0
	for i := 1; i < len(s.queue); i++ {
		c := s.queue[i]
		b := s.queue[best]
		if c.Priority < b.Priority || (c.Priority == b.Priority && c.QueuedAt < b.QueuedAt) {
			best = i
		}
	}

	t := s.queue[best]
	s.queue = append(s.queue[:best], s.queue[best+1:]...)
	return t, true
}

// TaskStarted transitions into the busy state associated with kind.
func (s *Scheduler) TaskStarted(kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateFor(kind)
}

// TaskCompleted returns the scheduler to Idle and bumps the completed count.
func (s *Scheduler) TaskCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Idle
	s.completed++
}

// CanStartFota reports whether a FOTA task may begin: the scheduler is Idle
// and no Critical-priority task is currently queued.
func (s *Scheduler) CanStartFota() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return false
	}
	for _, t := range s.queue {
		if t.Priority == Critical {
			return false
		}
	}
	return true
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Completed returns the number of tasks that have run to completion.
func (s *Scheduler) Completed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Dropped returns the number of tasks refused due to a full queue.
func (s *Scheduler) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Snapshot is a read-only view of the scheduler's current state, standing in
// for the original firmware's printStatus() debug dump. It is observable
// diagnostics only, never part of the typed scheduling contract.
type Snapshot struct {
	State     State
	Queued    []Task
	Completed uint64
	Dropped   uint64
}

// Snapshot returns the scheduler's current state for logging/diagnostics.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := make([]Task, len(s.queue))
	copy(queued, s.queue)
	return Snapshot{
		State:     s.state,
		Queued:    queued,
		Completed: s.completed,
		Dropped:   s.dropped,
	}
}
