package core

import (
	"sync"
	"time"
)

type TaskState int

const (
	TaskStatePending TaskState = iota
	TaskStateRunning
	TaskStateSucceeded
	TaskStateFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskStatePending:
		return "PENDING"
	case TaskStateRunning:
		return "RUNNING"
	case TaskStateSucceeded:
		return "SUCCEEDED"
	case TaskStateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s TaskState) IsCompleted() bool {
	return s == TaskStateSucceeded || s == TaskStateFailed
}

// TaskStatus tracks the lifecycle of one dispatched MapTask. Once completed
// it never changes again.
type TaskStatus struct {
	task *MapTask
	now  func() time.Time

	mu        sync.Mutex
	state     TaskState
	startedAt time.Time
	endedAt   time.Time
	reason    string
}

func NewTaskStatus(task *MapTask) *TaskStatus {
	return newTaskStatus(task, time.Now)
}

func newTaskStatus(task *MapTask, now func() time.Time) *TaskStatus {
	return &TaskStatus{
		task:  task,
		now:   now,
		state: TaskStatePending,
	}
}

func (s *TaskStatus) Task() *MapTask {
	return s.task
}

func (s *TaskStatus) Key() TaskKey {
	return s.task.Key()
}

// Start moves a pending task to running. It reports false when the task was
// not pending.
func (s *TaskStatus) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != TaskStatePending {
		return false
	}
	s.state = TaskStateRunning
	s.startedAt = s.now()
	return true
}

// Complete records the outcome of the task. Only the first call has an
// effect; it reports whether this call completed the task.
func (s *TaskStatus) Complete(success bool, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsCompleted() {
		return false
	}
	s.endedAt = s.now()
	if s.startedAt.IsZero() {
		s.startedAt = s.endedAt
	}
	if success {
		s.state = TaskStateSucceeded
	} else {
		s.state = TaskStateFailed
		s.reason = reason
	}
	return true
}

func (s *TaskStatus) State() TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *TaskStatus) IsCompleted() bool {
	return s.State().IsCompleted()
}

func (s *TaskStatus) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Elapsed is the running time so far, or the total running time once the
// task completed. A task that never started has elapsed nothing.
func (s *TaskStatus) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *TaskStatus) elapsedLocked() time.Duration {
	switch {
	case s.startedAt.IsZero():
		return 0
	case s.state.IsCompleted():
		return s.endedAt.Sub(s.startedAt)
	default:
		return s.now().Sub(s.startedAt)
	}
}

// IsExpired reports whether a running task has been running for longer than
// threshold.
func (s *TaskStatus) IsExpired(threshold time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != TaskStateRunning {
		return false
	}
	return s.elapsedLocked() > threshold
}

// TaskSnapshot is a point-in-time copy of a TaskStatus.
type TaskSnapshot struct {
	BlockID    string
	BlockIndex int
	Host       string
	State      TaskState
	Reason     string
	StartedAt  *time.Time
	EndedAt    *time.Time
	Elapsed    time.Duration
}

func (s *TaskStatus) Snapshot() TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := TaskSnapshot{
		BlockID:    s.task.Block.ID,
		BlockIndex: s.task.Block.Index,
		Host:       s.task.Host,
		State:      s.state,
		Reason:     s.reason,
		Elapsed:    s.elapsedLocked(),
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		snap.StartedAt = &started
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	return snap
}
