package core

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"
)

// LocalHost is the only execution target. Map tasks always run in-process.
const LocalHost = "local"

// PropertyBlockIndex holds the ordinal position of a task's block in its file.
const PropertyBlockIndex = "block.index"

// BlockInfo describes one independently addressable block of a view file.
type BlockInfo struct {
	ID       string
	Index    int
	Size     int64
	Path     string
	Metadata map[string]string
}

// JobDescriptor identifies a unit of work over all blocks of one file.
type JobDescriptor struct {
	ID          string
	File        string
	Kind        string
	Streaming   bool
	Params      map[string]string
	SubmittedAt time.Time
}

// TaskKey identifies a dispatched task: the same block may only be tried
// once per host.
type TaskKey struct {
	BlockID string
	Host    string
}

// MapTask is one block-scoped unit of work. It is read-only once handed to a
// Dispatcher, except for its cancellation flag.
type MapTask struct {
	JobID      string
	Block      BlockInfo
	Host       string
	Properties map[string]string
	Streaming  bool

	mapper   Mapper
	canceled atomic.Bool
}

func NewMapTask(jobID string, block BlockInfo, host string, streaming bool, mapper Mapper) *MapTask {
	return &MapTask{
		JobID: jobID,
		Block: block,
		Host:  host,
		Properties: map[string]string{
			PropertyBlockIndex: strconv.Itoa(block.Index),
		},
		Streaming: streaming,
		mapper:    mapper,
	}
}

func (t *MapTask) Key() TaskKey {
	return TaskKey{BlockID: t.Block.ID, Host: t.Host}
}

// Cancel flags the task. A task that has not started yet is skipped by the
// pool, a running one is left to finish.
func (t *MapTask) Cancel() {
	t.canceled.Store(true)
}

func (t *MapTask) Canceled() bool {
	return t.canceled.Load()
}

// Run executes the mapper against the task's block.
func (t *MapTask) Run(ctx context.Context, blocks BlockStore) (*MapResult, error) {
	start := time.Now()
	value, err := t.mapper.Map(ctx, t.Block, blocks)
	if err != nil {
		return nil, err
	}
	return &MapResult{
		JobID:   t.JobID,
		BlockID: t.Block.ID,
		Host:    t.Host,
		Value:   value,
		Elapsed: time.Since(start),
	}, nil
}

// Failure builds the failure outcome of this task.
func (t *MapTask) Failure(reason string) *MapFailure {
	return &MapFailure{
		JobID:   t.JobID,
		BlockID: t.Block.ID,
		Host:    t.Host,
		Reason:  reason,
	}
}

// MapResult is the successful outcome of a MapTask.
type MapResult struct {
	JobID   string
	BlockID string
	Host    string
	Value   any
	Elapsed time.Duration
}

func (r *MapResult) Key() TaskKey {
	return TaskKey{BlockID: r.BlockID, Host: r.Host}
}

// MapFailure is the failed outcome of a MapTask.
type MapFailure struct {
	JobID   string
	BlockID string
	Host    string
	Reason  string
}

func (f *MapFailure) Key() TaskKey {
	return TaskKey{BlockID: f.BlockID, Host: f.Host}
}
