package core

import (
	"context"
	"io"
	"time"
)

// BlockStore looks up the blocks of a view file. Callers hold whatever lock
// keeps the file structurally stable for the duration of a job.
type BlockStore interface {
	// Blocks returns the blocks of file in storage order, or ErrFileNotFound.
	Blocks(ctx context.Context, file string) ([]BlockInfo, error)
	Open(ctx context.Context, block BlockInfo) (io.ReadCloser, error)
}

// Mapper computes the partial answer of one block.
type Mapper interface {
	Map(ctx context.Context, block BlockInfo, blocks BlockStore) (any, error)
}

type MapperFunc func(ctx context.Context, block BlockInfo, blocks BlockStore) (any, error)

func (f MapperFunc) Map(ctx context.Context, block BlockInfo, blocks BlockStore) (any, error) {
	return f(ctx, block, blocks)
}

// MapperFactory produces the mapper for one block of a job on a host.
type MapperFactory interface {
	NewMapper(desc JobDescriptor, block BlockInfo, host string) (Mapper, error)
}

type MapperFactoryFunc func(desc JobDescriptor, block BlockInfo, host string) (Mapper, error)

func (f MapperFactoryFunc) NewMapper(desc JobDescriptor, block BlockInfo, host string) (Mapper, error) {
	return f(desc, block, host)
}

// Reducer accumulates map results into one answer.
//
// Add calls are serialized by the job. Once a job is streaming, Result may
// run concurrently with Add, so implementations must guard their state.
// Complete is called exactly once, when the job finishes successfully.
type Reducer interface {
	Add(result *MapResult) error
	Complete(allBlocksDelivered bool) error
	IsFulfilled() bool
	Result() (any, error)
	Cancel()
}

// ReducerFactory produces the reducer of a job.
type ReducerFactory interface {
	NewReducer(desc JobDescriptor) (Reducer, error)
}

type ReducerFactoryFunc func(desc JobDescriptor) (Reducer, error)

func (f ReducerFactoryFunc) NewReducer(desc JobDescriptor) (Reducer, error) {
	return f(desc)
}

// TaskSink receives the lifecycle events of dispatched tasks. AddResult and
// AddFailure report true when the job needs no further results, and Finished
// keeps reporting it from then on.
type TaskSink interface {
	TaskStarted(task *MapTask)
	AddResult(result *MapResult) bool
	AddFailure(failure *MapFailure) bool
	Finished() bool
}

// Dispatcher executes map tasks and reports their outcome to a sink.
type Dispatcher interface {
	Submit(task *MapTask, sink TaskSink) error
	CancelAll(jobID string)
}

// JobRequest asks for a job of a registered kind over one view file.
type JobRequest struct {
	Kind   string
	File   string
	Params map[string]string
}

type JobService interface {
	SubmitJob(ctx context.Context, req JobRequest) (*JobStatus, error)
	GetJob(id string) (*JobStatus, error)
	GetJobs(filter JobFilter) ([]*JobStatus, int, error)
	CancelJob(id string) error
	RemoveJob(id string) error
	WaitJob(ctx context.Context, id string) (any, error)
	// UpdateJobs checks the deadlines of running jobs and returns how many
	// of them completed as a result.
	UpdateJobs() int
	// EvictCompleted discards finished jobs older than retention and returns
	// how many were discarded.
	EvictCompleted(retention time.Duration) int
}
