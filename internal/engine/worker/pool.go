package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/nemanja-m/mvexec/internal/engine/core"
	"github.com/nemanja-m/mvexec/internal/shared/config"
	"github.com/nemanja-m/mvexec/internal/shared/logging"
)

var ErrPoolClosed = errors.New("worker pool is closed")

type entry struct {
	task *core.MapTask
	sink core.TaskSink
}

// stream is the FIFO of streaming tasks of one job. At most one goroutine
// drains it at a time.
type stream struct {
	queue []entry
}

// Pool runs map tasks on a bounded set of goroutines. Non-streaming tasks run
// fully in parallel, streaming tasks of the same job run one after another.
type Pool struct {
	workers    int
	maxWorkers int
	blocks     core.BlockStore
	logger     logging.Logger

	jobs     chan func()
	overflow *semaphore.Weighted
	wg       sync.WaitGroup
	ctx      context.Context
	running  atomic.Bool

	mu     sync.RWMutex
	closed bool

	streamsMu sync.Mutex
	streams   map[string]*stream

	inflightMu sync.Mutex
	inflight   map[string]map[*core.MapTask]struct{}
}

func NewPool(cfg config.PoolConfig, blocks core.BlockStore, logger logging.Logger) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2 * runtime.NumCPU()
	}
	maxWorkers := max(cfg.MaxWorkers, workers)
	return &Pool{
		workers:    workers,
		maxWorkers: maxWorkers,
		blocks:     blocks,
		logger:     logger,
		jobs:       make(chan func(), max(cfg.QueueSize, 0)),
		overflow:   semaphore.NewWeighted(int64(maxWorkers - workers)),
		ctx:        context.Background(),
		streams:    make(map[string]*stream),
		inflight:   make(map[string]map[*core.MapTask]struct{}),
	}
}

// Start launches the resident workers. Tasks run with ctx.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for range p.workers {
		p.wg.Go(func() {
			for job := range p.jobs {
				job()
			}
		})
	}
	p.running.Store(true)
	p.logger.Info("Worker pool started", "workers", p.workers, "max_workers", p.maxWorkers, "queue_size", cap(p.jobs))
}

// Submit schedules task and reports its outcome to sink.
func (p *Pool) Submit(task *core.MapTask, sink core.TaskSink) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.register(task)

	if !task.Streaming {
		p.schedule(func() { p.execute(entry{task: task, sink: sink}) })
		return nil
	}

	p.streamsMu.Lock()
	s, draining := p.streams[task.JobID]
	if !draining {
		s = &stream{}
		p.streams[task.JobID] = s
	}
	s.queue = append(s.queue, entry{task: task, sink: sink})
	p.streamsMu.Unlock()

	if !draining {
		jobID := task.JobID
		p.schedule(func() { p.drain(jobID) })
	}
	return nil
}

// schedule hands fn to an idle resident worker, or to an overflow goroutine
// while below maxWorkers, and otherwise waits for queue space.
func (p *Pool) schedule(fn func()) {
	select {
	case p.jobs <- fn:
		return
	default:
	}
	if p.overflow.TryAcquire(1) {
		p.wg.Go(func() {
			defer p.overflow.Release(1)
			fn()
		})
		return
	}
	p.jobs <- fn
}

// drain runs the streaming queue of jobID until it is empty or the job needs
// no more results.
func (p *Pool) drain(jobID string) {
	for {
		p.streamsMu.Lock()
		s := p.streams[jobID]
		if s == nil || len(s.queue) == 0 {
			delete(p.streams, jobID)
			p.streamsMu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		p.streamsMu.Unlock()

		if p.execute(next) {
			p.dropStream(jobID)
			return
		}
	}
}

func (p *Pool) dropStream(jobID string) {
	p.streamsMu.Lock()
	s := p.streams[jobID]
	delete(p.streams, jobID)
	p.streamsMu.Unlock()

	if s == nil || len(s.queue) == 0 {
		return
	}
	for _, e := range s.queue {
		p.unregister(e.task)
	}
	p.logger.Debug("Dropped queued streaming tasks", "job_id", jobID, "dropped", len(s.queue))
}

// execute runs one task and reports whether its job needs no more results.
// Tasks of a finished job are skipped.
func (p *Pool) execute(e entry) bool {
	defer p.unregister(e.task)
	if e.task.Canceled() {
		return false
	}
	if e.sink.Finished() {
		return true
	}

	e.sink.TaskStarted(e.task)
	result, err := p.run(e.task)
	if err != nil {
		p.logger.Debug("Map task failed", "job_id", e.task.JobID, "block_id", e.task.Block.ID, "error", err)
		return e.sink.AddFailure(e.task.Failure(err.Error()))
	}
	return e.sink.AddResult(result)
}

func (p *Pool) run(task *core.MapTask) (result *core.MapResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task.Run(p.ctx, p.blocks)
}

// CancelAll flags every queued or running task of jobID. Queued tasks are
// skipped, running ones are left to finish.
func (p *Pool) CancelAll(jobID string) {
	var dropped []entry
	p.streamsMu.Lock()
	if s, ok := p.streams[jobID]; ok {
		dropped, s.queue = s.queue, nil
	}
	p.streamsMu.Unlock()
	for _, e := range dropped {
		e.task.Cancel()
		p.unregister(e.task)
	}

	p.inflightMu.Lock()
	tasks := p.inflight[jobID]
	for task := range tasks {
		task.Cancel()
	}
	n := len(tasks)
	p.inflightMu.Unlock()

	p.logger.Debug("Canceled job tasks", "job_id", jobID, "tasks", n)
}

func (p *Pool) register(task *core.MapTask) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	tasks, ok := p.inflight[task.JobID]
	if !ok {
		tasks = make(map[*core.MapTask]struct{})
		p.inflight[task.JobID] = tasks
	}
	tasks[task] = struct{}{}
}

func (p *Pool) unregister(task *core.MapTask) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	tasks := p.inflight[task.JobID]
	delete(tasks, task)
	if len(tasks) == 0 {
		delete(p.inflight, task.JobID)
	}
}

// InFlight returns the number of tasks submitted and not yet finished.
func (p *Pool) InFlight() int {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	n := 0
	for _, tasks := range p.inflight {
		n += len(tasks)
	}
	return n
}

// Running reports whether the pool accepts tasks.
func (p *Pool) Running() bool {
	return p.running.Load()
}

// Close stops accepting tasks and waits for queued and running ones.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.running.Store(false)
	p.mu.Unlock()

	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}
