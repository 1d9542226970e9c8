package core

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nemanja-m/mvexec/internal/shared/logging"
)

// JobOptions bounds how long a job and each of its tasks may run.
type JobOptions struct {
	Timeout      time.Duration
	TaskExpiry   time.Duration
	PollInterval time.Duration
}

func DefaultJobOptions() JobOptions {
	return JobOptions{
		Timeout:      10 * time.Minute,
		TaskExpiry:   5 * time.Minute,
		PollInterval: 10 * time.Second,
	}
}

// JobProgress counts the blocks of a job by lifecycle stage.
type JobProgress struct {
	Total      int
	Pending    int
	Dispatched int
	Running    int
	Succeeded  int
	Failed     int
}

// JobStatus drives one job: it dispatches a map task per block, collects
// their outcomes into the reducer and exposes the reduced answer.
type JobStatus struct {
	desc       JobDescriptor
	blocks     BlockStore
	dispatcher Dispatcher
	mappers    MapperFactory
	reducer    Reducer
	opts       JobOptions
	logger     logging.Logger
	now        func() time.Time

	canceled  atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	// mu guards the job state and block sets.
	mu           sync.Mutex
	state        JobState
	completing   bool
	reason       string
	allDelivered bool
	startedAt    time.Time
	endedAt      time.Time
	canceledAt   time.Time
	totalBlocks  int
	totalBytes   int64
	pending      map[string]struct{}
	dispatched   map[string]struct{}

	tasksMu sync.RWMutex
	tasks   map[TaskKey]*TaskStatus
	order   []TaskKey

	failedMu    sync.Mutex
	failedHosts map[string]map[string]struct{}
}

func NewJobStatus(
	desc JobDescriptor,
	blocks BlockStore,
	dispatcher Dispatcher,
	mappers MapperFactory,
	reducer Reducer,
	opts JobOptions,
	logger logging.Logger,
) *JobStatus {
	if desc.SubmittedAt.IsZero() {
		desc.SubmittedAt = time.Now().UTC()
	}
	return &JobStatus{
		desc:        desc,
		blocks:      blocks,
		dispatcher:  dispatcher,
		mappers:     mappers,
		reducer:     reducer,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		state:       JobStateNew,
		pending:     make(map[string]struct{}),
		dispatched:  make(map[string]struct{}),
		tasks:       make(map[TaskKey]*TaskStatus),
		failedHosts: make(map[string]map[string]struct{}),
	}
}

func (j *JobStatus) ID() string {
	return j.desc.ID
}

func (j *JobStatus) Descriptor() JobDescriptor {
	return j.desc
}

// Start looks up the blocks of the job's file and dispatches one map task
// per block. A missing or empty file fails the job before anything is
// dispatched.
func (j *JobStatus) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.state != JobStateNew {
		j.mu.Unlock()
		return ErrJobAlreadyStarted
	}
	j.state = JobStateStarted
	j.startedAt = j.now()
	j.mu.Unlock()

	blocks, err := j.blocks.Blocks(ctx, j.desc.File)
	if err == nil && len(blocks) == 0 {
		err = ErrNoBlocks
	}
	if err != nil {
		err = fmt.Errorf("job %s: file %q: %w", j.desc.ID, j.desc.File, err)
		j.complete(false, false, err.Error())
		return err
	}

	var totalBytes int64
	j.mu.Lock()
	j.pending = make(map[string]struct{}, len(blocks))
	j.dispatched = make(map[string]struct{}, len(blocks))
	for _, block := range blocks {
		j.pending[block.ID] = struct{}{}
		totalBytes += block.Size
	}
	j.totalBlocks = len(blocks)
	j.totalBytes = totalBytes
	j.allDelivered = false
	j.mu.Unlock()

	j.logger.Info("Job started",
		"job_id", j.desc.ID,
		"kind", j.desc.Kind,
		"file", j.desc.File,
		"blocks", len(blocks),
		"size", humanize.Bytes(uint64(totalBytes)),
		"streaming", j.desc.Streaming,
	)

	for i, block := range blocks {
		if j.canceled.Load() {
			j.logger.Info("Job canceled, dispatch aborted", "job_id", j.desc.ID, "dispatched", i, "blocks", len(blocks))
			return nil
		}
		if j.IsCompleted() {
			j.logger.Debug("Job completed during dispatch", "job_id", j.desc.ID, "dispatched", i, "blocks", len(blocks))
			return nil
		}

		block.Index = i
		task, err := j.newTask(block, LocalHost)
		if err != nil {
			j.AddFailure(&MapFailure{
				JobID:   j.desc.ID,
				BlockID: block.ID,
				Host:    LocalHost,
				Reason:  fmt.Sprintf("could not create map task: %v", err),
			})
			return nil
		}
		if err := j.dispatch(task); err != nil {
			j.AddFailure(task.Failure(fmt.Sprintf("could not dispatch map task: %v", err)))
			return nil
		}
	}

	j.logger.Debug("Job dispatched", "job_id", j.desc.ID, "tasks", len(blocks))
	return nil
}

func (j *JobStatus) newTask(block BlockInfo, host string) (*MapTask, error) {
	mapper, err := j.mappers.NewMapper(j.desc, block, host)
	if err != nil {
		return nil, err
	}
	return NewMapTask(j.desc.ID, block, host, j.desc.Streaming, mapper), nil
}

func (j *JobStatus) dispatch(task *MapTask) error {
	status := newTaskStatus(task, j.now)

	j.tasksMu.Lock()
	j.tasks[task.Key()] = status
	j.order = append(j.order, task.Key())
	j.tasksMu.Unlock()

	j.mu.Lock()
	j.dispatched[task.Block.ID] = struct{}{}
	j.mu.Unlock()

	return j.dispatcher.Submit(task, j)
}

// TaskStarted marks the task's status as running.
func (j *JobStatus) TaskStarted(task *MapTask) {
	if status := j.taskStatus(task.Key()); status != nil {
		status.Start()
	}
}

// AddResult feeds a block result into the reducer. Results arriving after
// the job completed or was canceled are ignored.
func (j *JobStatus) AddResult(result *MapResult) bool {
	if j.canceled.Load() {
		return true
	}

	j.mu.Lock()
	if j.state.IsCompleted() || j.completing {
		j.mu.Unlock()
		return true
	}
	delete(j.pending, result.BlockID)
	remaining := len(j.pending)
	addErr := j.callReducer("add", func() error { return j.reducer.Add(result) })
	j.mu.Unlock()

	if status := j.taskStatus(result.Key()); status != nil {
		status.Complete(true, "")
	}

	if addErr != nil {
		j.complete(false, false, fmt.Sprintf("block %s: %v", result.BlockID, addErr))
		return true
	}

	fulfilled := j.IsFulfilled()
	if remaining == 0 || j.desc.Streaming || fulfilled {
		j.complete(true, remaining == 0, "")
	}
	return fulfilled || j.IsCompleted()
}

// AddFailure records a failed block. A block that cannot be retried on
// another host fails the whole job.
func (j *JobStatus) AddFailure(failure *MapFailure) bool {
	if j.canceled.Load() || j.IsCompleted() {
		return true
	}

	if status := j.taskStatus(failure.Key()); status != nil {
		status.Complete(false, failure.Reason)
	}
	j.recordFailedHost(failure.BlockID, failure.Host)

	j.logger.Warn("Map task failed",
		"job_id", j.desc.ID,
		"block_id", failure.BlockID,
		"host", failure.Host,
		"reason", failure.Reason,
	)

	if task := j.replacement(failure.BlockID); task != nil {
		if err := j.dispatch(task); err == nil {
			return false
		}
	}
	j.complete(false, false, fmt.Sprintf("could not create replacement task for failed block %s", failure.BlockID))
	return true
}

// replacement would return a task re-running blockID on a host that has not
// failed it yet. Tasks only ever run on the local host, so a failed block
// never has an untried host left.
// TODO: try other hosts once tasks can be dispatched off the local node.
func (j *JobStatus) replacement(blockID string) *MapTask {
	j.logger.Debug("No replacement host for block",
		"job_id", j.desc.ID,
		"block_id", blockID,
		"failed_hosts", j.failedHostsFor(blockID),
	)
	return nil
}

// complete moves the job to streaming, or to a terminal state when the
// outcome is final. It reports whether this call made the job terminal.
func (j *JobStatus) complete(success, allBlocksDelivered bool, reason string) bool {
	if j.canceled.Load() {
		return false
	}
	fulfilled := success && j.IsFulfilled()

	j.mu.Lock()
	if j.state.IsCompleted() || j.completing {
		j.mu.Unlock()
		return false
	}
	if success && !allBlocksDelivered && !fulfilled {
		j.state = JobStateStreaming
		j.mu.Unlock()
		j.signalReady()
		return false
	}
	j.completing = true
	j.mu.Unlock()

	if success {
		done := allBlocksDelivered || fulfilled
		if err := j.callReducer("complete", func() error { return j.reducer.Complete(done) }); err != nil {
			j.logger.Error("Reducer failed to complete", "job_id", j.desc.ID, "error", err)
		}
	}
	expired := j.expireStragglers()

	j.mu.Lock()
	if success {
		j.state = JobStateSuccessful
	} else {
		j.state = JobStateFailed
		j.reason = reason
	}
	j.allDelivered = allBlocksDelivered
	j.endedAt = j.now()
	state := j.state
	duration := j.endedAt.Sub(j.startedAt)
	j.mu.Unlock()

	j.signalReady()
	j.signalDone()
	if expired > 0 {
		j.dispatcher.CancelAll(j.desc.ID)
	}

	if success {
		j.logger.Info("Job completed",
			"job_id", j.desc.ID,
			"state", state.String(),
			"all_blocks_delivered", allBlocksDelivered,
			"fulfilled", fulfilled,
			"duration_ms", duration.Milliseconds(),
		)
	} else {
		j.logger.Warn("Job failed",
			"job_id", j.desc.ID,
			"state", state.String(),
			"reason", reason,
			"duration_ms", duration.Milliseconds(),
		)
	}
	return true
}

// expireStragglers fails every unfinished task and returns how many it failed.
func (j *JobStatus) expireStragglers() int {
	expired := 0
	for _, status := range j.taskStatuses() {
		if status.Complete(false, ReasonTaskExpired) {
			expired++
		}
	}
	return expired
}

// Cancel stops the job. Tasks not yet running are skipped, running tasks are
// left to finish and their results ignored. Canceling a completed job has no
// effect.
func (j *JobStatus) Cancel() {
	if j.IsCompleted() || !j.canceled.CompareAndSwap(false, true) {
		return
	}
	j.mu.Lock()
	j.canceledAt = j.now()
	j.mu.Unlock()
	j.signalReady()
	j.signalDone()
	j.callReducer("cancel", func() error {
		j.reducer.Cancel()
		return nil
	})
	j.dispatcher.CancelAll(j.desc.ID)
	j.logger.Info("Job canceled", "job_id", j.desc.ID)
}

// Update checks the job and task deadlines. It is meant to be called
// periodically and reports whether the job is completed.
func (j *JobStatus) Update() bool {
	if j.IsCompleted() {
		return true
	}
	if j.canceled.Load() {
		return false
	}

	j.mu.Lock()
	state, started := j.state, j.startedAt
	j.mu.Unlock()
	if state == JobStateNew {
		return false
	}

	if j.now().Sub(started) > j.opts.Timeout {
		return j.complete(false, false, ReasonJobExpired)
	}

	for _, status := range j.taskStatuses() {
		if !status.IsExpired(j.opts.TaskExpiry) {
			continue
		}
		if !status.Complete(false, ReasonTaskExpired) {
			continue
		}
		task := status.Task()
		task.Cancel()
		j.recordFailedHost(task.Block.ID, task.Host)

		j.logger.Warn("Map task expired",
			"job_id", j.desc.ID,
			"block_id", task.Block.ID,
			"host", task.Host,
			"threshold", j.opts.TaskExpiry.String(),
		)

		if replacement := j.replacement(task.Block.ID); replacement != nil {
			if err := j.dispatch(replacement); err == nil {
				continue
			}
		}
		return j.complete(false, false, fmt.Sprintf("could not create replacement task for expired block %s", task.Block.ID))
	}
	return false
}

// Result blocks until the job is ready, canceled or expired. A canceled job
// yields a nil result and no error.
func (j *JobStatus) Result(ctx context.Context) (any, error) {
	j.mu.Lock()
	state, started := j.state, j.startedAt
	j.mu.Unlock()
	if state == JobStateNew {
		return nil, ErrJobNotStarted
	}

	deadline := started.Add(j.opts.Timeout)
	for !j.IsReady() && !j.canceled.Load() {
		remaining := deadline.Sub(j.now())
		if remaining <= 0 {
			break
		}
		timer := time.NewTimer(min(j.opts.PollInterval, remaining))
		select {
		case <-j.ready:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}

	if !j.canceled.Load() && !j.IsReady() {
		j.complete(false, false, ReasonJobExpired)
		select {
		case <-j.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if j.canceled.Load() {
		return nil, nil
	}
	if j.State() == JobStateFailed {
		return nil, j.failureError()
	}

	var result any
	err := j.callReducer("result", func() (err error) {
		result, err = j.reducer.Result()
		return err
	})
	if err != nil {
		if reason := j.firstFailureReason(); reason != "" {
			return nil, fmt.Errorf("%w: job %s: %s", ErrJobFailed, j.desc.ID, reason)
		}
		return nil, fmt.Errorf("job %s: %w", j.desc.ID, err)
	}
	return result, nil
}

func (j *JobStatus) failureError() error {
	j.mu.Lock()
	jobReason := j.reason
	j.mu.Unlock()

	sentinel := ErrJobFailed
	if jobReason == ReasonJobExpired {
		sentinel = ErrJobExpired
	}
	reason := j.firstFailureReason()
	if reason == "" {
		reason = jobReason
	}
	return fmt.Errorf("%w: job %s: %s", sentinel, j.desc.ID, reason)
}

// firstFailureReason returns the reason of the first dispatched task that
// failed on its own, skipping tasks swept up as stragglers.
func (j *JobStatus) firstFailureReason() string {
	j.tasksMu.RLock()
	defer j.tasksMu.RUnlock()
	for _, key := range j.order {
		status := j.tasks[key]
		if status.State() != TaskStateFailed {
			continue
		}
		if reason := status.Reason(); reason != "" && reason != ReasonTaskExpired {
			return reason
		}
	}
	return ""
}

func (j *JobStatus) callReducer(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reducer %s: panic: %v", op, r)
		}
	}()
	return fn()
}

func (j *JobStatus) signalReady() {
	j.readyOnce.Do(func() { close(j.ready) })
}

func (j *JobStatus) signalDone() {
	j.doneOnce.Do(func() { close(j.done) })
}

func (j *JobStatus) taskStatus(key TaskKey) *TaskStatus {
	j.tasksMu.RLock()
	defer j.tasksMu.RUnlock()
	return j.tasks[key]
}

func (j *JobStatus) taskStatuses() []*TaskStatus {
	j.tasksMu.RLock()
	defer j.tasksMu.RUnlock()
	statuses := make([]*TaskStatus, 0, len(j.order))
	for _, key := range j.order {
		statuses = append(statuses, j.tasks[key])
	}
	return statuses
}

func (j *JobStatus) recordFailedHost(blockID, host string) {
	j.failedMu.Lock()
	defer j.failedMu.Unlock()
	hosts, ok := j.failedHosts[blockID]
	if !ok {
		hosts = make(map[string]struct{})
		j.failedHosts[blockID] = hosts
	}
	hosts[host] = struct{}{}
}

func (j *JobStatus) failedHostsFor(blockID string) []string {
	j.failedMu.Lock()
	defer j.failedMu.Unlock()
	hosts := make([]string, 0, len(j.failedHosts[blockID]))
	for host := range j.failedHosts[blockID] {
		hosts = append(hosts, host)
	}
	slices.Sort(hosts)
	return hosts
}

func (j *JobStatus) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *JobStatus) Reason() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reason
}

func (j *JobStatus) IsCompleted() bool {
	return j.State().IsCompleted()
}

func (j *JobStatus) IsReady() bool {
	return j.State().IsReady()
}

func (j *JobStatus) IsCanceled() bool {
	return j.canceled.Load()
}

// Done returns a channel closed once the job is completed or canceled.
// Unlike readiness it stays open while the job streams partial results.
func (j *JobStatus) Done() <-chan struct{} {
	return j.done
}

// Finished reports whether the job takes no further results, either because
// it is canceled or because its outcome is already decided.
func (j *JobStatus) Finished() bool {
	if j.canceled.Load() {
		return true
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completing || j.state.IsCompleted()
}

// IsFulfilled reports whether the reducer already has enough data.
func (j *JobStatus) IsFulfilled() bool {
	fulfilled := false
	j.callReducer("fulfilled", func() error {
		fulfilled = j.reducer.IsFulfilled()
		return nil
	})
	return fulfilled
}

// AllBlocksDelivered reports whether every block result reached the reducer
// before the job completed.
func (j *JobStatus) AllBlocksDelivered() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.allDelivered
}

// Pending returns the ids of blocks whose result has not arrived yet.
func (j *JobStatus) Pending() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	ids := make([]string, 0, len(j.pending))
	for id := range j.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Dispatched returns the ids of blocks a task was ever dispatched for.
func (j *JobStatus) Dispatched() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	ids := make([]string, 0, len(j.dispatched))
	for id := range j.dispatched {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (j *JobStatus) StartedAt() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.startedAt.IsZero() {
		return nil
	}
	t := j.startedAt
	return &t
}

func (j *JobStatus) EndedAt() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.endedAt.IsZero() {
		return nil
	}
	t := j.endedAt
	return &t
}

func (j *JobStatus) CanceledAt() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.canceledAt.IsZero() {
		return nil
	}
	t := j.canceledAt
	return &t
}

// TotalBytes is the combined size of the job's blocks.
func (j *JobStatus) TotalBytes() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.totalBytes
}

// Tasks returns snapshots of all dispatched tasks in dispatch order.
func (j *JobStatus) Tasks() []TaskSnapshot {
	statuses := j.taskStatuses()
	snaps := make([]TaskSnapshot, 0, len(statuses))
	for _, status := range statuses {
		snaps = append(snaps, status.Snapshot())
	}
	return snaps
}

func (j *JobStatus) Progress() JobProgress {
	j.mu.Lock()
	progress := JobProgress{
		Total:      j.totalBlocks,
		Pending:    len(j.pending),
		Dispatched: len(j.dispatched),
	}
	j.mu.Unlock()

	for _, status := range j.taskStatuses() {
		switch status.State() {
		case TaskStateRunning:
			progress.Running++
		case TaskStateSucceeded:
			progress.Succeeded++
		case TaskStateFailed:
			progress.Failed++
		}
	}
	return progress
}
