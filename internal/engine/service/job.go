package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/nemanja-m/mvexec/internal/engine/core"
	"github.com/nemanja-m/mvexec/internal/engine/kinds"
	"github.com/nemanja-m/mvexec/internal/shared/logging"
)

type jobService struct {
	jobStore   core.JobStore
	blocks     core.BlockStore
	dispatcher core.Dispatcher
	kinds      *kinds.Registry
	opts       core.JobOptions
	now        func() time.Time

	logger logging.Logger
}

func NewJobService(
	jobStore core.JobStore,
	blocks core.BlockStore,
	dispatcher core.Dispatcher,
	registry *kinds.Registry,
	opts core.JobOptions,
	logger logging.Logger,
) core.JobService {
	return &jobService{
		jobStore:   jobStore,
		blocks:     blocks,
		dispatcher: dispatcher,
		kinds:      registry,
		opts:       opts,
		now:        time.Now,
		logger:     logger,
	}
}

func (s *jobService) SubmitJob(ctx context.Context, req core.JobRequest) (*core.JobStatus, error) {
	file := strings.TrimSpace(req.File)
	if file == "" {
		return nil, fmt.Errorf("%w: file is required", core.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Kind) == "" {
		return nil, fmt.Errorf("%w: kind is required", core.ErrInvalidRequest)
	}

	kind, err := s.kinds.Get(req.Kind)
	if err != nil {
		return nil, err
	}

	desc := core.JobDescriptor{
		ID:          uuid.New().String(),
		File:        file,
		Kind:        kind.Name,
		Streaming:   kind.Streaming,
		Params:      maps.Clone(req.Params),
		SubmittedAt: s.now().UTC(),
	}
	if desc.Params == nil {
		desc.Params = map[string]string{}
	}

	reducer, err := kind.Reducers.NewReducer(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidRequest, err)
	}

	s.logger.Info("Submitting job", "job_id", desc.ID, "kind", desc.Kind, "file", desc.File)

	job := core.NewJobStatus(desc, s.blocks, s.dispatcher, kind.Mappers, reducer, s.opts, s.logger)
	if err := s.jobStore.SaveJob(job); err != nil {
		return nil, err
	}

	if err := job.Start(ctx); err != nil {
		if delErr := s.jobStore.DeleteJob(desc.ID); delErr != nil && !errors.Is(delErr, core.ErrJobNotFound) {
			s.logger.Error("Failed to discard job", "job_id", desc.ID, "error", delErr)
		}
		return nil, err
	}

	s.logger.Info(
		"Job submitted",
		"job_id", desc.ID,
		"blocks", job.Progress().Total,
		"size", humanize.Bytes(uint64(job.TotalBytes())),
	)
	return job, nil
}

func (s *jobService) GetJob(id string) (*core.JobStatus, error) {
	return s.jobStore.GetJobByID(id)
}

func (s *jobService) GetJobs(filter core.JobFilter) ([]*core.JobStatus, int, error) {
	return s.jobStore.GetJobs(filter)
}

func (s *jobService) CancelJob(id string) error {
	job, err := s.jobStore.GetJobByID(id)
	if err != nil {
		return err
	}
	job.Cancel()
	return nil
}

// RemoveJob cancels the job if it is still running and discards it.
func (s *jobService) RemoveJob(id string) error {
	job, err := s.jobStore.GetJobByID(id)
	if err != nil {
		return err
	}
	if !job.IsCompleted() {
		job.Cancel()
	}
	if err := s.jobStore.DeleteJob(id); err != nil {
		return err
	}
	s.logger.Info("Job removed", "job_id", id)
	return nil
}

func (s *jobService) WaitJob(ctx context.Context, id string) (any, error) {
	job, err := s.jobStore.GetJobByID(id)
	if err != nil {
		return nil, err
	}
	return job.Result(ctx)
}

func (s *jobService) UpdateJobs() int {
	jobs, _, err := s.jobStore.GetJobs(core.JobFilter{})
	if err != nil {
		s.logger.Error("Failed to list jobs", "error", err)
		return 0
	}

	completed := 0
	for _, job := range jobs {
		if job.IsCompleted() || job.IsCanceled() {
			continue
		}
		if job.Update() {
			completed++
		}
	}
	return completed
}

// EvictCompleted discards jobs that completed, or were canceled, more than
// retention ago.
func (s *jobService) EvictCompleted(retention time.Duration) int {
	jobs, _, err := s.jobStore.GetJobs(core.JobFilter{})
	if err != nil {
		s.logger.Error("Failed to list jobs", "error", err)
		return 0
	}

	cutoff := s.now().Add(-retention)
	evicted := 0
	for _, job := range jobs {
		finished := job.EndedAt()
		if finished == nil {
			finished = job.CanceledAt()
		}
		if finished == nil || finished.After(cutoff) {
			continue
		}
		if err := s.jobStore.DeleteJob(job.ID()); err != nil {
			if !errors.Is(err, core.ErrJobNotFound) {
				s.logger.Error("Failed to evict job", "job_id", job.ID(), "error", err)
			}
			continue
		}
		evicted++
	}
	return evicted
}
