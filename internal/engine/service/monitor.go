package service

import (
	"context"
	"time"

	"github.com/nemanja-m/mvexec/internal/engine/core"
	"github.com/nemanja-m/mvexec/internal/shared/logging"
)

// JobMonitor periodically enforces job and task deadlines and discards
// finished jobs once their retention passed.
type JobMonitor struct {
	updateInterval time.Duration
	retention      time.Duration
	jobService     core.JobService
	logger         logging.Logger
}

func NewJobMonitor(
	updateInterval time.Duration,
	retention time.Duration,
	jobService core.JobService,
	logger logging.Logger,
) *JobMonitor {
	return &JobMonitor{
		updateInterval: updateInterval,
		retention:      retention,
		jobService:     jobService,
		logger:         logger,
	}
}

func (m *JobMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *JobMonitor) check() {
	if completed := m.jobService.UpdateJobs(); completed > 0 {
		m.logger.Info("Jobs completed by deadline", "count", completed)
	}
	if m.retention <= 0 {
		return
	}
	if evicted := m.jobService.EvictCompleted(m.retention); evicted > 0 {
		m.logger.Debug("Evicted finished jobs", "count", evicted, "retention", m.retention.String())
	}
}
