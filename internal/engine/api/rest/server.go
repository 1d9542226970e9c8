package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nemanja-m/mvexec/internal/engine/core"
	"github.com/nemanja-m/mvexec/internal/engine/kinds"
	"github.com/nemanja-m/mvexec/internal/shared/config"
	"github.com/nemanja-m/mvexec/internal/shared/logging"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type API struct {
	jobService core.JobService
	kinds      *kinds.Registry
	logger     logging.Logger
}

func NewAPI(jobService core.JobService, registry *kinds.Registry, logger logging.Logger) *API {
	return &API{
		jobService: jobService,
		kinds:      registry,
		logger:     logger,
	}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/jobs", a.createJob)
	mux.HandleFunc("GET /api/jobs", a.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", a.getJob)
	mux.HandleFunc("GET /api/jobs/{id}/tasks", a.getJobTasks)
	mux.HandleFunc("GET /api/jobs/{id}/result", a.getJobResult)
	mux.HandleFunc("DELETE /api/jobs/{id}", a.deleteJob)
	mux.HandleFunc("GET /api/kinds", a.listKinds)
}

// createJob handles POST /api/jobs
func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := a.validateCreateJobRequest(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	job, err := a.jobService.SubmitJob(r.Context(), req.ToJobRequest())
	if err != nil {
		a.respondServiceError(w, err)
		return
	}

	a.respondJSON(w, http.StatusCreated, ToCreateJobResponse(job))
}

// listJobs handles GET /api/jobs with state filter and pagination
func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var filter core.JobFilter
	if raw := query.Get("state"); raw != "" {
		state, err := core.ParseJobState(raw)
		if err != nil {
			a.respondError(w, http.StatusBadRequest, "invalid state filter", err.Error())
			return
		}
		filter.State = &state
	}

	filter.Limit = defaultPageSize
	if raw := query.Get("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil && l > 0 {
			filter.Limit = min(l, maxPageSize)
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if o, err := strconv.Atoi(raw); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	jobs, total, err := a.jobService.GetJobs(filter)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}

	summaries := make([]JobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, ToJobSummary(job))
	}

	var nextOffset *int
	if end := filter.Offset + len(jobs); end < total {
		nextOffset = &end
	}

	a.respondJSON(w, http.StatusOK, ListJobsResponse{
		Jobs:       summaries,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
		NextOffset: nextOffset,
	})
}

// getJob handles GET /api/jobs/{id}
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.lookupJob(w, r)
	if !ok {
		return
	}
	a.respondJSON(w, http.StatusOK, ToJobResponse(job))
}

// getJobTasks handles GET /api/jobs/{id}/tasks
func (a *API) getJobTasks(w http.ResponseWriter, r *http.Request) {
	job, ok := a.lookupJob(w, r)
	if !ok {
		return
	}

	snaps := job.Tasks()
	tasks := make([]TaskInfo, 0, len(snaps))
	for _, snap := range snaps {
		tasks = append(tasks, ToTaskInfo(snap))
	}
	a.respondJSON(w, http.StatusOK, GetTasksResponse{Tasks: tasks})
}

// getJobResult handles GET /api/jobs/{id}/result. With ?wait=<duration> it
// blocks until the job is ready or the wait elapses.
func (a *API) getJobResult(w http.ResponseWriter, r *http.Request) {
	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			a.respondError(w, http.StatusBadRequest, "invalid wait duration", raw)
			return
		}
		wait = d
	}

	job, ok := a.lookupJob(w, r)
	if !ok {
		return
	}

	if wait == 0 && !job.IsReady() && !job.IsCanceled() {
		a.respondError(w, http.StatusConflict, "result not ready", fmt.Sprintf("job is %s", job.State()))
		return
	}

	ctx := r.Context()
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	result, err := job.Result(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		a.respondError(w, http.StatusConflict, "result not ready", fmt.Sprintf("job is %s after %s", job.State(), wait))
		return
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		a.respondError(w, http.StatusInternalServerError, "job failed", err.Error())
		return
	}

	a.respondJSON(w, http.StatusOK, ResultResponse{
		JobID:    job.ID(),
		State:    job.State().String(),
		Complete: job.IsCompleted(),
		Result:   result,
	})
}

// deleteJob handles DELETE /api/jobs/{id}. It cancels the job, or discards
// it with ?remove=true.
func (a *API) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if remove, _ := strconv.ParseBool(r.URL.Query().Get("remove")); remove {
		if err := a.jobService.RemoveJob(id); err != nil {
			a.respondServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	job, ok := a.lookupJob(w, r)
	if !ok {
		return
	}
	if err := a.jobService.CancelJob(id); err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusAccepted, ToJobResponse(job))
}

// listKinds handles GET /api/kinds
func (a *API) listKinds(w http.ResponseWriter, r *http.Request) {
	registered := a.kinds.List()
	infos := make([]KindInfo, 0, len(registered))
	for _, kind := range registered {
		infos = append(infos, ToKindInfo(kind))
	}
	a.respondJSON(w, http.StatusOK, ListKindsResponse{Kinds: infos})
}

func (a *API) lookupJob(w http.ResponseWriter, r *http.Request) (*core.JobStatus, bool) {
	id := r.PathValue("id")
	if id == "" {
		a.respondError(w, http.StatusBadRequest, "job ID required", "")
		return nil, false
	}
	job, err := a.jobService.GetJob(id)
	if err != nil {
		a.respondServiceError(w, err)
		return nil, false
	}
	return job, true
}

func (a *API) validateCreateJobRequest(req *CreateJobRequest) error {
	if req.Kind == "" {
		return fmt.Errorf("job kind is required")
	}
	if req.File == "" {
		return fmt.Errorf("view file is required")
	}
	return nil
}

func (a *API) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidRequest):
		a.respondError(w, http.StatusBadRequest, "validation failed", err.Error())
	case errors.Is(err, core.ErrJobNotFound):
		a.respondError(w, http.StatusNotFound, "job not found", err.Error())
	case errors.Is(err, core.ErrFileNotFound):
		a.respondError(w, http.StatusNotFound, "view not found", err.Error())
	case errors.Is(err, core.ErrUnknownKind):
		a.respondError(w, http.StatusUnprocessableEntity, "unknown job kind", err.Error())
	case errors.Is(err, core.ErrNoBlocks):
		a.respondError(w, http.StatusUnprocessableEntity, "view has no blocks", err.Error())
	default:
		a.logger.Error("Request failed", "error", err)
		a.respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func (a *API) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("Failed to encode response", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, statusCode int, error string, message string) {
	resp := ErrorResponse{
		Error:   error,
		Message: message,
		Code:    statusCode,
	}
	a.respondJSON(w, statusCode, resp)
}

func NewServer(cfg config.RESTConfig, jobService core.JobService, registry *kinds.Registry, logger logging.Logger) *http.Server {
	api := NewAPI(jobService, registry, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	handler := ChainMiddleware(
		mux,
		RequestIDMiddleware,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
	)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
