package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/mvexec/internal/engine/core"
	"github.com/nemanja-m/mvexec/internal/engine/kinds"
	"github.com/nemanja-m/mvexec/internal/engine/service"
	"github.com/nemanja-m/mvexec/internal/engine/storage"
	"github.com/nemanja-m/mvexec/internal/engine/worker"
	"github.com/nemanja-m/mvexec/internal/shared/config"
)

type memoryBlockStore map[string][]string

func (s memoryBlockStore) Blocks(ctx context.Context, file string) ([]core.BlockInfo, error) {
	contents, ok := s[file]
	if !ok {
		return nil, core.ErrFileNotFound
	}
	blocks := make([]core.BlockInfo, len(contents))
	for i, content := range contents {
		blocks[i] = core.BlockInfo{ID: string(rune('a' + i)), Index: i, Size: int64(len(content)), Path: content}
	}
	return blocks, nil
}

func (s memoryBlockStore) Open(ctx context.Context, block core.BlockInfo) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(block.Path)), nil
}

// joinReducer joins block values ordered by block id.
type joinReducer struct {
	mu     sync.Mutex
	values map[string]string
}

func (r *joinReducer) Add(result *core.MapResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[result.BlockID] = result.Value.(string)
	return nil
}

func (r *joinReducer) Complete(bool) error { return nil }
func (r *joinReducer) IsFulfilled() bool   { return false }
func (r *joinReducer) Cancel()             {}

func (r *joinReducer) Result() (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.values))
	for id := range r.values {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(r.values[id])
	}
	return sb.String(), nil
}

func testKind(name string, mapFn core.MapperFunc) kinds.Kind {
	return kinds.Kind{
		Name:        name,
		Description: name + " test kind",
		Mappers: core.MapperFactoryFunc(func(core.JobDescriptor, core.BlockInfo, string) (core.Mapper, error) {
			return mapFn, nil
		}),
		Reducers: core.ReducerFactoryFunc(func(core.JobDescriptor) (core.Reducer, error) {
			return &joinReducer{values: map[string]string{}}, nil
		}),
	}
}

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	blocks := memoryBlockStore{
		"sales": {"x", "y", "z"},
		"empty": {},
	}

	gate := make(chan struct{})
	registry := kinds.NewRegistry()
	require.NoError(t, registry.Register(testKind("echo", func(ctx context.Context, block core.BlockInfo, blocks core.BlockStore) (any, error) {
		return block.Path, nil
	})))
	require.NoError(t, registry.Register(testKind("blocked", func(ctx context.Context, block core.BlockInfo, blocks core.BlockStore) (any, error) {
		<-gate
		return block.Path, nil
	})))
	require.NoError(t, registry.Register(testKind("broken", func(ctx context.Context, block core.BlockInfo, blocks core.BlockStore) (any, error) {
		return nil, errors.New("corrupt block")
	})))

	logger := newMockLogger()
	pool := worker.NewPool(config.PoolConfig{Workers: 2, MaxWorkers: 4, QueueSize: 16}, blocks, logger)
	pool.Start(context.Background())
	t.Cleanup(pool.Close)
	t.Cleanup(func() { close(gate) })

	opts := core.JobOptions{Timeout: 5 * time.Second, TaskExpiry: 5 * time.Second, PollInterval: 10 * time.Millisecond}
	jobService := service.NewJobService(storage.NewInMemoryJobStore(), blocks, pool, registry, opts, logger)

	mux := http.NewServeMux()
	NewAPI(jobService, registry, logger).RegisterRoutes(mux)
	return mux
}

func doRequest(t *testing.T, mux *http.ServeMux, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func submit(t *testing.T, mux *http.ServeMux, kind, file string) CreateJobResponse {
	t.Helper()
	w := doRequest(t, mux, http.MethodPost, "/api/jobs", CreateJobRequest{Kind: kind, File: file})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[CreateJobResponse](t, w)
}

func TestSubmitJobAndGetResult(t *testing.T) {
	mux := newTestMux(t)

	created := submit(t, mux, "echo", "sales")
	require.NotEmpty(t, created.JobID)
	require.Equal(t, 3, created.Blocks)
	require.Equal(t, "/api/jobs/"+created.JobID+"/result", created.Links.Result)

	w := doRequest(t, mux, http.MethodGet, created.Links.Result+"?wait=2s", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[ResultResponse](t, w)
	require.Equal(t, "xyz", resp.Result)
	require.True(t, resp.Complete)
	require.Equal(t, "SUCCESSFUL", resp.State)

	w = doRequest(t, mux, http.MethodGet, created.Links.Self, nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[JobResponse](t, w)
	require.Equal(t, "echo", job.Kind)
	require.Equal(t, "sales", job.File)
	require.Equal(t, 3, job.Progress.Total)
	require.Equal(t, 3, job.Progress.Succeeded)
	require.Zero(t, job.Progress.Pending)
	require.Equal(t, int64(3), job.Progress.Bytes)
	require.NotNil(t, job.Timestamps.Started)
	require.NotNil(t, job.Timestamps.Completed)

	w = doRequest(t, mux, http.MethodGet, created.Links.Tasks, nil)
	require.Equal(t, http.StatusOK, w.Code)
	tasks := decode[GetTasksResponse](t, w)
	require.Len(t, tasks.Tasks, 3)
	for i, task := range tasks.Tasks {
		require.Equal(t, i, task.BlockIndex)
		require.Equal(t, core.LocalHost, task.Host)
		require.Equal(t, "SUCCEEDED", task.State)
	}
}

func TestSubmitJobErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{name: "invalid json", body: "{not json", wantStatus: http.StatusBadRequest},
		{name: "missing kind", body: CreateJobRequest{File: "sales"}, wantStatus: http.StatusBadRequest},
		{name: "missing file", body: CreateJobRequest{Kind: "echo"}, wantStatus: http.StatusBadRequest},
		{name: "unknown kind", body: CreateJobRequest{Kind: "nope", File: "sales"}, wantStatus: http.StatusUnprocessableEntity},
		{name: "unknown view", body: CreateJobRequest{Kind: "echo", File: "missing"}, wantStatus: http.StatusNotFound},
		{name: "empty view", body: CreateJobRequest{Kind: "echo", File: "empty"}, wantStatus: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newTestMux(t)
			w := doRequest(t, mux, http.MethodPost, "/api/jobs", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			resp := decode[ErrorResponse](t, w)
			require.Equal(t, tt.wantStatus, resp.Code)
			require.NotEmpty(t, resp.Error)
		})
	}
}

func TestGetUnknownJob(t *testing.T) {
	mux := newTestMux(t)
	for _, target := range []string{"/api/jobs/nope", "/api/jobs/nope/tasks", "/api/jobs/nope/result"} {
		w := doRequest(t, mux, http.MethodGet, target, nil)
		require.Equal(t, http.StatusNotFound, w.Code, target)
	}
	w := doRequest(t, mux, http.MethodDelete, "/api/jobs/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestResultNotReady(t *testing.T) {
	mux := newTestMux(t)
	created := submit(t, mux, "blocked", "sales")

	w := doRequest(t, mux, http.MethodGet, created.Links.Result, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(t, mux, http.MethodGet, created.Links.Result+"?wait=20ms", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(t, mux, http.MethodGet, created.Links.Result+"?wait=soon", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFailedJobResult(t *testing.T) {
	mux := newTestMux(t)
	created := submit(t, mux, "broken", "sales")

	w := doRequest(t, mux, http.MethodGet, created.Links.Result+"?wait=2s", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decode[ErrorResponse](t, w)
	require.Contains(t, resp.Message, "corrupt block")

	w = doRequest(t, mux, http.MethodGet, created.Links.Self, nil)
	job := decode[JobResponse](t, w)
	require.Equal(t, "FAILED", job.State)
	require.NotEmpty(t, job.Reason)
}

func TestCancelJob(t *testing.T) {
	mux := newTestMux(t)
	created := submit(t, mux, "blocked", "sales")

	w := doRequest(t, mux, http.MethodDelete, created.Links.Self, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	job := decode[JobResponse](t, w)
	require.True(t, job.Canceled)
	require.NotNil(t, job.Timestamps.Canceled)

	w = doRequest(t, mux, http.MethodGet, created.Links.Result, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ResultResponse](t, w)
	require.Nil(t, resp.Result)
	require.False(t, resp.Complete)
}

func TestRemoveJob(t *testing.T) {
	mux := newTestMux(t)
	created := submit(t, mux, "blocked", "sales")

	w := doRequest(t, mux, http.MethodDelete, created.Links.Self+"?remove=true", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(t, mux, http.MethodGet, created.Links.Self, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs(t *testing.T) {
	mux := newTestMux(t)

	done := submit(t, mux, "echo", "sales")
	w := doRequest(t, mux, http.MethodGet, done.Links.Result+"?wait=2s", nil)
	require.Equal(t, http.StatusOK, w.Code)
	for range 2 {
		submit(t, mux, "blocked", "sales")
	}

	w = doRequest(t, mux, http.MethodGet, "/api/jobs?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[ListJobsResponse](t, w)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Jobs, 2)
	require.NotNil(t, page.NextOffset)
	require.Equal(t, 2, *page.NextOffset)

	w = doRequest(t, mux, http.MethodGet, "/api/jobs?limit=2&offset=2", nil)
	page = decode[ListJobsResponse](t, w)
	require.Len(t, page.Jobs, 1)
	require.Nil(t, page.NextOffset)

	w = doRequest(t, mux, http.MethodGet, "/api/jobs?state=successful", nil)
	page = decode[ListJobsResponse](t, w)
	require.Equal(t, 1, page.Total)
	require.Equal(t, done.JobID, page.Jobs[0].JobID)

	w = doRequest(t, mux, http.MethodGet, "/api/jobs?state=bogus", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListKinds(t *testing.T) {
	mux := newTestMux(t)

	w := doRequest(t, mux, http.MethodGet, "/api/kinds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ListKindsResponse](t, w)

	names := make([]string, len(resp.Kinds))
	for i, kind := range resp.Kinds {
		names[i] = kind.Name
	}
	require.Equal(t, []string{"blocked", "broken", "echo"}, names)
	require.Equal(t, "echo test kind", resp.Kinds[2].Description)
}
