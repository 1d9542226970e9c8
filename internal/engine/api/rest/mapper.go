package rest

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/nemanja-m/mvexec/internal/engine/core"
	"github.com/nemanja-m/mvexec/internal/engine/kinds"
)

func (req *CreateJobRequest) ToJobRequest() core.JobRequest {
	return core.JobRequest{
		Kind:   req.Kind,
		File:   req.File,
		Params: req.Params,
	}
}

func jobLinks(id string) Links {
	return Links{
		Self:   fmt.Sprintf("/api/jobs/%s", id),
		Tasks:  fmt.Sprintf("/api/jobs/%s/tasks", id),
		Result: fmt.Sprintf("/api/jobs/%s/result", id),
	}
}

func ToCreateJobResponse(job *core.JobStatus) CreateJobResponse {
	desc := job.Descriptor()
	return CreateJobResponse{
		JobID:       desc.ID,
		State:       job.State().String(),
		Blocks:      job.Progress().Total,
		SubmittedAt: desc.SubmittedAt,
		Links:       jobLinks(desc.ID),
	}
}

func ToJobResponse(job *core.JobStatus) JobResponse {
	desc := job.Descriptor()
	progress := job.Progress()
	bytes := job.TotalBytes()

	return JobResponse{
		JobID:     desc.ID,
		Kind:      desc.Kind,
		File:      desc.File,
		Params:    desc.Params,
		State:     job.State().String(),
		Canceled:  job.IsCanceled(),
		Reason:    job.Reason(),
		Streaming: desc.Streaming,
		Progress: ProgressInfo{
			Total:      progress.Total,
			Pending:    progress.Pending,
			Dispatched: progress.Dispatched,
			Running:    progress.Running,
			Succeeded:  progress.Succeeded,
			Failed:     progress.Failed,
			Bytes:      bytes,
			Size:       humanize.Bytes(uint64(bytes)),
		},
		Timestamps: TimestampsInfo{
			Submitted: desc.SubmittedAt,
			Started:   job.StartedAt(),
			Completed: job.EndedAt(),
			Canceled:  job.CanceledAt(),
		},
	}
}

func ToJobSummary(job *core.JobStatus) JobSummary {
	desc := job.Descriptor()
	return JobSummary{
		JobID:       desc.ID,
		Kind:        desc.Kind,
		File:        desc.File,
		State:       job.State().String(),
		Canceled:    job.IsCanceled(),
		SubmittedAt: desc.SubmittedAt,
		CompletedAt: job.EndedAt(),
	}
}

func ToTaskInfo(snap core.TaskSnapshot) TaskInfo {
	return TaskInfo{
		BlockID:    snap.BlockID,
		BlockIndex: snap.BlockIndex,
		Host:       snap.Host,
		State:      snap.State.String(),
		Reason:     snap.Reason,
		StartedAt:  snap.StartedAt,
		EndedAt:    snap.EndedAt,
		ElapsedMs:  snap.Elapsed.Milliseconds(),
	}
}

func ToKindInfo(kind kinds.Kind) KindInfo {
	return KindInfo{
		Name:        kind.Name,
		Description: kind.Description,
		Streaming:   kind.Streaming,
	}
}
