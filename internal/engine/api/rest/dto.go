package rest

import (
	"time"
)

type CreateJobRequest struct {
	Kind   string            `json:"kind"`
	File   string            `json:"file"`
	Params map[string]string `json:"params,omitempty"`
}

type CreateJobResponse struct {
	JobID       string    `json:"job_id"`
	State       string    `json:"state"`
	Blocks      int       `json:"blocks"`
	SubmittedAt time.Time `json:"submitted_at"`
	Links       Links     `json:"links"`
}

type Links struct {
	Self   string `json:"self"`
	Tasks  string `json:"tasks"`
	Result string `json:"result"`
}

type JobResponse struct {
	JobID      string            `json:"job_id"`
	Kind       string            `json:"kind"`
	File       string            `json:"file"`
	Params     map[string]string `json:"params,omitempty"`
	State      string            `json:"state"`
	Canceled   bool              `json:"canceled"`
	Reason     string            `json:"reason,omitempty"`
	Streaming  bool              `json:"streaming"`
	Progress   ProgressInfo      `json:"progress"`
	Timestamps TimestampsInfo    `json:"timestamps"`
}

type ProgressInfo struct {
	Total      int    `json:"total"`
	Pending    int    `json:"pending"`
	Dispatched int    `json:"dispatched"`
	Running    int    `json:"running"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Bytes      int64  `json:"bytes"`
	Size       string `json:"size"`
}

type TimestampsInfo struct {
	Submitted time.Time  `json:"submitted"`
	Started   *time.Time `json:"started"`
	Completed *time.Time `json:"completed"`
	Canceled  *time.Time `json:"canceled,omitempty"`
}

type ListJobsResponse struct {
	Jobs       []JobSummary `json:"jobs"`
	Total      int          `json:"total"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
	NextOffset *int         `json:"next_offset,omitempty"`
}

type JobSummary struct {
	JobID       string     `json:"job_id"`
	Kind        string     `json:"kind"`
	File        string     `json:"file"`
	State       string     `json:"state"`
	Canceled    bool       `json:"canceled"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type GetTasksResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}

type TaskInfo struct {
	BlockID    string     `json:"block_id"`
	BlockIndex int        `json:"block_index"`
	Host       string     `json:"host"`
	State      string     `json:"state"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ElapsedMs  int64      `json:"elapsed_ms"`
}

type ResultResponse struct {
	JobID    string `json:"job_id"`
	State    string `json:"state"`
	Complete bool   `json:"complete"`
	Result   any    `json:"result"`
}

type KindInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Streaming   bool   `json:"streaming"`
}

type ListKindsResponse struct {
	Kinds []KindInfo `json:"kinds"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
