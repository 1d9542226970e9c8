package core

import (
	"fmt"
	"strings"
)

type JobState int

const (
	JobStateNew JobState = iota
	JobStateStarted
	JobStateStreaming
	JobStateSuccessful
	JobStateFailed
)

func (s JobState) String() string {
	switch s {
	case JobStateNew:
		return "NEW"
	case JobStateStarted:
		return "STARTED"
	case JobStateStreaming:
		return "STREAMING"
	case JobStateSuccessful:
		return "SUCCESSFUL"
	case JobStateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func ParseJobState(s string) (JobState, error) {
	for state := JobStateNew; state <= JobStateFailed; state++ {
		if strings.EqualFold(s, state.String()) {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown job state: %s", s)
}

// IsCompleted reports whether the state is terminal.
func (s JobState) IsCompleted() bool {
	return s == JobStateSuccessful || s == JobStateFailed
}

// IsReady reports whether a result, possibly partial, can be read.
func (s JobState) IsReady() bool {
	return s.IsCompleted() || s == JobStateStreaming
}

type JobFilter struct {
	State  *JobState
	Limit  int
	Offset int
}

type JobStore interface {
	SaveJob(job *JobStatus) error
	GetJobByID(id string) (*JobStatus, error)
	GetJobs(filter JobFilter) ([]*JobStatus, int, error)
	DeleteJob(id string) error
}
