package core

import "errors"

var (
	ErrFileNotFound      = errors.New("file not found")
	ErrNoBlocks          = errors.New("file has no blocks")
	ErrJobFailed         = errors.New("job failed")
	ErrJobExpired        = errors.New("job has expired")
	ErrJobNotStarted     = errors.New("job not started")
	ErrJobAlreadyStarted = errors.New("job already started")
	ErrJobNotFound       = errors.New("job not found")
	ErrUnknownKind       = errors.New("unknown job kind")
	ErrInvalidRequest    = errors.New("invalid job request")
)

// Failure reasons recorded on tasks and jobs.
const (
	ReasonTaskExpired = "task expired"
	ReasonJobExpired  = "job has expired"
)
