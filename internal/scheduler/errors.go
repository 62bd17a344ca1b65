package scheduler

import (
	"github.com/cockroachdb/errors"

	"github.com/example/seatwatch/internal/jobs"
)

var (
	ErrNotFound   = jobs.ErrNotFound
	ErrForbidden  = errors.New("job belongs to another user")
	ErrJobRunning = errors.New("job must be stopped first")
	// ErrConnection is returned by Start when the stored session cannot be
	// validated against the registration system.
	ErrConnection = errors.New("could not connect to registration system")
	ErrInternal   = errors.New("internal error")
)
