package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// Handler runs one job. Returning an error wrapped with Permanent fails the
// job without further attempts.
type Handler func(ctx context.Context, job types.Job) error

// Result is the outcome of one job attempt.
type Result struct {
	JobID     types.JobID   `json:"job_id"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Permanent bool          `json:"permanent,omitempty"` // do not retry
	Duration  time.Duration `json:"duration"`
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that the job is not retried. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
