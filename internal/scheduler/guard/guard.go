// Package guard holds the preconditions the scheduler checks before
// starting a job.
package guard

import (
	"errors"
	"time"
)

var ErrJobNotDue = errors.New("scheduler_job_not_due")

// EnsureJobDue rejects a run that would start less than every after the
// previous one. A zero last time is always due.
func EnsureJobDue(last time.Time, every time.Duration, now time.Time) error {
	if last.IsZero() || every <= 0 {
		return nil
	}
	if now.Before(last.Add(every)) {
		return ErrJobNotDue
	}
	return nil
}
