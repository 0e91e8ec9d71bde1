package updates

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTarget means an app and the target registry have
	// desynchronized: the app references a target the registry no
	// longer holds.
	ErrNoTarget = errors.New("no target found for app")

	// ErrUnsupportedQuery means a list query set none or more than
	// one of its filter fields.
	ErrUnsupportedQuery = errors.New("unsupported query")

	// ErrUpdateInProgress means an update batch was requested while
	// another one is still running.
	ErrUpdateInProgress = errors.New("an update operation is already in progress")

	// ErrUnknownApp means a request referenced an app id that is not
	// in the projection cache.
	ErrUnknownApp = errors.New("unknown app")
)

// JobError is the terminal failure of one update job, carrying the
// status code the service reported in its removal notification. Status
// 0 never produces a JobError.
type JobError struct {
	Status int32
}

func (e *JobError) Error() string {
	return fmt.Sprintf("update failed with status %d", e.Status)
}
