package export

import (
	"errors"
	"fmt"
)

// UnsupportedExportTargetError is returned before any remote call when the
// target is neither gcs nor drive.
type UnsupportedExportTargetError struct {
	Target string
}

func (e *UnsupportedExportTargetError) Error() string {
	return fmt.Sprintf("export %q is not one of [%q, %q]", e.Target, TargetGCS, TargetDrive)
}

// TaskActiveError is returned when an export is started under the id of a
// task that is still being tracked.
type TaskActiveError struct {
	TaskID    string
	Operation string
	State     TaskState
}

func (e *TaskActiveError) Error() string {
	return fmt.Sprintf("task %s is still %s (operation %s)", e.TaskID, e.State, e.Operation)
}

// RemoteJobFailure is a job the remote service reported as FAILED. It is
// never retried automatically.
type RemoteJobFailure struct {
	TaskID         string
	ElapsedMinutes int
	Message        string
}

func (e *RemoteJobFailure) Error() string {
	return fmt.Sprintf("task %s failed after %d min: %s", e.TaskID, e.ElapsedMinutes, e.Message)
}

// TransientError wraps a failure that is worth retrying: HTTP 429/5xx or a
// transport error. StatusCode is 0 for transport errors.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient error (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err, or anything it wraps, is a TransientError
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func transientStatus(err error) int {
	var te *TransientError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}
