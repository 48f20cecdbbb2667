package earthengine

import (
	"time"

	"sustainbench-ee/internal/export"
)

// operation is a google.longrunning.Operation carrying Earth Engine
// OperationMetadata.
type operation struct {
	Name     string            `json:"name"`
	Metadata operationMetadata `json:"metadata"`
	Done     bool              `json:"done"`
	Error    *operationError   `json:"error,omitempty"`
}

type operationMetadata struct {
	State           string    `json:"state"`
	Description     string    `json:"description"`
	CreateTime      time.Time `json:"createTime"`
	UpdateTime      time.Time `json:"updateTime"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
	DestinationURIs []string  `json:"destinationUris"`
}

type operationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var stateMap = map[string]export.TaskState{
	"PENDING":    export.StatePending,
	"RUNNING":    export.StateRunning,
	"SUCCEEDED":  export.StateCompleted,
	"CANCELLING": export.StateCancelRequested,
	"CANCELLED":  export.StateCancelled,
	"FAILED":     export.StateFailed,
}

// MapState converts an Earth Engine operation state. Unknown states are
// treated as pending so polling continues.
func MapState(s string) export.TaskState {
	if st, ok := stateMap[s]; ok {
		return st
	}
	return export.StatePending
}

func (op *operation) toExport() *export.Operation {
	out := &export.Operation{
		Name:            op.Name,
		State:           MapState(op.Metadata.State),
		CreateTime:      op.Metadata.CreateTime,
		UpdateTime:      op.Metadata.UpdateTime,
		DestinationURIs: op.Metadata.DestinationURIs,
	}
	if out.UpdateTime.IsZero() {
		out.UpdateTime = op.Metadata.EndTime
	}
	switch {
	case op.Error != nil:
		out.ErrorMessage = op.Error.Message
		if op.Done {
			out.State = export.StateFailed
		}
	case op.Done && !out.State.IsTerminal():
		// A finished operation without an error succeeded, whatever the
		// metadata says.
		out.State = export.StateCompleted
	}
	return out
}
