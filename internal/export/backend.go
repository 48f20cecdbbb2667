// Package export submits table exports to a compute backend and polls them
// until they finish.
package export

import (
	"context"
	"time"

	"sustainbench-ee/internal/ee"
)

// Backend executes computation graphs. It is implemented by the Earth Engine
// REST client and by the in-process offline executor.
type Backend interface {
	// ComputeValue evaluates expr synchronously and returns a JSON-like value.
	ComputeValue(ctx context.Context, expr *ee.Expression) (any, error)
	// StartTableExport starts an export and returns the operation name.
	StartTableExport(ctx context.Context, req TableExportRequest) (string, error)
	// GetOperation returns the current status of an operation.
	GetOperation(ctx context.Context, name string) (*Operation, error)
}

// TableExportRequest describes one table export
type TableExportRequest struct {
	Expression  *ee.Expression
	Description string
	Destination Destination
	FileFormat  string
	Selectors   []string // nil exports every property
}

// Operation is the backend's view of a running export
type Operation struct {
	Name            string
	State           TaskState
	CreateTime      time.Time
	UpdateTime      time.Time
	ErrorMessage    string
	DestinationURIs []string
}

// Elapsed is the remote run time from creation to last update
func (op *Operation) Elapsed() time.Duration {
	if op.CreateTime.IsZero() || op.UpdateTime.Before(op.CreateTime) {
		return 0
	}
	return op.UpdateTime.Sub(op.CreateTime)
}

// MetricsRecorder receives export lifecycle measurements
type MetricsRecorder interface {
	ExportStarted(target string)
	ExportFinished(state string, elapsed time.Duration)
	StatusCheck(result string)
	SetActiveTasks(n int)
	ValueComputed(err error)
}

type noopMetrics struct{}

func (noopMetrics) ExportStarted(string)                 {}
func (noopMetrics) ExportFinished(string, time.Duration) {}
func (noopMetrics) StatusCheck(string)                   {}
func (noopMetrics) SetActiveTasks(int)                   {}
func (noopMetrics) ValueComputed(error)                  {}
