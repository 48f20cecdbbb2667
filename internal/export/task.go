package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TaskState is the remote lifecycle state of an export
type TaskState string

const (
	StatePending         TaskState = "PENDING"
	StateRunning         TaskState = "RUNNING"
	StateCompleted       TaskState = "COMPLETED"
	StateFailed          TaskState = "FAILED"
	StateCancelRequested TaskState = "CANCEL_REQUESTED"
	StateCancelled       TaskState = "CANCELLED"
)

// IsTerminal reports whether polling should stop for this state. A
// cancellation request counts as terminal; it is observed, never issued.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelRequested, StateCancelled:
		return true
	}
	return false
}

// ExportTask is a handle to one submitted table export
type ExportTask struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Operation   string    `json:"operation"` // remote operation name
	State       TaskState `json:"state"`
	CreatedAt   string    `json:"createdAt"` // RFC 3339
	UpdatedAt   string    `json:"updatedAt,omitempty"`

	// Destination
	Target    Target   `json:"target"`
	Bucket    string   `json:"bucket,omitempty"`
	Prefix    string   `json:"prefix"`
	FileName  string   `json:"fileName"`
	Selectors []string `json:"selectors,omitempty"`

	// Error message if failed
	Error string `json:"error,omitempty"`
}

// NewExportTask creates a pending task for an operation started against dest
func NewExportTask(id, operation string, dest Destination, selectors []string, now time.Time) *ExportTask {
	if id == "" {
		id = generateTaskID(now)
	}
	return &ExportTask{
		ID:          id,
		Description: dest.FileName,
		Operation:   operation,
		State:       StatePending,
		CreatedAt:   now.Format(time.RFC3339),
		Target:      dest.Target,
		Bucket:      dest.Bucket,
		Prefix:      dest.Prefix,
		FileName:    dest.FileName,
		Selectors:   selectors,
	}
}

// generateTaskID creates a unique task ID
func generateTaskID(now time.Time) string {
	return fmt.Sprintf("task_%d", now.UnixNano())
}

// Destination rebuilds the task's output location
func (t *ExportTask) Destination() Destination {
	return Destination{Target: t.Target, Bucket: t.Bucket, Prefix: t.Prefix, FileName: t.FileName}
}

// Apply records the latest remote operation status on the task
func (t *ExportTask) Apply(op *Operation) {
	t.State = op.State
	if !op.UpdateTime.IsZero() {
		t.UpdatedAt = op.UpdateTime.Format(time.RFC3339)
	}
	if op.ErrorMessage != "" {
		t.Error = op.ErrorMessage
	}
}

// MarkFailed marks the task as failed locally, e.g. after retries ran out
func (t *ExportTask) MarkFailed(err error, now time.Time) {
	t.State = StateFailed
	t.UpdatedAt = now.Format(time.RFC3339)
	if err != nil {
		t.Error = err.Error()
	}
}

// SaveToFile persists the task to a JSON file
func (t *ExportTask) SaveToFile(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	path := filepath.Join(dir, t.ID+".json")
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}

	return nil
}

// LoadFromFile loads a task from a JSON file
func LoadFromFile(path string) (*ExportTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var task ExportTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	return &task, nil
}

// DeleteFile removes the task file from disk
func (t *ExportTask) DeleteFile(dir string) error {
	path := filepath.Join(dir, t.ID+".json")
	return os.Remove(path)
}
