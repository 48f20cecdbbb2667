package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"sustainbench-ee/internal/logging"
)

// StoreState is the persistent task order
type StoreState struct {
	TaskOrder []string `json:"taskOrder"`
}

// Store persists submitted tasks so a later process can resume polling.
// Layout: <dir>/tasks.json holds the order, <dir>/tasks/<id>.json each task.
type Store struct {
	mu        sync.RWMutex
	dir       string
	tasks     map[string]*ExportTask
	taskOrder []string
	log       logging.Logger
}

// OpenStore loads any tasks persisted under dir
func OpenStore(dir string, log logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Noop()
	}
	s := &Store{
		dir:   dir,
		tasks: make(map[string]*ExportTask),
		log:   log.With(logging.String("component", "taskstore")),
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

// getStoragePaths returns paths for task storage
func (s *Store) getStoragePaths() (orderFile, tasksDir string) {
	orderFile = filepath.Join(s.dir, "tasks.json")
	tasksDir = filepath.Join(s.dir, "tasks")
	return
}

// loadState loads the task order and task files from disk
func (s *Store) loadState() error {
	orderFile, tasksDir := s.getStoragePaths()

	if data, err := os.ReadFile(orderFile); err == nil {
		var state StoreState
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("failed to parse %s: %w", orderFile, err)
		}
		s.taskOrder = state.TaskOrder
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read task order: %w", err)
	}

	entries, err := os.ReadDir(tasksDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read task directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		task, err := LoadFromFile(filepath.Join(tasksDir, entry.Name()))
		if err != nil {
			s.log.Warn(context.Background(), "skipping unreadable task file",
				logging.String("file", entry.Name()), logging.Err(err))
			continue
		}
		s.tasks[task.ID] = task
	}

	// Drop ids without task files, then append tasks missing from the order
	// in a stable order.
	validOrder := make([]string, 0, len(s.taskOrder))
	for _, id := range s.taskOrder {
		if _, exists := s.tasks[id]; exists && !slices.Contains(validOrder, id) {
			validOrder = append(validOrder, id)
		}
	}
	var missing []string
	for id := range s.tasks {
		if !slices.Contains(validOrder, id) {
			missing = append(missing, id)
		}
	}
	slices.Sort(missing)
	s.taskOrder = append(validOrder, missing...)

	s.log.Debug(context.Background(), "loaded tasks from disk", logging.Int("count", len(s.tasks)))
	return nil
}

// saveState saves the task order to disk
func (s *Store) saveState() error {
	orderFile, _ := s.getStoragePaths()

	if err := os.MkdirAll(filepath.Dir(orderFile), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	data, err := json.MarshalIndent(StoreState{TaskOrder: s.taskOrder}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task order: %w", err)
	}

	if err := os.WriteFile(orderFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write task order: %w", err)
	}

	return nil
}

// CheckAvailable returns a *TaskActiveError when id belongs to a task that
// has not finished yet. Finished tasks may be replaced.
func (s *Store) CheckAvailable(id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkAvailable(id)
}

func (s *Store) checkAvailable(id string) error {
	if old, exists := s.tasks[id]; exists && !old.State.IsTerminal() {
		return &TaskActiveError{TaskID: id, Operation: old.Operation, State: old.State}
	}
	return nil
}

// Add stores a task at the end of the order. A finished task with the same
// id is replaced; an active one is a *TaskActiveError.
func (s *Store) Add(task *ExportTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable(task.ID); err != nil {
		return err
	}
	_, tasksDir := s.getStoragePaths()
	if err := task.SaveToFile(tasksDir); err != nil {
		return err
	}
	if _, replaced := s.tasks[task.ID]; replaced {
		s.taskOrder = slices.DeleteFunc(s.taskOrder, func(id string) bool { return id == task.ID })
		s.log.Debug(context.Background(), "replacing finished task", logging.String("task_id", task.ID))
	}
	s.tasks[task.ID] = task
	s.taskOrder = append(s.taskOrder, task.ID)
	return s.saveState()
}

// Update persists a changed task
func (s *Store) Update(task *ExportTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; !exists {
		return fmt.Errorf("task not found: %s", task.ID)
	}
	s.tasks[task.ID] = task
	_, tasksDir := s.getStoragePaths()
	return task.SaveToFile(tasksDir)
}

// Get returns a task by ID
func (s *Store) Get(id string) (*ExportTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return task, nil
}

// All returns every task in submission order
func (s *Store) All() []*ExportTask {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ExportTask, 0, len(s.taskOrder))
	for _, id := range s.taskOrder {
		if task, exists := s.tasks[id]; exists {
			result = append(result, task)
		}
	}
	return result
}

// Active returns tasks that have not reached a terminal state
func (s *Store) Active() []*ExportTask {
	var result []*ExportTask
	for _, task := range s.All() {
		if !task.State.IsTerminal() {
			result = append(result, task)
		}
	}
	return result
}

// ClearFinished removes all terminal tasks and returns how many were removed
func (s *Store) ClearFinished() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, tasksDir := s.getStoragePaths()

	removed := 0
	newOrder := make([]string, 0, len(s.taskOrder))
	for _, id := range s.taskOrder {
		task := s.tasks[id]
		if task.State.IsTerminal() {
			if err := task.DeleteFile(tasksDir); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("failed to delete task %s: %w", id, err)
			}
			delete(s.tasks, id)
			removed++
		} else {
			newOrder = append(newOrder, id)
		}
	}
	s.taskOrder = newOrder

	return removed, s.saveState()
}
