// Package state holds the task records for the orchestration pipeline and
// persists them for crash recovery: one JSON file per task under a
// configured directory, written through before the corresponding event is
// published.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/appforge/forge/pkg/models"
)

// ErrTaskNotFound is returned when a task id is unknown to the manager
// and has no record on disk.
var ErrTaskNotFound = errors.New("task not found")

// Stats summarizes the manager's current holdings.
type Stats struct {
	Total      int                       `json:"total"`
	ByStatus   map[models.TaskStatus]int `json:"by_status"`
	OldestTask string                    `json:"oldest_task,omitempty"`
	NewestTask string                    `json:"newest_task,omitempty"`
}

// Manager maps task ids to task records with a durable store behind the
// map. Cross-task operations are independent; within one task the caller
// (a single orchestration loop per task id) provides the serial schedule.
type Manager struct {
	mu    sync.RWMutex
	dir   string
	tasks map[string]*models.Task
}

// NewManager creates a state manager persisting to dir. The directory is
// created if missing.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &Manager{
		dir:   dir,
		tasks: make(map[string]*models.Task),
	}, nil
}

// CreateTask creates, stores, and persists a new pending task.
func (m *Manager) CreateTask(request string, taskCtx models.TaskContext) (*models.Task, error) {
	now := time.Now()
	task := &models.Task{
		ID:        uuid.New().String(),
		Request:   request,
		Context:   taskCtx,
		Status:    models.TaskStatusPending,
		Phases:    models.NewPhaseMap(),
		Metrics:   models.TaskMetrics{TokensUsed: models.TokensByCategory{}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	if err := m.Persist(task.ID); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// UpdateTask merges the non-zero top-level fields of patch into the task,
// advances UpdatedAt monotonically, and persists the result (write-through
// so recovery never sees an event for a state not yet on disk).
func (m *Manager) UpdateTask(taskID string, patch models.Task) (*models.Task, error) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	if err := mergo.Merge(task, patch, mergo.WithOverride); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("merge task update: %w", err)
	}

	now := time.Now()
	if !now.After(task.UpdatedAt) {
		now = task.UpdatedAt.Add(time.Millisecond)
	}
	task.UpdatedAt = now
	snapshot := task.Clone()
	m.mu.Unlock()

	if err := m.Persist(taskID); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// ClearError unsets the task's error record and persists. Merge-based
// updates cannot unset a field, so completion after an earlier failure
// clears it here.
func (m *Manager) ClearError(taskID string) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	task.Error = nil
	m.mu.Unlock()
	return m.Persist(taskID)
}

// GetTask returns a deep copy of the task record. The pipeline keeps
// mutating the live record, so handing out anything that shares its
// maps would race with concurrent status reads.
func (m *Manager) GetTask(taskID string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.Clone(), nil
}

// Persist writes the task record to its file. The write is atomic
// (temp file + rename) so a crash mid-write never corrupts the record.
func (m *Manager) Persist(taskID string) error {
	m.mu.RLock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	data, err := json.MarshalIndent(task, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", taskID, err)
	}

	path := m.taskPath(taskID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write task file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename task file: %w", err)
	}
	return nil
}

// Recover loads a task record from disk into memory, replacing any
// in-memory copy. Recovery reconstructs from the serialized record
// without replaying events.
func (m *Manager) Recover(taskID string) (*models.Task, error) {
	data, err := os.ReadFile(m.taskPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}

	m.mu.Lock()
	m.tasks[task.ID] = &task
	m.mu.Unlock()

	return task.Clone(), nil
}

// RecoverAll loads every persisted task from the store directory.
// Returns the ids of tasks found in non-terminal states; the caller
// decides what to do with interrupted work.
func (m *Manager) RecoverAll() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	var interrupted []string
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		task, err := m.Recover(name[:len(name)-len(".json")])
		if err != nil {
			continue
		}
		if !task.Status.Terminal() {
			interrupted = append(interrupted, task.ID)
		}
	}
	return interrupted, nil
}

// ListTasks returns up to limit task copies, newest-first by UpdatedAt.
// limit <= 0 returns all.
func (m *Manager) ListTasks(limit int) []*models.Task {
	m.mu.RLock()
	tasks := make([]*models.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}

// DeleteTask removes a task from memory and disk.
func (m *Manager) DeleteTask(taskID string) error {
	m.mu.Lock()
	_, ok := m.tasks[taskID]
	delete(m.tasks, taskID)
	m.mu.Unlock()

	if err := os.Remove(m.taskPath(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove task file: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return nil
}

// Cleanup deletes terminal tasks older than maxAge (by UpdatedAt).
// Returns the number of tasks removed.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.RLock()
	var stale []string
	for id, task := range m.tasks {
		if task.Status.Terminal() && task.UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range stale {
		if err := m.DeleteTask(id); err == nil {
			removed++
		}
	}
	return removed
}

// Stats returns a summary of held tasks.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Total:    len(m.tasks),
		ByStatus: make(map[models.TaskStatus]int),
	}
	var oldest, newest *models.Task
	for _, task := range m.tasks {
		stats.ByStatus[task.Status]++
		if oldest == nil || task.CreatedAt.Before(oldest.CreatedAt) {
			oldest = task
		}
		if newest == nil || task.CreatedAt.After(newest.CreatedAt) {
			newest = task
		}
	}
	if oldest != nil {
		stats.OldestTask = oldest.ID
	}
	if newest != nil {
		stats.NewestTask = newest.ID
	}
	return stats
}

func (m *Manager) taskPath(taskID string) string {
	return filepath.Join(m.dir, taskID+".json")
}
