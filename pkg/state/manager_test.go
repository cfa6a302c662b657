package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/forge/pkg/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func TestManager_CreateAndGet(t *testing.T) {
	m := newTestManager(t)

	task, err := m.CreateTask("add a login page", models.TaskContext{
		WorkspaceList: []string{"src/app.js"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Len(t, task.Phases, 4)

	got, err := m.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "add a login page", got.Request)

	_, err = m.GetTask("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManager_UpdateMergesTopLevelFields(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("req", models.TaskContext{})
	require.NoError(t, err)

	updated, err := m.UpdateTask(task.ID, models.Task{
		Status:   models.TaskStatusAnalyzing,
		BundleID: "bundle-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAnalyzing, updated.Status)
	assert.Equal(t, "bundle-1", updated.BundleID)
	// Untouched fields survive the merge.
	assert.Equal(t, "req", updated.Request)
	assert.Len(t, updated.Phases, 4)
}

func TestManager_UpdatedAtMonotonic(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("req", models.TaskContext{})
	require.NoError(t, err)

	prev := task.UpdatedAt
	for i := 0; i < 5; i++ {
		updated, err := m.UpdateTask(task.ID, models.Task{Status: models.TaskStatusPlanning})
		require.NoError(t, err)
		assert.True(t, updated.UpdatedAt.After(prev),
			"UpdatedAt must strictly increase")
		prev = updated.UpdatedAt
	}
}

func TestManager_PersistAndRecover(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	task, err := m.CreateTask("persisted request", models.TaskContext{})
	require.NoError(t, err)
	_, err = m.UpdateTask(task.ID, models.Task{Status: models.TaskStatusComplete})
	require.NoError(t, err)

	// The record is on disk as {taskId}.json.
	_, err = os.Stat(filepath.Join(dir, task.ID+".json"))
	require.NoError(t, err)

	// A fresh manager over the same directory recovers the record.
	m2, err := NewManager(dir)
	require.NoError(t, err)
	recovered, err := m2.Recover(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted request", recovered.Request)
	assert.Equal(t, models.TaskStatusComplete, recovered.Status)
}

func TestManager_RecoverAllFlagsInterrupted(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	done, err := m.CreateTask("done", models.TaskContext{})
	require.NoError(t, err)
	_, err = m.UpdateTask(done.ID, models.Task{Status: models.TaskStatusComplete})
	require.NoError(t, err)

	crashed, err := m.CreateTask("crashed mid-flight", models.TaskContext{})
	require.NoError(t, err)
	_, err = m.UpdateTask(crashed.ID, models.Task{Status: models.TaskStatusGenerating})
	require.NoError(t, err)

	m2, err := NewManager(dir)
	require.NoError(t, err)
	interrupted, err := m2.RecoverAll()
	require.NoError(t, err)
	assert.Equal(t, []string{crashed.ID}, interrupted)
	assert.Equal(t, 2, m2.Stats().Total)
}

func TestManager_ListNewestFirst(t *testing.T) {
	m := newTestManager(t)

	first, err := m.CreateTask("first", models.TaskContext{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := m.CreateTask("second", models.TaskContext{})
	require.NoError(t, err)

	tasks := m.ListTasks(0)
	require.Len(t, tasks, 2)
	assert.Equal(t, second.ID, tasks[0].ID)
	assert.Equal(t, first.ID, tasks[1].ID)

	// Updating the older task moves it to the front.
	_, err = m.UpdateTask(first.ID, models.Task{Status: models.TaskStatusAnalyzing})
	require.NoError(t, err)
	tasks = m.ListTasks(1)
	require.Len(t, tasks, 1)
	assert.Equal(t, first.ID, tasks[0].ID)
}

func TestManager_DeleteAndCleanup(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	task, err := m.CreateTask("short-lived", models.TaskContext{})
	require.NoError(t, err)
	require.NoError(t, m.DeleteTask(task.ID))
	_, err = m.GetTask(task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = os.Stat(filepath.Join(dir, task.ID+".json"))
	assert.True(t, os.IsNotExist(err))

	// Cleanup only touches terminal tasks past the age cutoff.
	old, err := m.CreateTask("old", models.TaskContext{})
	require.NoError(t, err)
	_, err = m.UpdateTask(old.ID, models.Task{Status: models.TaskStatusFailed})
	require.NoError(t, err)
	active, err := m.CreateTask("active", models.TaskContext{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	removed := m.Cleanup(time.Millisecond)
	assert.Equal(t, 1, removed)
	_, err = m.GetTask(active.ID)
	assert.NoError(t, err)
}

func TestManager_SnapshotsDoNotAliasLiveRecord(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("req", models.TaskContext{})
	require.NoError(t, err)

	started := time.Now()
	_, err = m.UpdateTask(task.ID, models.Task{
		Phases: map[models.PhaseName]*models.PhaseRecord{
			models.PhaseAnalyze: {
				Name:      models.PhaseAnalyze,
				Status:    models.PhaseStatusComplete,
				StartedAt: &started,
			},
		},
		Metrics: models.TaskMetrics{
			TokensUsed:  models.TokensByCategory{"analyze": 10},
			TotalTokens: 10,
		},
	})
	require.NoError(t, err)

	snap, err := m.GetTask(task.ID)
	require.NoError(t, err)

	// Mutating the snapshot must not touch the live record.
	snap.Phases[models.PhaseAnalyze].Status = models.PhaseStatusFailed
	snap.Metrics.TokensUsed["analyze"] = 999
	delete(snap.Phases, models.PhaseGenerate)

	got, err := m.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseStatusComplete, got.Phases[models.PhaseAnalyze].Status)
	assert.Equal(t, 10, got.Metrics.TokensUsed["analyze"])
	assert.Len(t, got.Phases, 4)
}

func TestManager_ConcurrentReadsDuringUpdates(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("req", models.TaskContext{})
	require.NoError(t, err)

	// Status reads serialize snapshots while the pipeline merges phase
	// records and metrics into the same task.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			completed := time.Now()
			_, uerr := m.UpdateTask(task.ID, models.Task{
				Phases: map[models.PhaseName]*models.PhaseRecord{
					models.PhaseGenerate: {
						Name:        models.PhaseGenerate,
						Status:      models.PhaseStatusComplete,
						CompletedAt: &completed,
					},
				},
				Metrics: models.TaskMetrics{
					TokensUsed:  models.TokensByCategory{"generate": i},
					TotalTokens: i,
				},
			})
			assert.NoError(t, uerr)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			snap, gerr := m.GetTask(task.ID)
			assert.NoError(t, gerr)
			_, merr := json.Marshal(snap)
			assert.NoError(t, merr)
		}
	}()
	wg.Wait()
}

func TestManager_Stats(t *testing.T) {
	m := newTestManager(t)

	a, err := m.CreateTask("a", models.TaskContext{})
	require.NoError(t, err)
	_, err = m.CreateTask("b", models.TaskContext{})
	require.NoError(t, err)
	_, err = m.UpdateTask(a.ID, models.Task{Status: models.TaskStatusComplete})
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[models.TaskStatusComplete])
	assert.Equal(t, 1, stats.ByStatus[models.TaskStatusPending])
}
