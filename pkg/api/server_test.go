package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/forge/pkg/metrics"
	"github.com/appforge/forge/pkg/models"
	"github.com/appforge/forge/pkg/orchestrator"
	"github.com/appforge/forge/pkg/state"
)

type fakeOrch struct {
	task     *models.Task
	bundle   *models.SignedBundle
	approved []orchestrator.ApprovalDecision
}

func (f *fakeOrch) StartTask(req orchestrator.GenerateRequest) (*models.Task, error) {
	return &models.Task{ID: "task-1", Request: req.Request, Status: models.TaskStatusPending}, nil
}

func (f *fakeOrch) GetTask(taskID string) (*models.Task, error) {
	if f.task != nil && f.task.ID == taskID {
		return f.task, nil
	}
	return nil, fmt.Errorf("%w: %s", state.ErrTaskNotFound, taskID)
}

func (f *fakeOrch) GetBundle(bundleID string) (*models.SignedBundle, error) {
	if f.bundle != nil && f.bundle.ID == bundleID {
		return f.bundle, nil
	}
	return nil, fmt.Errorf("bundle %s: %w", bundleID, orchestrator.ErrBundleNotFound)
}

func (f *fakeOrch) SubmitApproval(taskID string, decision orchestrator.ApprovalDecision) error {
	if f.task == nil || f.task.ID != taskID {
		return fmt.Errorf("task %s: %w", taskID, orchestrator.ErrApprovalNotPending)
	}
	f.approved = append(f.approved, decision)
	return nil
}

func (f *fakeOrch) RetryValidation(_ context.Context, taskID string, _ orchestrator.RetryValidationOptions) (*models.Task, error) {
	if f.task == nil || f.task.ID != taskID {
		return nil, fmt.Errorf("task %s: %w", taskID, orchestrator.ErrNoPendingBundle)
	}
	return f.task, nil
}

func (f *fakeOrch) Regenerate(parentTaskID, _ string) (*models.Task, error) {
	if f.task == nil || f.task.ID != parentTaskID {
		return nil, fmt.Errorf("%w: %s", state.ErrTaskNotFound, parentTaskID)
	}
	return &models.Task{ID: "task-2", ParentTaskID: parentTaskID, Status: models.TaskStatusPending}, nil
}

func newTestServer(orch Orchestrator) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(Config{Addr: "127.0.0.1:0", ReadTimeout: time.Second}, orch, nil, nil, metrics.New(), logger)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestGenerateBundle(t *testing.T) {
	srv := newTestServer(&fakeOrch{})

	w := doJSON(t, srv, http.MethodPost, "/bundle/generate", map[string]any{
		"request": "add a users table",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "task-1", resp["taskId"])
	assert.Equal(t, "pending", resp["status"])
}

func TestGenerateBundle_BadRequests(t *testing.T) {
	srv := newTestServer(&fakeOrch{})

	w := doJSON(t, srv, http.MethodPost, "/bundle/generate", map[string]any{"request": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/bundle/generate", bytes.NewBufferString("{not json"))
	w2 := httptest.NewRecorder()
	srv.Router().ServeHTTP(w2, req)
	assert.Equal(t, http.StatusBadRequest, w2.Code)
}

func TestTaskStatus(t *testing.T) {
	orch := &fakeOrch{task: &models.Task{ID: "task-1", Status: models.TaskStatusGenerating}}
	srv := newTestServer(orch)

	w := doJSON(t, srv, http.MethodGet, "/bundle/status/task-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, models.TaskStatusGenerating, task.Status)

	w = doJSON(t, srv, http.MethodGet, "/bundle/status/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetBundle(t *testing.T) {
	sb := &models.SignedBundle{
		Bundle:    models.Bundle{ID: "b-1", BundleType: models.BundleTypeFeature},
		Signature: &models.Signature{Algorithm: "RSA-SHA256", Value: "sig"},
	}
	srv := newTestServer(&fakeOrch{bundle: sb})

	w := doJSON(t, srv, http.MethodGet, "/bundle/b-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.SignedBundle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "b-1", got.ID)
	require.NotNil(t, got.Signature)
	assert.Equal(t, "RSA-SHA256", got.Signature.Algorithm)

	w = doJSON(t, srv, http.MethodGet, "/bundle/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitApproval(t *testing.T) {
	orch := &fakeOrch{task: &models.Task{ID: "task-1"}}
	srv := newTestServer(orch)

	w := doJSON(t, srv, http.MethodPost, "/bundle/approval/task-1", map[string]any{
		"approved": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, orch.approved, 1)
	assert.True(t, orch.approved[0].Approved)

	w = doJSON(t, srv, http.MethodPost, "/bundle/approval/other", map[string]any{
		"approved": false,
		"reason":   "nope",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetryValidation(t *testing.T) {
	orch := &fakeOrch{task: &models.Task{ID: "task-1", Status: models.TaskStatusComplete}}
	srv := newTestServer(orch)

	w := doJSON(t, srv, http.MethodPost, "/bundle/retry-validation/task-1", map[string]any{
		"skipChecks": []string{"TestCoverageCheck"},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/bundle/retry-validation/other", map[string]any{})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRegenerate(t *testing.T) {
	orch := &fakeOrch{task: &models.Task{ID: "task-1"}}
	srv := newTestServer(orch)

	w := doJSON(t, srv, http.MethodPost, "/bundle/regenerate/task-1", map[string]any{
		"instructions": "fix the imports",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "task-2", resp["taskId"])
	assert.Equal(t, "task-1", resp["parentTaskId"])

	w = doJSON(t, srv, http.MethodPost, "/bundle/regenerate/unknown", map[string]any{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&fakeOrch{})
	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeOrch{})
	w := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPublicKey_NotInitialized(t *testing.T) {
	srv := newTestServer(&fakeOrch{})
	w := doJSON(t, srv, http.MethodGet, "/public-key", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestEvents_NoConnectionManager(t *testing.T) {
	srv := newTestServer(&fakeOrch{})
	w := doJSON(t, srv, http.MethodGet, "/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
