package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/appforge/forge/pkg/orchestrator"
	"github.com/appforge/forge/pkg/state"
)

// generateBundle accepts a generation request and starts the pipeline.
func (s *Server) generateBundle(c *gin.Context) {
	var req orchestrator.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Request) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request must not be empty"})
		return
	}

	task, err := s.orch.StartTask(req)
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"taskId": task.ID,
		"status": string(task.Status),
	})
}

// taskStatus returns the full task record.
func (s *Server) taskStatus(c *gin.Context) {
	task, err := s.orch.GetTask(c.Param("taskId"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// getBundle returns a signed bundle by id.
func (s *Server) getBundle(c *gin.Context) {
	sb, err := s.orch.GetBundle(c.Param("bundleId"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}

// submitApproval resolves a pending approval checkpoint.
func (s *Server) submitApproval(c *gin.Context) {
	var decision orchestrator.ApprovalDecision
	if err := c.ShouldBindJSON(&decision); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if err := s.orch.SubmitApproval(c.Param("taskId"), decision); err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// retryValidation re-runs the release gate over the task's last bundle.
func (s *Server) retryValidation(c *gin.Context) {
	var opts orchestrator.RetryValidationOptions
	if err := c.ShouldBindJSON(&opts); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	task, err := s.orch.RetryValidation(c.Request.Context(), c.Param("taskId"), opts)
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type regenerateRequest struct {
	Instructions string `json:"instructions"`
}

// regenerate starts a fresh task for the same request with fix
// instructions.
func (s *Server) regenerate(c *gin.Context) {
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	task, err := s.orch.Regenerate(c.Param("taskId"), req.Instructions)
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"taskId":       task.ID,
		"parentTaskId": task.ParentTaskID,
		"status":       string(task.Status),
	})
}

// mapError translates orchestrator and store errors to status codes.
func (s *Server) mapError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, state.ErrTaskNotFound),
		errors.Is(err, orchestrator.ErrBundleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrApprovalNotPending),
		errors.Is(err, orchestrator.ErrNoPendingBundle):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("unexpected handler error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
