package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/appforge/forge/pkg/models"
)

// ErrApprovalNotPending is returned when a decision arrives for a task
// with no approval checkpoint outstanding.
var ErrApprovalNotPending = errors.New("no approval pending")

// ApprovalDecision is the external answer to an approval checkpoint.
type ApprovalDecision struct {
	Approved     bool         `json:"approved"`
	Reason       string       `json:"reason,omitempty"`
	ModifiedPlan *models.Plan `json:"modifiedPlan,omitempty"`
}

// armApproval registers a single-shot rendezvous slot for the task. The
// slot is a channel rather than an event subscription so unrelated
// events cannot misfire it.
func (s *Service) armApproval(taskID string) chan ApprovalDecision {
	ch := make(chan ApprovalDecision, 1)
	s.mu.Lock()
	s.approvals[taskID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Service) disarmApproval(taskID string) {
	s.mu.Lock()
	delete(s.approvals, taskID)
	s.mu.Unlock()
}

// SubmitApproval fires a pending approval checkpoint. It fails when the
// task has no approval outstanding.
func (s *Service) SubmitApproval(taskID string, decision ApprovalDecision) error {
	s.mu.Lock()
	ch, ok := s.approvals[taskID]
	if ok {
		delete(s.approvals, taskID)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrApprovalNotPending)
	}
	ch <- decision
	return nil
}

// awaitApproval blocks until the decision arrives or the timeout fires.
// A timeout resolves as rejected with reason "timeout".
func (s *Service) awaitApproval(ctx context.Context, taskID string, ch chan ApprovalDecision) ApprovalDecision {
	defer s.disarmApproval(taskID)

	timer := time.NewTimer(s.cfg.ApprovalTimeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		return decision
	case <-timer.C:
		return ApprovalDecision{Approved: false, Reason: "timeout"}
	case <-ctx.Done():
		return ApprovalDecision{Approved: false, Reason: "shutdown"}
	}
}
