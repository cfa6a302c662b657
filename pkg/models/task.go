// Package models defines the shared data model for the orchestration
// pipeline: tasks, phases, plans, bundles, and their wire shapes.
package models

import "time"

// TaskStatus represents the lifecycle state of a task.
// It doubles as the orchestrator pipeline state.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAnalyzing  TaskStatus = "analyzing"
	TaskStatusPlanning   TaskStatus = "planning"
	TaskStatusGenerating TaskStatus = "generating"
	TaskStatusValidating TaskStatus = "validating"
	TaskStatusComplete   TaskStatus = "complete"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusComplete || s == TaskStatusFailed
}

// PhaseName identifies one of the four pipeline phases.
type PhaseName string

const (
	PhaseAnalyze  PhaseName = "analyze"
	PhasePlan     PhaseName = "plan"
	PhaseGenerate PhaseName = "generate"
	PhaseValidate PhaseName = "validate"
)

// PhaseOrder is the fixed execution order of the pipeline phases.
var PhaseOrder = []PhaseName{PhaseAnalyze, PhasePlan, PhaseGenerate, PhaseValidate}

// PhaseStatus represents the state of a single phase record.
type PhaseStatus string

const (
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusInProgress PhaseStatus = "in_progress"
	PhaseStatusComplete   PhaseStatus = "complete"
	PhaseStatusFailed     PhaseStatus = "failed"
	PhaseStatusSkipped    PhaseStatus = "skipped"
)

// PhaseRecord tracks the execution of one pipeline phase.
type PhaseRecord struct {
	Name        PhaseName      `json:"name"`
	Status      PhaseStatus    `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ContextFile is one workspace file supplied with the request.
type ContextFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// TaskContext carries the workspace context a client submits with a request.
type TaskContext struct {
	Files         []ContextFile `json:"files,omitempty"`
	WorkspaceList []string      `json:"workspace_list,omitempty"`
}

// TaskError is the user-facing error attached to a failed task.
type TaskError struct {
	Message     string          `json:"message"`
	Phase       PhaseName       `json:"phase,omitempty"`
	Recoverable bool            `json:"recoverable"`
	Blockers    []CheckFinding  `json:"blockers,omitempty"`
	Warnings    []CheckFinding  `json:"warnings,omitempty"`
	Suggestions []FixSuggestion `json:"suggestions,omitempty"`
}

// CheckFinding is one finding reported by a release gate check.
type CheckFinding struct {
	Check   string `json:"check"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
}

// FixSuggestion is a structured remediation hint derived from a failing check.
type FixSuggestion struct {
	Check       string   `json:"check"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Actions     []string `json:"actions"`
}

// TokensByCategory breaks token usage down by budget category.
type TokensByCategory map[string]int

// TaskMetrics aggregates per-task pipeline metrics.
type TaskMetrics struct {
	TokensUsed    TokensByCategory       `json:"tokens_used,omitempty"`
	TotalTokens   int                    `json:"total_tokens"`
	PhaseDuration map[PhaseName]int64    `json:"phase_duration_ms,omitempty"`
	EstimatedCost float64                `json:"estimated_cost_usd"`
	// TODO: retries is recorded for wire compatibility but nothing increments
	// it yet; the retry harness does not report attempt counts upstream.
	Retries int `json:"retries"`
}

// Task is the unit of work created per client request. It is mutated only
// by the orchestrator (and its retry harness) and persisted after every
// status change.
type Task struct {
	ID           string                     `json:"id"`
	Request      string                     `json:"request"`
	Context      TaskContext                `json:"context"`
	Status       TaskStatus                 `json:"status"`
	Phases       map[PhaseName]*PhaseRecord `json:"phases"`
	Plan         *Plan                      `json:"plan,omitempty"`
	BundleID     string                     `json:"bundle_id,omitempty"`
	ParentTaskID string                     `json:"parent_task_id,omitempty"`
	Metrics      TaskMetrics                `json:"metrics"`
	Error        *TaskError                 `json:"error,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
	CompletedAt  *time.Time                 `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task. Snapshots handed out while the
// pipeline keeps mutating the live record must not share maps or
// pointers with it.
func (t *Task) Clone() *Task {
	c := *t
	if t.Phases != nil {
		c.Phases = make(map[PhaseName]*PhaseRecord, len(t.Phases))
		for name, record := range t.Phases {
			c.Phases[name] = record.clone()
		}
	}
	c.Metrics = t.Metrics.clone()
	if t.Plan != nil {
		plan := *t.Plan
		c.Plan = &plan
	}
	if t.Error != nil {
		taskErr := *t.Error
		c.Error = &taskErr
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func (r *PhaseRecord) clone() *PhaseRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Result != nil {
		c.Result = make(map[string]any, len(r.Result))
		for k, v := range r.Result {
			c.Result[k] = v
		}
	}
	if r.StartedAt != nil {
		at := *r.StartedAt
		c.StartedAt = &at
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func (m TaskMetrics) clone() TaskMetrics {
	c := m
	if m.TokensUsed != nil {
		c.TokensUsed = make(TokensByCategory, len(m.TokensUsed))
		for k, v := range m.TokensUsed {
			c.TokensUsed[k] = v
		}
	}
	if m.PhaseDuration != nil {
		c.PhaseDuration = make(map[PhaseName]int64, len(m.PhaseDuration))
		for k, v := range m.PhaseDuration {
			c.PhaseDuration[k] = v
		}
	}
	return c
}

// NewPhaseMap returns a phase map with all four phases pending.
func NewPhaseMap() map[PhaseName]*PhaseRecord {
	phases := make(map[PhaseName]*PhaseRecord, len(PhaseOrder))
	for _, name := range PhaseOrder {
		phases[name] = &PhaseRecord{Name: name, Status: PhaseStatusPending}
	}
	return phases
}
