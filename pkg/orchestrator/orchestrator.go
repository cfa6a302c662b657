// Package orchestrator drives the four-phase pipeline that turns a
// natural-language request into a signed code bundle: analyze, plan
// (with an approval checkpoint for risky plans), generate, validate.
// Task state is written through to the store before the corresponding
// event is published, so recovery never observes an event for a state
// that is not on disk.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/appforge/forge/pkg/agent"
	"github.com/appforge/forge/pkg/budget"
	"github.com/appforge/forge/pkg/bundle"
	"github.com/appforge/forge/pkg/events"
	"github.com/appforge/forge/pkg/gate"
	"github.com/appforge/forge/pkg/llm"
	"github.com/appforge/forge/pkg/metrics"
	"github.com/appforge/forge/pkg/models"
	"github.com/appforge/forge/pkg/retry"
	"github.com/appforge/forge/pkg/scheduler"
	"github.com/appforge/forge/pkg/signer"
	"github.com/appforge/forge/pkg/state"
)

// Default reservation sizes per phase, in tokens. Unused remainder is
// released back to the pool after the phase settles.
const (
	DefaultReserveAnalyze  = 10_000
	DefaultReservePlan     = 20_000
	DefaultReserveGenerate = 100_000

	DefaultApprovalTimeout = 5 * time.Minute

	// DefaultCostPerMillionTokens is the blended USD rate used for the
	// per-task cost estimate.
	DefaultCostPerMillionTokens = 0.50
)

// Config tunes the orchestrator.
type Config struct {
	// RequireApproval enables the approval checkpoint for medium and
	// high risk plans.
	RequireApproval bool

	// ApprovalTimeout bounds how long a task waits at the checkpoint.
	// A timeout resolves as a rejection.
	ApprovalTimeout time.Duration

	// CoverageThreshold and SkipChecks configure the release gate.
	// A nil threshold selects the gate default.
	CoverageThreshold *float64
	SkipChecks        []string

	ReserveAnalyze  int
	ReservePlan     int
	ReserveGenerate int

	CostPerMillionTokens float64

	Retry retry.Config
}

func (c Config) withDefaults() Config {
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = DefaultApprovalTimeout
	}
	if c.ReserveAnalyze <= 0 {
		c.ReserveAnalyze = DefaultReserveAnalyze
	}
	if c.ReservePlan <= 0 {
		c.ReservePlan = DefaultReservePlan
	}
	if c.ReserveGenerate <= 0 {
		c.ReserveGenerate = DefaultReserveGenerate
	}
	if c.CostPerMillionTokens <= 0 {
		c.CostPerMillionTokens = DefaultCostPerMillionTokens
	}
	return c
}

var (
	// ErrBundleNotFound is returned for unknown bundle ids.
	ErrBundleNotFound = errors.New("bundle not found")

	// ErrNoPendingBundle is returned when validation is retried for a
	// task that never built a bundle.
	ErrNoPendingBundle = errors.New("no bundle awaiting validation")
)

// GenerateRequest is the client-facing input for a new task.
type GenerateRequest struct {
	Request string             `json:"request"`
	Context models.TaskContext `json:"context"`
}

// RetryValidationOptions override gate settings for a re-validation run.
type RetryValidationOptions struct {
	CoverageThreshold *float64 `json:"coverageThreshold,omitempty"`
	SkipChecks        []string `json:"skipChecks,omitempty"`
}

// Service owns the pipeline. One goroutine runs per active task; all
// cross-task state lives behind the mutex.
type Service struct {
	cfg     Config
	state   *state.Manager
	budget  *budget.Manager
	bus     *events.Bus
	sched   *scheduler.Scheduler
	signer  *signer.Signer
	client  llm.Client
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	approvals map[string]chan ApprovalDecision
	unsigned  map[string]*models.Bundle       // task id -> last built bundle
	signed    map[string]*models.SignedBundle // bundle id -> signed bundle
	feedback  map[string][]string             // task id -> fix instructions

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the orchestrator service.
func New(cfg Config, st *state.Manager, bud *budget.Manager, bus *events.Bus,
	sched *scheduler.Scheduler, sig *signer.Signer, client llm.Client,
	m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg.withDefaults(),
		state:     st,
		budget:    bud,
		bus:       bus,
		sched:     sched,
		signer:    sig,
		client:    client,
		metrics:   m,
		logger:    logger,
		approvals: make(map[string]chan ApprovalDecision),
		unsigned:  make(map[string]*models.Bundle),
		signed:    make(map[string]*models.SignedBundle),
		feedback:  make(map[string][]string),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// StartTask creates a task and launches its pipeline goroutine.
func (s *Service) StartTask(req GenerateRequest) (*models.Task, error) {
	if strings.TrimSpace(req.Request) == "" {
		return nil, fmt.Errorf("request must not be empty")
	}

	task, err := s.state.CreateTask(req.Request, req.Context)
	if err != nil {
		return nil, err
	}
	s.launch(task)
	return task, nil
}

// launch publishes the start event and spawns the pipeline goroutine.
// The task must already be persisted.
func (s *Service) launch(task *models.Task) {
	if s.metrics != nil {
		s.metrics.TasksStarted.Inc()
		s.metrics.ActiveTasks.Inc()
	}
	s.publish(events.EventTaskStart, task.ID, map[string]any{
		"request": task.Request,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.baseCtx, task.ID)
	}()
}

// GetTask returns a copy of the task record.
func (s *Service) GetTask(taskID string) (*models.Task, error) {
	return s.state.GetTask(taskID)
}

// GetBundle returns a previously signed bundle by its id.
func (s *Service) GetBundle(bundleID string) (*models.SignedBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.signed[bundleID]
	if !ok {
		return nil, fmt.Errorf("bundle %s: %w", bundleID, ErrBundleNotFound)
	}
	return sb, nil
}

// run executes the pipeline for one task. Every status transition is
// persisted before its event is published.
func (s *Service) run(ctx context.Context, taskID string) {
	task, err := s.state.GetTask(taskID)
	if err != nil {
		s.logger.Error("task vanished before pipeline start", "task_id", taskID, "error", err)
		return
	}

	analysis, ok := s.phaseAnalyze(ctx, task)
	if !ok {
		return
	}
	plan, ok := s.phasePlan(ctx, task, analysis)
	if !ok {
		return
	}
	plan, ok = s.approvalCheckpoint(ctx, task, plan)
	if !ok {
		return
	}
	built, ok := s.phaseGenerate(ctx, task, plan)
	if !ok {
		return
	}
	s.phaseValidate(ctx, task, built, gate.Config{
		CoverageThreshold: s.coverageThreshold(nil),
		SkipChecks:        s.cfg.SkipChecks,
	})
}

// --- analyze ---

const analyzeSystemPrompt = `You are a senior engineer analyzing a change request against an existing codebase.
Summarize what the request requires: the affected areas, the data model impact, and any external dependencies.
Be specific and concise. Respond in plain prose.`

func (s *Service) phaseAnalyze(ctx context.Context, task *models.Task) (string, bool) {
	if !s.transition(task, models.TaskStatusAnalyzing, events.EventCodeAnalyzing) {
		return "", false
	}

	var analysis string
	maxFiles := len(task.Context.Files)
	handler := s.newHandler(retry.Hooks{
		ReduceContext: func(int) {
			maxFiles /= 2
		},
	})

	err := s.runPhase(ctx, task, models.PhaseAnalyze, budget.CategoryAnalyze, s.cfg.ReserveAnalyze,
		func(ctx context.Context) (int, map[string]any, error) {
			tokens := 0
			err := handler.Do(ctx, "analyze", func(ctx context.Context, _ int) error {
				prompt := s.analyzePrompt(task, maxFiles)
				resp, err := s.client.Complete(ctx, analyzeSystemPrompt, prompt)
				if err != nil {
					return err
				}
				tokens += resp.Usage.TotalTokens
				analysis = resp.Text
				return nil
			})
			return tokens, map[string]any{"analysis": analysis}, err
		})
	if err != nil {
		s.failTask(task, models.PhaseAnalyze, err, nil)
		return "", false
	}
	return analysis, true
}

func (s *Service) analyzePrompt(task *models.Task, maxFiles int) string {
	var sb strings.Builder
	sb.WriteString("Request:\n")
	sb.WriteString(task.Request)
	sb.WriteString("\n")
	if len(task.Context.WorkspaceList) > 0 {
		sb.WriteString("\nWorkspace files:\n")
		for _, f := range task.Context.WorkspaceList {
			sb.WriteString("- " + f + "\n")
		}
	}
	for i, f := range task.Context.Files {
		if i >= maxFiles {
			break
		}
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", f.Path, f.Content)
	}
	return sb.String()
}

// --- plan ---

const planSystemPrompt = `You are a senior engineer producing an implementation plan as JSON.
Respond with a single JSON object with fields:
  steps: [{id, action (create|modify|delete), target, description, layer (database|backend|frontend|test|config|deployment|general), dependencies}]
  files_to_change: [paths]
  proposed_migrations: [{id, description}]
  complexity: low|medium|high
  estimated_duration: string
  risks: [strings]
  dependency_changes: bool
  summary: string
Step ids must be unique and dependencies must reference earlier step ids. Wrap the JSON in a fenced code block.`

var jsonBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n?```")

func (s *Service) phasePlan(ctx context.Context, task *models.Task, analysis string) (*models.Plan, bool) {
	if !s.transition(task, models.TaskStatusPlanning, events.EventCodePlanning) {
		return nil, false
	}

	var plan *models.Plan
	var lastFeedback string
	handler := s.newHandler(retry.Hooks{
		AddFeedback: func(message string) {
			lastFeedback = message
		},
	})

	err := s.runPhase(ctx, task, models.PhasePlan, budget.CategoryPlan, s.cfg.ReservePlan,
		func(ctx context.Context) (int, map[string]any, error) {
			tokens := 0
			err := handler.Do(ctx, "plan", func(ctx context.Context, _ int) error {
				prompt := "Analysis:\n" + analysis + "\n\nRequest:\n" + task.Request
				if lastFeedback != "" {
					prompt += "\n\nThe previous plan was invalid: " + lastFeedback
				}
				resp, err := s.client.Complete(ctx, planSystemPrompt, prompt)
				if err != nil {
					return err
				}
				tokens += resp.Usage.TotalTokens
				parsed, perr := parsePlan(resp.Text)
				if perr != nil {
					// A malformed plan retries as a generation failure
					// with the parse error fed back into the prompt.
					return perr
				}
				plan = parsed
				return nil
			})
			result := map[string]any{}
			if plan != nil {
				result["steps"] = len(plan.Steps)
				result["complexity"] = string(plan.Complexity)
			}
			return tokens, result, err
		})
	if err != nil {
		s.failTask(task, models.PhasePlan, err, nil)
		return nil, false
	}

	if _, err := s.state.UpdateTask(task.ID, models.Task{Plan: plan}); err != nil {
		s.failTask(task, models.PhasePlan, err, nil)
		return nil, false
	}
	return plan, true
}

// parsePlan extracts the plan JSON from a model response. A fenced code
// block wins; otherwise the whole text must be the object.
func parsePlan(text string) (*models.Plan, error) {
	raw := strings.TrimSpace(text)
	if m := jsonBlockRe.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	var plan models.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("could not parse plan JSON from the model response: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("could not parse plan: no steps")
	}
	seen := make(map[string]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		if step.ID == "" || step.Target == "" {
			return nil, fmt.Errorf("could not parse plan: step missing id or target")
		}
		if seen[step.ID] {
			return nil, fmt.Errorf("could not parse plan: duplicate step id %s", step.ID)
		}
		seen[step.ID] = true
	}
	return &plan, nil
}

// --- approval checkpoint ---

func (s *Service) approvalCheckpoint(ctx context.Context, task *models.Task, plan *models.Plan) (*models.Plan, bool) {
	risk := AssessRisk(plan)
	if !s.cfg.RequireApproval || !RequiresApproval(risk) {
		return plan, true
	}

	ch := s.armApproval(task.ID)
	s.publish(events.EventApprovalRequired, task.ID, map[string]any{
		"risk":       string(risk),
		"summary":    plan.Summary,
		"steps":      len(plan.Steps),
		"complexity": string(plan.Complexity),
	})
	s.logger.Info("awaiting approval", "task_id", task.ID, "risk", risk)

	decision := s.awaitApproval(ctx, task.ID, ch)
	s.publish(events.EventApprovalReceived, task.ID, map[string]any{
		"approved": decision.Approved,
		"reason":   decision.Reason,
	})

	if !decision.Approved {
		reason := decision.Reason
		if reason == "" {
			reason = "rejected"
		}
		// A rejection is an operator decision, not a system fault; the
		// task stays recoverable so it can be regenerated.
		s.failTask(task, models.PhasePlan, fmt.Errorf("plan rejected: %s", reason), &models.TaskError{
			Message:     fmt.Sprintf("plan rejected: %s", reason),
			Phase:       models.PhasePlan,
			Recoverable: true,
		})
		return nil, false
	}

	if decision.ModifiedPlan != nil {
		// Merge into a copy; the original pointer is also held by the
		// state manager and must only change under its lock.
		merged := *plan
		merged.Merge(decision.ModifiedPlan)
		updated, err := s.state.UpdateTask(task.ID, models.Task{Plan: &merged})
		if err != nil {
			s.failTask(task, models.PhasePlan, err, nil)
			return nil, false
		}
		plan = updated.Plan
		s.publish(events.EventPlanModified, task.ID, map[string]any{
			"steps": len(plan.Steps),
		})
	}
	return plan, true
}

// --- generate ---

func (s *Service) phaseGenerate(ctx context.Context, task *models.Task, plan *models.Plan) (*models.Bundle, bool) {
	if !s.transition(task, models.TaskStatusGenerating, events.EventCodeGenerating) {
		return nil, false
	}

	genCtx := agent.GenContext{
		Request:  task.Request,
		Plan:     plan,
		Files:    task.Context.Files,
		Feedback: s.takeFeedback(task.ID),
	}

	var built *models.Bundle
	start := time.Now()

	err := s.runPhase(ctx, task, models.PhaseGenerate, budget.CategoryGenerate, s.cfg.ReserveGenerate,
		func(ctx context.Context) (int, map[string]any, error) {
			out, err := s.sched.Execute(ctx, task.ID, plan.Steps, genCtx)
			if err != nil {
				return 0, nil, err
			}

			tokens := 0
			var files []models.FileEntry
			var tests []models.TestEntry
			var migrations []models.MigrationEntry
			for _, r := range out.Results {
				tokens += r.Usage.TotalTokens
				switch {
				case r.File != nil:
					files = append(files, *r.File)
				case r.Test != nil:
					tests = append(tests, *r.Test)
				case r.Migration != nil:
					migrations = append(migrations, *r.Migration)
				}
			}

			if len(out.Failures) > 0 {
				msgs := make([]string, 0, len(out.Failures))
				for _, f := range out.Failures {
					msgs = append(msgs, fmt.Sprintf("%s: %v", f.Step.ID, f.Err))
				}
				return tokens, nil, fmt.Errorf("%d of %d steps failed: %s",
					len(out.Failures), len(plan.Steps), strings.Join(msgs, "; "))
			}

			built = bundle.Build(bundle.Input{
				Plan:       plan,
				Files:      files,
				Tests:      tests,
				Migrations: migrations,
				TokensUsed: tokens,
				Duration:   time.Since(start),
			})
			return tokens, map[string]any{
				"files":      len(files),
				"tests":      len(tests),
				"migrations": len(migrations),
				"batches":    out.Batches,
			}, nil
		})
	if err != nil {
		s.failTask(task, models.PhaseGenerate, err, nil)
		return nil, false
	}

	s.mu.Lock()
	s.unsigned[task.ID] = built
	s.mu.Unlock()
	return built, true
}

// --- validate ---

func (s *Service) phaseValidate(ctx context.Context, task *models.Task, built *models.Bundle, gateCfg gate.Config) bool {
	if !s.transition(task, models.TaskStatusValidating, events.EventCodeValidating) {
		return false
	}

	g := gate.New(gateCfg, s.bus, s.logger)

	var summary *gate.Summary
	err := s.runPhase(ctx, task, models.PhaseValidate, budget.CategoryValidate, 0,
		func(ctx context.Context) (int, map[string]any, error) {
			summary = g.Validate(ctx, task.ID, built)
			result := map[string]any{
				"passed":   summary.Passed,
				"blockers": len(summary.Blockers),
				"warnings": len(summary.Warnings),
			}
			if !summary.Passed {
				return 0, result, fmt.Errorf("%w: %d blocker(s)", retry.ErrValidation, len(summary.Blockers))
			}
			return 0, result, nil
		})
	if err != nil {
		if s.metrics != nil && summary != nil {
			for _, b := range summary.Blockers {
				s.metrics.CheckFailures.WithLabelValues(b.Check).Inc()
			}
		}
		var blockers, warnings []models.CheckFinding
		if summary != nil {
			blockers, warnings = summary.Blockers, summary.Warnings
		}
		s.failTask(task, models.PhaseValidate, err, &models.TaskError{
			Message:     "validation failed",
			Phase:       models.PhaseValidate,
			Recoverable: true,
			Blockers:    blockers,
			Warnings:    warnings,
			Suggestions: BuildSuggestions(blockers),
		})
		return false
	}

	return s.completeTask(task, built)
}

// completeTask signs the bundle and moves the task to complete.
func (s *Service) completeTask(task *models.Task, built *models.Bundle) bool {
	sb, err := s.signer.Sign(*built)
	if err != nil {
		s.failTask(task, models.PhaseValidate, fmt.Errorf("sign bundle: %w", err), nil)
		return false
	}

	s.mu.Lock()
	s.signed[sb.ID] = sb
	delete(s.unsigned, task.ID)
	s.mu.Unlock()

	now := time.Now()
	updated, err := s.state.UpdateTask(task.ID, models.Task{
		Status:      models.TaskStatusComplete,
		BundleID:    sb.ID,
		CompletedAt: &now,
	})
	if err != nil {
		s.logger.Error("persist completed task", "task_id", task.ID, "error", err)
		return false
	}
	// A re-validated task may carry the error from its first gate run.
	if err := s.state.ClearError(task.ID); err != nil {
		s.logger.Warn("clear task error", "task_id", task.ID, "error", err)
	}

	if s.metrics != nil {
		s.metrics.TasksCompleted.Inc()
		s.metrics.ActiveTasks.Dec()
	}
	s.publish(events.EventTaskComplete, task.ID, map[string]any{
		"bundleId":   sb.ID,
		"bundleType": string(sb.BundleType),
		"tokensUsed": updated.Metrics.TotalTokens,
	})
	s.logger.Info("task complete",
		"task_id", task.ID, "bundle_id", sb.ID, "tokens", updated.Metrics.TotalTokens)
	return true
}

// --- re-validation and regeneration ---

// RetryValidation re-runs the release gate over the task's last built
// bundle, optionally overriding the coverage threshold or skipping
// checks. On a pass the bundle is signed and the task completes.
func (s *Service) RetryValidation(ctx context.Context, taskID string, opts RetryValidationOptions) (*models.Task, error) {
	task, err := s.state.GetTask(taskID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	built, ok := s.unsigned[taskID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNoPendingBundle)
	}

	skip := s.cfg.SkipChecks
	if len(opts.SkipChecks) > 0 {
		skip = opts.SkipChecks
	}
	s.phaseValidate(ctx, task, built, gate.Config{
		CoverageThreshold: s.coverageThreshold(opts.CoverageThreshold),
		SkipChecks:        skip,
	})
	return s.state.GetTask(taskID)
}

// Regenerate starts a fresh task for the same request, carrying the fix
// instructions into the agents' generation context. The new task records
// its parent.
func (s *Service) Regenerate(parentTaskID, instructions string) (*models.Task, error) {
	parent, err := s.state.GetTask(parentTaskID)
	if err != nil {
		return nil, err
	}

	task, err := s.state.CreateTask(parent.Request, parent.Context)
	if err != nil {
		return nil, err
	}
	task, err = s.state.UpdateTask(task.ID, models.Task{ParentTaskID: parent.ID})
	if err != nil {
		return nil, err
	}

	// Feedback must be registered before the pipeline goroutine can
	// reach the generate phase.
	if instructions != "" {
		s.mu.Lock()
		s.feedback[task.ID] = append(s.feedback[task.ID], instructions)
		s.mu.Unlock()
	}

	s.launch(task)
	return task, nil
}

func (s *Service) takeFeedback(taskID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	fb := s.feedback[taskID]
	delete(s.feedback, taskID)
	return fb
}

// --- recovery and shutdown ---

// RecoverInterrupted reloads persisted tasks and marks those left in a
// non-terminal state as failed. In-flight LLM work cannot be resumed
// across a restart; clients regenerate instead.
func (s *Service) RecoverInterrupted() (int, error) {
	interrupted, err := s.state.RecoverAll()
	if err != nil {
		return 0, err
	}
	for _, id := range interrupted {
		now := time.Now()
		_, err := s.state.UpdateTask(id, models.Task{
			Status: models.TaskStatusFailed,
			Error: &models.TaskError{
				Message:     "task interrupted by restart",
				Recoverable: true,
			},
			CompletedAt: &now,
		})
		if err != nil {
			s.logger.Warn("mark interrupted task failed", "task_id", id, "error", err)
			continue
		}
		s.publish(events.EventTaskError, id, map[string]any{
			"message":     "task interrupted by restart",
			"recoverable": true,
		})
	}
	if len(interrupted) > 0 {
		s.logger.Info("recovered interrupted tasks", "count", len(interrupted))
	}
	return len(interrupted), nil
}

// Shutdown stops accepting pipeline progress and waits for running task
// goroutines until ctx expires.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with tasks still running: %w", ctx.Err())
	}
}

// --- phase plumbing ---

// transition persists a status change and publishes its phase event.
func (s *Service) transition(task *models.Task, status models.TaskStatus, eventType string) bool {
	if _, err := s.state.UpdateTask(task.ID, models.Task{Status: status}); err != nil {
		s.logger.Error("persist status transition",
			"task_id", task.ID, "status", status, "error", err)
		return false
	}
	s.publish(eventType, task.ID, map[string]any{"status": string(status)})
	return true
}

// runPhase wraps one phase with budget reservation, duration and token
// accounting, and the phase record lifecycle. The reservation is
// consumed up to min(actual, reserved) and the remainder released.
func (s *Service) runPhase(ctx context.Context, task *models.Task, name models.PhaseName,
	category budget.Category, reserve int,
	fn func(ctx context.Context) (int, map[string]any, error)) error {

	started := time.Now()
	s.recordPhase(task.ID, name, &models.PhaseRecord{
		Name:      name,
		Status:    models.PhaseStatusInProgress,
		StartedAt: &started,
	})

	var reservationID string
	if s.budget != nil && reserve > 0 {
		id, err := s.budget.Reserve(category, reserve)
		if err != nil {
			s.recordPhaseEnd(task, name, started, 0, nil, err)
			return fmt.Errorf("%s: %w", name, err)
		}
		reservationID = id
	}

	tokens, result, err := fn(ctx)

	if reservationID != "" {
		consume := tokens
		if consume > reserve {
			consume = reserve
		}
		if cerr := s.budget.Consume(reservationID, consume); cerr != nil {
			s.logger.Warn("consume reservation", "phase", name, "error", cerr)
		}
		if rerr := s.budget.Release(reservationID); rerr != nil {
			// Fully consumed reservations are already gone.
			s.logger.Debug("release reservation", "phase", name, "error", rerr)
		}
	}

	s.recordPhaseEnd(task, name, started, tokens, result, err)

	if s.metrics != nil {
		s.metrics.PhaseDuration.WithLabelValues(string(name)).Observe(time.Since(started).Seconds())
		if tokens > 0 {
			s.metrics.TokensConsumed.WithLabelValues(string(category)).Add(float64(tokens))
		}
	}
	return err
}

func (s *Service) recordPhase(taskID string, name models.PhaseName, record *models.PhaseRecord) {
	_, err := s.state.UpdateTask(taskID, models.Task{
		Phases: map[models.PhaseName]*models.PhaseRecord{name: record},
	})
	if err != nil {
		s.logger.Error("persist phase record", "task_id", taskID, "phase", name, "error", err)
	}
}

func (s *Service) recordPhaseEnd(task *models.Task, name models.PhaseName, started time.Time,
	tokens int, result map[string]any, phaseErr error) {

	completed := time.Now()
	record := &models.PhaseRecord{
		Name:        name,
		Status:      models.PhaseStatusComplete,
		Result:      result,
		StartedAt:   &started,
		CompletedAt: &completed,
	}
	if phaseErr != nil {
		record.Status = models.PhaseStatusFailed
		record.Error = phaseErr.Error()
	}

	current, err := s.state.GetTask(task.ID)
	if err != nil {
		s.logger.Error("load task for phase accounting", "task_id", task.ID, "error", err)
		return
	}
	m := current.Metrics
	if m.TokensUsed == nil {
		m.TokensUsed = models.TokensByCategory{}
	}
	if m.PhaseDuration == nil {
		m.PhaseDuration = map[models.PhaseName]int64{}
	}
	m.TokensUsed[string(name)] += tokens
	m.TotalTokens += tokens
	m.PhaseDuration[name] = completed.Sub(started).Milliseconds()
	m.EstimatedCost += float64(tokens) / 1_000_000 * s.cfg.CostPerMillionTokens

	_, err = s.state.UpdateTask(task.ID, models.Task{
		Phases:  map[models.PhaseName]*models.PhaseRecord{name: record},
		Metrics: m,
	})
	if err != nil {
		s.logger.Error("persist phase end", "task_id", task.ID, "phase", name, "error", err)
	}
}

// failTask moves the task to failed. A prepared TaskError (validation
// failures carry blockers and suggestions) wins over the bare error.
func (s *Service) failTask(task *models.Task, phase models.PhaseName, err error, prepared *models.TaskError) {
	taskErr := prepared
	if taskErr == nil {
		taskErr = &models.TaskError{
			Message:     err.Error(),
			Phase:       phase,
			Recoverable: true,
		}
		if retry.Classify(err) == retry.ClassUnrecoverable || retry.Classify(err) == retry.ClassAuth {
			taskErr.Recoverable = false
		}
	}

	now := time.Now()
	_, uerr := s.state.UpdateTask(task.ID, models.Task{
		Status:      models.TaskStatusFailed,
		Error:       taskErr,
		CompletedAt: &now,
	})
	if uerr != nil {
		s.logger.Error("persist failed task", "task_id", task.ID, "error", uerr)
	}

	if s.metrics != nil {
		s.metrics.TasksFailed.Inc()
		s.metrics.ActiveTasks.Dec()
	}
	s.publish(events.EventTaskError, task.ID, map[string]any{
		"message":     taskErr.Message,
		"phase":       string(phase),
		"recoverable": taskErr.Recoverable,
	})
	s.logger.Warn("task failed", "task_id", task.ID, "phase", phase, "error", err)
}

func (s *Service) coverageThreshold(override *float64) float64 {
	if override != nil {
		return *override
	}
	if s.cfg.CoverageThreshold != nil {
		return *s.cfg.CoverageThreshold
	}
	return -1 // gate default
}

func (s *Service) newHandler(hooks retry.Hooks) *retry.Handler {
	handler := retry.NewHandler(s.cfg.Retry, hooks, s.logger)
	if s.metrics != nil {
		handler.OnRetry = func(_ string, a retry.Attempt) {
			s.metrics.Retries.WithLabelValues(string(a.Class)).Inc()
		}
	}
	return handler
}

func (s *Service) publish(eventType, taskID string, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(eventType, taskID, data)
	}
}
