// Package scheduler turns a plan's step list into dependency-ordered
// batches and dispatches each batch's steps concurrently to the
// role-specific sub-agents.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/appforge/forge/pkg/agent"
	"github.com/appforge/forge/pkg/events"
	"github.com/appforge/forge/pkg/models"
)

// ErrCircularDependency is returned when the step set is not a DAG.
var ErrCircularDependency = errors.New("circular_dependency")

// BuildExecutionOrder partitions steps into batches such that every step
// in batch k depends only on steps in batches before k. A non-DAG input
// fails naming the steps left unplaced.
func BuildExecutionOrder(steps []models.Step) ([][]models.Step, error) {
	remaining := make(map[string]models.Step, len(steps))
	for _, step := range steps {
		remaining[step.ID] = step
	}

	done := make(map[string]bool, len(steps))
	var batches [][]models.Step

	for len(remaining) > 0 {
		var batch []models.Step
		for _, step := range remaining {
			ready := true
			for _, dep := range step.Dependencies {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				batch = append(batch, step)
			}
		}

		if len(batch) == 0 {
			ids := make([]string, 0, len(remaining))
			for id := range remaining {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			return nil, fmt.Errorf("%w: steps %s cannot be ordered",
				ErrCircularDependency, strings.Join(ids, ", "))
		}

		sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
		for _, step := range batch {
			done[step.ID] = true
			delete(remaining, step.ID)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// SelectAgent picks the agent kind for a step. The rule is deterministic:
// test work goes to testgen, database work to migration, the rest to
// codegen.
func SelectAgent(step models.Step) string {
	target := strings.ToLower(step.Target)
	if step.Layer == models.LayerTest || isTestTarget(target) {
		return agent.KindTestGen
	}
	if strings.Contains(target, "migration") || step.Layer == models.LayerDatabase {
		return agent.KindMigration
	}
	return agent.KindCodeGen
}

func isTestTarget(target string) bool {
	return strings.Contains(target, ".test.") ||
		strings.Contains(target, ".spec.") ||
		strings.Contains(target, "__tests__/")
}

// StepFailure records one failed step without masking the others.
type StepFailure struct {
	Step models.Step
	Err  error
}

// Output collects everything a scheduler run produced.
type Output struct {
	Results  []*agent.StepResult
	Failures []StepFailure
	Batches  int
}

// Scheduler dispatches steps to its agent map.
type Scheduler struct {
	agents map[string]agent.SubAgent
	bus    *events.Bus
	logger *slog.Logger
}

// New creates a scheduler over the three standard agents.
func New(codeGen, testGen, migration agent.SubAgent, bus *events.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		agents: map[string]agent.SubAgent{
			agent.KindCodeGen:   codeGen,
			agent.KindTestGen:   testGen,
			agent.KindMigration: migration,
		},
		bus:    bus,
		logger: logger,
	}
}

// Execute runs the steps batch by batch. Steps within a batch run
// concurrently and are settled: one failure never hides another's result.
// Batch k+1 starts only after batch k has settled. Only a non-DAG input
// is an error; per-step failures are collected in the output.
func (s *Scheduler) Execute(ctx context.Context, taskID string, steps []models.Step, genCtx agent.GenContext) (*Output, error) {
	batches, err := BuildExecutionOrder(steps)
	if err != nil {
		return nil, err
	}

	out := &Output{Batches: len(batches)}
	var mu sync.Mutex

	for i, batch := range batches {
		s.logger.Info("dispatching batch",
			"task_id", taskID, "batch", i+1, "of", len(batches), "steps", len(batch))

		var wg sync.WaitGroup
		for _, step := range batch {
			wg.Add(1)
			go func(step models.Step) {
				defer wg.Done()

				kind := SelectAgent(step)
				s.publish(events.EventAgentAction, taskID, map[string]any{
					"agent":  kind,
					"stepId": step.ID,
					"target": step.Target,
				})

				result, err := s.agents[kind].Execute(ctx, step, genCtx)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					out.Failures = append(out.Failures, StepFailure{Step: step, Err: err})
					s.logger.Warn("step failed",
						"task_id", taskID, "step_id", step.ID, "agent", kind, "error", err)
					return
				}
				out.Results = append(out.Results, result)
			}(step)
		}
		wg.Wait()
	}
	return out, nil
}

// Usage returns the per-agent token accounting.
func (s *Scheduler) Usage() map[string]agent.Usage {
	usage := make(map[string]agent.Usage, len(s.agents))
	for kind, a := range s.agents {
		usage[kind] = a.Usage()
	}
	return usage
}

// TokensUsed sums usage across agents.
func (s *Scheduler) TokensUsed() int {
	total := 0
	for _, a := range s.agents {
		total += a.Usage().TokensUsed
	}
	return total
}

// Reset clears every agent's token accounting.
func (s *Scheduler) Reset() {
	for _, a := range s.agents {
		a.Reset()
	}
}

func (s *Scheduler) publish(eventType, taskID string, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(eventType, taskID, data)
	}
}
