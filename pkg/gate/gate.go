// Package gate runs the ordered validator chain between a built bundle
// and a signed bundle. Blocker failures stop release; warnings are
// reported but never flip the outcome.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/appforge/forge/pkg/events"
	"github.com/appforge/forge/pkg/models"
)

// Level separates checks that stop a release from checks that only warn.
type Level string

const (
	LevelBlocker Level = "blocker"
	LevelWarning Level = "warning"
)

// Result is the shared outcome shape every check returns.
type Result struct {
	Passed  bool           `json:"passed"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Check is one validator in the chain.
type Check interface {
	Name() string
	Level() Level
	Run(ctx context.Context, b *models.Bundle) (Result, error)
}

// Outcome pairs a check with its result in execution order.
type Outcome struct {
	Check  string `json:"check"`
	Level  Level  `json:"level"`
	Result Result `json:"result"`
}

// Summary is the aggregate gate verdict: passed iff no blocker failed.
type Summary struct {
	Passed   bool                  `json:"passed"`
	Outcomes []Outcome             `json:"outcomes"`
	Blockers []models.CheckFinding `json:"blockers,omitempty"`
	Warnings []models.CheckFinding `json:"warnings,omitempty"`
	Duration time.Duration         `json:"-"`
}

// Config tunes the gate.
type Config struct {
	// CoverageThreshold is the minimum test coverage percentage.
	// Zero is honored as "no minimum"; negative means use the default.
	CoverageThreshold float64

	// SkipChecks names checks to leave out of the chain.
	SkipChecks []string
}

// DefaultCoverageThreshold is the stock minimum coverage percentage.
const DefaultCoverageThreshold = 80.0

// Gate is the ordered validator chain.
type Gate struct {
	checks []Check
	bus    *events.Bus
	logger *slog.Logger
}

// New builds the gate with the six standard checks in their fixed order,
// minus any named in cfg.SkipChecks.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *Gate {
	if cfg.CoverageThreshold < 0 {
		cfg.CoverageThreshold = DefaultCoverageThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}

	skip := make(map[string]bool, len(cfg.SkipChecks))
	for _, name := range cfg.SkipChecks {
		skip[name] = true
	}

	all := []Check{
		NewSyntaxCheck(),
		NewDependencyCheck(),
		NewSchemaCheck(),
		NewTestCoverageCheck(cfg.CoverageThreshold),
		NewSecurityCheck(),
		NewMigrationReversibilityCheck(),
	}
	var checks []Check
	for _, c := range all {
		if !skip[c.Name()] {
			checks = append(checks, c)
		}
	}
	return &Gate{checks: checks, bus: bus, logger: logger}
}

// Validate runs the chain sequentially against the bundle. A check that
// returns an error counts as a failed blocker attributed to that check.
// Per-check and summary events carry the task id.
func (g *Gate) Validate(ctx context.Context, taskID string, b *models.Bundle) *Summary {
	start := time.Now()
	summary := &Summary{Passed: true}

	for _, check := range g.checks {
		g.publish(events.EventValidationCheckStart, taskID, map[string]any{
			"check": check.Name(),
			"level": string(check.Level()),
		})

		result, err := check.Run(ctx, b)
		if err != nil {
			result = Result{
				Passed:  false,
				Message: fmt.Sprintf("check failed to run: %v", err),
			}
		}

		outcome := Outcome{Check: check.Name(), Level: check.Level(), Result: result}
		summary.Outcomes = append(summary.Outcomes, outcome)

		if !result.Passed {
			finding := models.CheckFinding{Check: check.Name(), Message: result.Message}
			level := check.Level()
			if err != nil {
				level = LevelBlocker
			}
			if level == LevelBlocker {
				summary.Passed = false
				summary.Blockers = append(summary.Blockers, finding)
			} else {
				summary.Warnings = append(summary.Warnings, finding)
			}
		}

		g.logger.Debug("gate check finished",
			"check", check.Name(), "passed", result.Passed, "message", result.Message)
		g.publish(events.EventValidationCheckComplete, taskID, map[string]any{
			"check":   check.Name(),
			"passed":  result.Passed,
			"message": result.Message,
		})
	}

	summary.Duration = time.Since(start)
	g.publish(events.EventValidationSummary, taskID, map[string]any{
		"passed":   summary.Passed,
		"blockers": len(summary.Blockers),
		"warnings": len(summary.Warnings),
	})
	return summary
}

func (g *Gate) publish(eventType, taskID string, data map[string]any) {
	if g.bus != nil {
		g.bus.Publish(eventType, taskID, data)
	}
}
