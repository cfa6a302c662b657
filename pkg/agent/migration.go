package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/appforge/forge/pkg/llm"
	"github.com/appforge/forge/pkg/models"
)

const migrationSystemPrompt = `You are a database migration agent. Produce a
reversible SQL migration for the described change. Respond with exactly two
fenced sql code blocks: the first is the forward migration, the second is the
reverse migration that undoes it completely.`

// MigrationAgent generates forward and reverse SQL migrations.
type MigrationAgent struct {
	base
	logger *slog.Logger
}

// NewMigrationAgent creates the migration agent.
func NewMigrationAgent(client llm.Client, tokenBudget int, logger *slog.Logger) *MigrationAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationAgent{
		base:   base{name: KindMigration, client: client, tokenBudget: tokenBudget},
		logger: logger,
	}
}

// Execute generates the step's migration. The response must carry both a
// forward and a reverse SQL block.
func (a *MigrationAgent) Execute(ctx context.Context, step models.Step, genCtx GenContext) (*StepResult, error) {
	var sb strings.Builder
	sb.WriteString("Request: " + genCtx.Request + "\n")
	sb.WriteString(contextSection(genCtx))
	sb.WriteString("Task: write a reversible SQL migration: " + step.Description + "\n")
	sb.WriteString("Target: " + step.Target + "\n")

	resp, err := a.complete(ctx, migrationSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	forward, reverse, err := splitMigration(resp.Text)
	if err != nil {
		return nil, err
	}

	return &StepResult{
		Step: step,
		Migration: &models.MigrationEntry{
			ID:           uuid.New().String(),
			Description:  step.Description,
			SQLForward:   forward,
			SQLReverse:   reverse,
			DataLossRisk: assessDataLossRisk(forward),
		},
		Usage: resp.Usage,
	}, nil
}

// splitMigration takes the first two fenced blocks as forward and reverse
// SQL. A single block with an explicit reverse marker is also accepted.
func splitMigration(response string) (forward, reverse string, err error) {
	blocks := extractCodeBlocks(response)
	switch {
	case len(blocks) >= 2:
		return blocks[0], blocks[1], nil
	case len(blocks) == 1:
		parts := splitOnReverseMarker(blocks[0])
		if len(parts) == 2 {
			return parts[0], parts[1], nil
		}
	}
	return "", "", fmt.Errorf("could not parse forward and reverse SQL from the model response")
}

func splitOnReverseMarker(sql string) []string {
	lower := strings.ToLower(sql)
	for _, marker := range []string{"-- reverse", "-- down", "-- rollback"} {
		if idx := strings.Index(lower, marker); idx >= 0 {
			return []string{
				strings.TrimSpace(sql[:idx]),
				strings.TrimSpace(sql[idx+len(marker):]),
			}
		}
	}
	return []string{sql}
}

// assessDataLossRisk flags destructive forward operations.
func assessDataLossRisk(forward string) models.RiskLevel {
	lower := strings.ToLower(forward)
	switch {
	case strings.Contains(lower, "drop table"), strings.Contains(lower, "truncate"):
		return models.RiskHigh
	case strings.Contains(lower, "drop column"), strings.Contains(lower, "delete from"):
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}
