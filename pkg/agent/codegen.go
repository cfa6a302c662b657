package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/appforge/forge/pkg/gate"
	"github.com/appforge/forge/pkg/llm"
	"github.com/appforge/forge/pkg/models"
)

const codeGenSystemPrompt = `You are a code generation agent. Produce complete,
production-quality source code for exactly the file requested. Respond with a
single fenced code block containing the full file content and nothing else.`

// syntaxRetryCap bounds the feedback retries after a failed
// post-generation parse.
const syntaxRetryCap = 2

// CodeGenAgent generates application source files.
type CodeGenAgent struct {
	base
	logger *slog.Logger
}

// NewCodeGenAgent creates the code generation agent with the given token
// budget (0 = unlimited).
func NewCodeGenAgent(client llm.Client, tokenBudget int, logger *slog.Logger) *CodeGenAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &CodeGenAgent{
		base:   base{name: KindCodeGen, client: client, tokenBudget: tokenBudget},
		logger: logger,
	}
}

// Execute generates the step's target file. The generated content is
// parsed for syntax; on failure the parser errors are fed back into the
// prompt for up to syntaxRetryCap more attempts.
func (a *CodeGenAgent) Execute(ctx context.Context, step models.Step, genCtx GenContext) (*StepResult, error) {
	var usage llm.Usage
	prompt := a.buildPrompt(step, genCtx)

	var lastErrs []string
	for attempt := 0; attempt <= syntaxRetryCap; attempt++ {
		if attempt > 0 {
			prompt = a.buildPrompt(step, genCtx) + fmt.Sprintf(
				"\nThe previous attempt had syntax errors:\n%s\nFix them and return the corrected file.",
				strings.Join(lastErrs, "\n"))
			a.logger.Debug("retrying generation with parser feedback",
				"target", step.Target, "attempt", attempt)
		}

		resp, err := a.complete(ctx, codeGenSystemPrompt, prompt)
		if err != nil {
			return nil, err
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		content, err := extractCodeBlock(resp.Text)
		if err != nil {
			return nil, err
		}

		lastErrs = gate.CheckFileSyntax(ctx, step.Target, content)
		if len(lastErrs) == 0 {
			return &StepResult{
				Step: step,
				File: &models.FileEntry{
					Path:        step.Target,
					Action:      step.Action,
					Content:     content,
					Layer:       step.Layer,
					Description: step.Description,
				},
				Usage: usage,
			}, nil
		}
	}

	return nil, fmt.Errorf("generated %s still fails to parse after %d attempts: %s",
		step.Target, syntaxRetryCap+1, strings.Join(lastErrs, "; "))
}

func (a *CodeGenAgent) buildPrompt(step models.Step, genCtx GenContext) string {
	var sb strings.Builder
	sb.WriteString("Request: " + genCtx.Request + "\n")
	sb.WriteString(contextSection(genCtx))
	sb.WriteString(fmt.Sprintf("Task: %s the file %s.\n", step.Action, step.Target))
	if step.Description != "" {
		sb.WriteString("Details: " + step.Description + "\n")
	}
	return sb.String()
}
