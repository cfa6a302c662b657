package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/appforge/forge/pkg/llm"
	"github.com/appforge/forge/pkg/models"
)

const testGenSystemPrompt = `You are a test generation agent. Write a complete
test file for the described source file using the project's test framework.
Respond with a single fenced code block containing the full test file and
nothing else.`

// DefaultTestFramework labels generated tests when the plan names none.
const DefaultTestFramework = "jest"

// TestGenAgent generates test files for source under test.
type TestGenAgent struct {
	base
	framework string
	logger    *slog.Logger
}

// NewTestGenAgent creates the test generation agent.
func NewTestGenAgent(client llm.Client, tokenBudget int, logger *slog.Logger) *TestGenAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &TestGenAgent{
		base:      base{name: KindTestGen, client: client, tokenBudget: tokenBudget},
		framework: DefaultTestFramework,
		logger:    logger,
	}
}

// Execute generates the step's test file. The covered source file is
// inferred from the test file name when the step does not name one.
func (a *TestGenAgent) Execute(ctx context.Context, step models.Step, genCtx GenContext) (*StepResult, error) {
	var sb strings.Builder
	sb.WriteString("Request: " + genCtx.Request + "\n")
	sb.WriteString(contextSection(genCtx))
	sb.WriteString(fmt.Sprintf("Task: %s the test file %s using %s.\n", step.Action, step.Target, a.framework))
	if step.Description != "" {
		sb.WriteString("Details: " + step.Description + "\n")
	}

	resp, err := a.complete(ctx, testGenSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	content, err := extractCodeBlock(resp.Text)
	if err != nil {
		return nil, err
	}

	return &StepResult{
		Step: step,
		Test: &models.TestEntry{
			Path:       step.Target,
			Content:    content,
			SourceFile: sourceForTest(step.Target),
			Framework:  a.framework,
		},
		Usage: resp.Usage,
	}, nil
}

// sourceForTest strips the conventional test markers from a test path to
// name the file it covers.
func sourceForTest(testPath string) string {
	dir := path.Dir(testPath)
	base := path.Base(testPath)
	for _, marker := range []string{".test.", ".spec."} {
		if idx := strings.Index(base, marker); idx >= 0 {
			ext := path.Ext(base)
			return path.Join(dir, base[:idx]+ext)
		}
	}
	return ""
}
