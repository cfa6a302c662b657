// Package agent holds the role-specific sub-agents the scheduler
// dispatches plan steps to. Each agent turns one step into a generated
// artifact through the LLM client, under its own token budget.
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/appforge/forge/pkg/llm"
	"github.com/appforge/forge/pkg/models"
)

// Agent kind names; the scheduler keys its agent map on these.
const (
	KindCodeGen   = "codegen"
	KindTestGen   = "testgen"
	KindMigration = "migration"
)

// GenContext is the shared generation context handed to every step
// execution: the original request, the approved plan, and the workspace
// files the client supplied.
type GenContext struct {
	Request  string
	Plan     *models.Plan
	Files    []models.ContextFile
	Feedback []string
}

// StepResult is one executed step's artifact. Exactly one of File, Test,
// Migration is set, matching the agent kind that produced it.
type StepResult struct {
	Step      models.Step
	File      *models.FileEntry
	Test      *models.TestEntry
	Migration *models.MigrationEntry
	Usage     llm.Usage
}

// Usage is one agent's token accounting snapshot.
type Usage struct {
	TokensUsed  int `json:"tokens_used"`
	TokenBudget int `json:"token_budget"`
}

// SubAgent executes one plan step end-to-end.
type SubAgent interface {
	Name() string
	Execute(ctx context.Context, step models.Step, genCtx GenContext) (*StepResult, error)
	Usage() Usage
	Reset()
}

// base carries the shared LLM access and per-agent token accounting.
type base struct {
	name   string
	client llm.Client

	mu          sync.Mutex
	tokensUsed  int
	tokenBudget int
}

func (b *base) Name() string { return b.name }

func (b *base) Usage() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Usage{TokensUsed: b.tokensUsed, TokenBudget: b.tokenBudget}
}

func (b *base) Reset() {
	b.mu.Lock()
	b.tokensUsed = 0
	b.mu.Unlock()
}

// complete runs one LLM call and records its usage against the agent
// budget. The budget is checked before the call so an exhausted agent
// fails fast with a token_limit-classed error.
func (b *base) complete(ctx context.Context, system, prompt string) (*llm.Response, error) {
	b.mu.Lock()
	if b.tokenBudget > 0 && b.tokensUsed >= b.tokenBudget {
		used, budget := b.tokensUsed, b.tokenBudget
		b.mu.Unlock()
		return nil, fmt.Errorf("agent %s token limit reached: %d of %d used", b.name, used, budget)
	}
	b.mu.Unlock()

	resp, err := b.client.Complete(ctx, system, prompt)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.tokensUsed += resp.Usage.TotalTokens
	b.mu.Unlock()
	return resp, nil
}

var codeBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9+-]*\\n(.*?)\\n?```")

// extractCodeBlock pulls the first fenced code block out of a model
// response. A response without a fence is taken verbatim.
func extractCodeBlock(response string) (string, error) {
	if match := codeBlockRe.FindStringSubmatch(response); match != nil {
		return match[1], nil
	}
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return "", fmt.Errorf("could not parse a code block from the model response")
	}
	return trimmed, nil
}

// extractCodeBlocks returns every fenced block, in order.
func extractCodeBlocks(response string) []string {
	var blocks []string
	for _, match := range codeBlockRe.FindAllStringSubmatch(response, -1) {
		blocks = append(blocks, match[1])
	}
	return blocks
}

// contextSection renders the workspace files for a prompt, most recent
// feedback last so the model sees it closest to the instruction.
func contextSection(genCtx GenContext) string {
	var sb strings.Builder
	if len(genCtx.Files) > 0 {
		sb.WriteString("Workspace files:\n")
		for _, f := range genCtx.Files {
			sb.WriteString(fmt.Sprintf("--- %s ---\n%s\n", f.Path, f.Content))
		}
	}
	if genCtx.Plan != nil && genCtx.Plan.Summary != "" {
		sb.WriteString("Plan summary: " + genCtx.Plan.Summary + "\n")
	}
	for _, fb := range genCtx.Feedback {
		sb.WriteString("Previous attempt feedback: " + fb + "\n")
	}
	return sb.String()
}
