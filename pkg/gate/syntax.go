package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/appforge/forge/pkg/models"
)

// SyntaxCheck validates file content by extension: the JS/TS family with
// a real parser, JSON with the JSON decoder, CSS with a balance scan.
// Unknown file types pass.
type SyntaxCheck struct{}

func NewSyntaxCheck() *SyntaxCheck { return &SyntaxCheck{} }

func (c *SyntaxCheck) Name() string { return "SyntaxCheck" }
func (c *SyntaxCheck) Level() Level { return LevelBlocker }

func (c *SyntaxCheck) Run(ctx context.Context, b *models.Bundle) (Result, error) {
	var errs []string

	validate := func(path, content string) {
		if fileErrs := validateSyntax(ctx, path, content); len(fileErrs) > 0 {
			errs = append(errs, fileErrs...)
		}
	}
	for _, f := range b.Files {
		if f.Action == models.StepActionDelete {
			continue
		}
		validate(f.Path, f.Content)
	}
	for _, t := range b.Tests {
		validate(t.Path, t.Content)
	}

	if len(errs) > 0 {
		return Result{
			Passed:  false,
			Message: fmt.Sprintf("%d file(s) failed syntax validation", countFiles(errs)),
			Details: map[string]any{"errors": errs},
		}, nil
	}
	return Result{Passed: true, Message: "all files parsed cleanly"}, nil
}

func countFiles(errs []string) int {
	seen := make(map[string]bool)
	for _, e := range errs {
		if idx := strings.Index(e, ":"); idx > 0 {
			seen[e[:idx]] = true
		}
	}
	if len(seen) == 0 {
		return len(errs)
	}
	return len(seen)
}

// CheckFileSyntax validates a single file's content by extension and
// returns the errors found. Used by the generation agents for their
// post-generation validation pass.
func CheckFileSyntax(ctx context.Context, path, content string) []string {
	return validateSyntax(ctx, path, content)
}

func validateSyntax(ctx context.Context, path, content string) []string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx":
		return parseScript(ctx, path, content)
	case ".json":
		if !json.Valid([]byte(content)) {
			return []string{path + ": invalid JSON"}
		}
		return nil
	case ".css":
		return scanCSS(path, content)
	default:
		return nil
	}
}

func scriptLanguage(path string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsx":
		return tsx.GetLanguage()
	case ".ts":
		return typescript.GetLanguage()
	default:
		return javascript.GetLanguage()
	}
}

func parseScript(ctx context.Context, path, content string) []string {
	parser := sitter.NewParser()
	parser.SetLanguage(scriptLanguage(path))

	tree, err := parser.ParseCtx(ctx, nil, []byte(content))
	if err != nil {
		return []string{fmt.Sprintf("%s: parse failed: %v", path, err)}
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}

	var errs []string
	collectParseErrors(root, path, &errs)
	if len(errs) == 0 {
		errs = append(errs, path+": syntax error")
	}
	return errs
}

func collectParseErrors(node *sitter.Node, path string, errs *[]string) {
	if node.IsError() {
		point := node.StartPoint()
		*errs = append(*errs, fmt.Sprintf("%s: syntax error at line %d, column %d",
			path, point.Row+1, point.Column+1))
		return
	}
	if node.IsMissing() {
		point := node.StartPoint()
		*errs = append(*errs, fmt.Sprintf("%s: missing %s at line %d, column %d",
			path, node.Type(), point.Row+1, point.Column+1))
		return
	}
	if !node.HasError() {
		return
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectParseErrors(node.Child(i), path, errs)
	}
}

// scanCSS checks brace and parenthesis balance, skipping comments and
// string literals.
func scanCSS(path, content string) []string {
	var braces, parens int
	inComment := false
	var inString byte

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if inComment {
			if ch == '*' && i+1 < len(content) && content[i+1] == '/' {
				inComment = false
				i++
			}
			continue
		}
		if inString != 0 {
			if ch == '\\' {
				i++
			} else if ch == inString {
				inString = 0
			}
			continue
		}

		switch ch {
		case '/':
			if i+1 < len(content) && content[i+1] == '*' {
				inComment = true
				i++
			}
		case '"', '\'':
			inString = ch
		case '{':
			braces++
		case '}':
			braces--
			if braces < 0 {
				return []string{path + ": unmatched closing brace"}
			}
		case '(':
			parens++
		case ')':
			parens--
			if parens < 0 {
				return []string{path + ": unmatched closing parenthesis"}
			}
		}
	}

	var errs []string
	if braces != 0 {
		errs = append(errs, path+": unbalanced braces")
	}
	if parens != 0 {
		errs = append(errs, path+": unbalanced parentheses")
	}
	return errs
}
