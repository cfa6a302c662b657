package gate

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/appforge/forge/pkg/models"
)

// TestCoverageCheck measures what share of the bundle's testable source
// files have a matching test entry.
type TestCoverageCheck struct {
	threshold float64
}

func NewTestCoverageCheck(threshold float64) *TestCoverageCheck {
	return &TestCoverageCheck{threshold: threshold}
}

func (c *TestCoverageCheck) Name() string { return "TestCoverageCheck" }
func (c *TestCoverageCheck) Level() Level { return LevelBlocker }

var codeExtensions = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".mjs": true, ".cjs": true,
}

func (c *TestCoverageCheck) Run(_ context.Context, b *models.Bundle) (Result, error) {
	var testable []string
	for _, f := range b.Files {
		if f.Action == models.StepActionDelete {
			continue
		}
		if shouldBeTested(f.Path) {
			testable = append(testable, f.Path)
		}
	}

	if len(testable) == 0 {
		return Result{
			Passed:  true,
			Message: "no testable source files in bundle",
			Details: map[string]any{"coverage": 100.0, "threshold": c.threshold},
		}, nil
	}

	covered := 0
	var uncovered []string
	for _, src := range testable {
		if isCovered(src, b.Tests) {
			covered++
		} else {
			uncovered = append(uncovered, src)
		}
	}

	coverage := float64(covered) / float64(len(testable)) * 100
	details := map[string]any{
		"coverage":  coverage,
		"threshold": c.threshold,
		"testable":  len(testable),
		"covered":   covered,
	}
	if len(uncovered) > 0 {
		details["uncovered"] = uncovered
	}

	if coverage < c.threshold {
		return Result{
			Passed:  false,
			Message: fmt.Sprintf("test coverage %.1f%% is below threshold %.1f%%", coverage, c.threshold),
			Details: details,
		}, nil
	}
	return Result{
		Passed:  true,
		Message: fmt.Sprintf("test coverage %.1f%% meets threshold %.1f%%", coverage, c.threshold),
		Details: details,
	}, nil
}

// shouldBeTested keeps code-like files that are neither tests themselves
// nor configuration.
func shouldBeTested(filePath string) bool {
	if !codeExtensions[strings.ToLower(path.Ext(filePath))] {
		return false
	}
	if isTestFile(filePath) {
		return false
	}
	base := strings.ToLower(path.Base(filePath))
	if strings.Contains(base, "config") || strings.Contains(base, ".rc") {
		return false
	}
	return true
}

func isTestFile(filePath string) bool {
	base := strings.ToLower(path.Base(filePath))
	return strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") ||
		strings.Contains(filePath, "__tests__/")
}

// isCovered accepts an explicit sourceFile link or the conventional test
// file naming for the source's base name.
func isCovered(src string, tests []models.TestEntry) bool {
	ext := path.Ext(src)
	stem := strings.TrimSuffix(path.Base(src), ext)

	for _, t := range tests {
		if t.SourceFile == src {
			return true
		}
		testBase := path.Base(t.Path)
		for _, pattern := range []string{stem + ".test.", stem + ".spec."} {
			if strings.HasPrefix(testBase, pattern) {
				return true
			}
		}
	}
	return false
}
