package gate

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/appforge/forge/pkg/models"
)

// DependencyCheck resolves every relative import in the bundle's JS/TS
// files against the bundle's own file list. Non-relative imports are
// external packages and assumed resolvable.
type DependencyCheck struct{}

func NewDependencyCheck() *DependencyCheck { return &DependencyCheck{} }

func (c *DependencyCheck) Name() string { return "DependencyCheck" }
func (c *DependencyCheck) Level() Level { return LevelBlocker }

var (
	staticImportRe  = regexp.MustCompile(`(?m)^\s*import\s+(?:[\w*{}\s,$]+\s+from\s+)?['"]([^'"]+)['"]`)
	dynamicImportRe = regexp.MustCompile(`import\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	requireRe       = regexp.MustCompile(`require\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	exportFromRe    = regexp.MustCompile(`(?m)^\s*export\s+(?:\*|{[^}]*})\s+from\s+['"]([^'"]+)['"]`)
)

// resolutionExtensions is the search order for extensionless imports.
var resolutionExtensions = []string{"", ".js", ".jsx", ".ts", ".tsx", ".json"}

func (c *DependencyCheck) Run(_ context.Context, b *models.Bundle) (Result, error) {
	known := make(map[string]bool, len(b.Files)+len(b.Tests))
	for _, f := range b.Files {
		if f.Action != models.StepActionDelete {
			known[path.Clean(f.Path)] = true
		}
	}
	for _, t := range b.Tests {
		known[path.Clean(t.Path)] = true
	}

	var missing []string
	checkImports := func(filePath, content string) {
		if !isScriptFile(filePath) {
			return
		}
		for _, imp := range extractImports(content) {
			if !strings.HasPrefix(imp, ".") {
				continue
			}
			if !resolves(known, filePath, imp) {
				missing = append(missing, fmt.Sprintf("%s imports unresolvable %q", filePath, imp))
			}
		}
	}
	for _, f := range b.Files {
		if f.Action != models.StepActionDelete {
			checkImports(f.Path, f.Content)
		}
	}
	for _, t := range b.Tests {
		checkImports(t.Path, t.Content)
	}

	if len(missing) > 0 {
		return Result{
			Passed:  false,
			Message: fmt.Sprintf("%d unresolvable import(s)", len(missing)),
			Details: map[string]any{"missing": missing},
		}, nil
	}
	return Result{Passed: true, Message: "all relative imports resolve"}, nil
}

func isScriptFile(filePath string) bool {
	switch strings.ToLower(path.Ext(filePath)) {
	case ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs":
		return true
	}
	return false
}

func extractImports(content string) []string {
	var imports []string
	for _, re := range []*regexp.Regexp{staticImportRe, dynamicImportRe, requireRe, exportFromRe} {
		for _, match := range re.FindAllStringSubmatch(content, -1) {
			imports = append(imports, match[1])
		}
	}
	return imports
}

// resolves tries the import against the file list with the extension
// search order, then as a directory with an index file.
func resolves(known map[string]bool, fromFile, imp string) bool {
	base := path.Clean(path.Join(path.Dir(fromFile), imp))

	for _, ext := range resolutionExtensions {
		if known[base+ext] {
			return true
		}
	}
	for _, ext := range resolutionExtensions[1:] {
		if known[path.Join(base, "index"+ext)] {
			return true
		}
	}
	return false
}
