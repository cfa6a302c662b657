package gate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/appforge/forge/pkg/models"
)

// MigrationReversibilityCheck requires every migration to carry reverse
// SQL that undoes its forward operations. Only a closed set of DDL
// operations is recognized; anything else is unknown and assumed fine.
type MigrationReversibilityCheck struct{}

func NewMigrationReversibilityCheck() *MigrationReversibilityCheck {
	return &MigrationReversibilityCheck{}
}

func (c *MigrationReversibilityCheck) Name() string { return "MigrationReversibilityCheck" }
func (c *MigrationReversibilityCheck) Level() Level { return LevelBlocker }

type sqlOp struct {
	kind   string
	target string
}

var sqlOpPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"CREATE TABLE", regexp.MustCompile(`(?i)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?["'` + "`" + `]?(\w+)`)},
	{"DROP TABLE", regexp.MustCompile(`(?i)DROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?["'` + "`" + `]?(\w+)`)},
	{"ADD COLUMN", regexp.MustCompile(`(?i)ADD\s+COLUMN\s+["'` + "`" + `]?(\w+)`)},
	{"DROP COLUMN", regexp.MustCompile(`(?i)DROP\s+COLUMN\s+(?:IF\s+EXISTS\s+)?["'` + "`" + `]?(\w+)`)},
	{"CREATE INDEX", regexp.MustCompile(`(?i)CREATE\s+(?:UNIQUE\s+)?INDEX\s+(?:IF\s+NOT\s+EXISTS\s+)?["'` + "`" + `]?(\w+)`)},
	{"DROP INDEX", regexp.MustCompile(`(?i)DROP\s+INDEX\s+(?:IF\s+EXISTS\s+)?["'` + "`" + `]?(\w+)`)},
}

var sqlOpInverse = map[string]string{
	"CREATE TABLE": "DROP TABLE",
	"DROP TABLE":   "CREATE TABLE",
	"ADD COLUMN":   "DROP COLUMN",
	"DROP COLUMN":  "ADD COLUMN",
	"CREATE INDEX": "DROP INDEX",
	"DROP INDEX":   "CREATE INDEX",
}

func (c *MigrationReversibilityCheck) Run(_ context.Context, b *models.Bundle) (Result, error) {
	var errs []string

	for _, mig := range b.Migrations {
		if strings.TrimSpace(mig.SQLForward) == "" {
			errs = append(errs, fmt.Sprintf("migration %s: forward SQL is empty", mig.ID))
			continue
		}
		if strings.TrimSpace(mig.SQLReverse) == "" {
			errs = append(errs, fmt.Sprintf("migration %s: reverse SQL is empty", mig.ID))
			continue
		}

		forward := extractSQLOps(mig.SQLForward)
		reverse := extractSQLOps(mig.SQLReverse)

		for _, op := range forward {
			if !containsOp(reverse, sqlOp{kind: sqlOpInverse[op.kind], target: op.target}) {
				errs = append(errs, fmt.Sprintf(
					"migration %s: forward %s %s has no %s in reverse",
					mig.ID, op.kind, op.target, sqlOpInverse[op.kind]))
			}
		}
		for _, op := range reverse {
			if !containsOp(forward, sqlOp{kind: sqlOpInverse[op.kind], target: op.target}) {
				errs = append(errs, fmt.Sprintf(
					"migration %s: reverse %s %s has no %s in forward",
					mig.ID, op.kind, op.target, sqlOpInverse[op.kind]))
			}
		}
	}

	if len(errs) > 0 {
		return Result{
			Passed:  false,
			Message: fmt.Sprintf("%d reversibility problem(s)", len(errs)),
			Details: map[string]any{"errors": errs},
		}, nil
	}
	return Result{Passed: true, Message: "all migrations are reversible"}, nil
}

func extractSQLOps(sql string) []sqlOp {
	var ops []sqlOp
	for _, p := range sqlOpPatterns {
		for _, match := range p.re.FindAllStringSubmatch(sql, -1) {
			ops = append(ops, sqlOp{kind: p.kind, target: strings.ToLower(match[1])})
		}
	}
	return ops
}

func containsOp(ops []sqlOp, want sqlOp) bool {
	for _, op := range ops {
		if op.kind == want.kind && op.target == want.target {
			return true
		}
	}
	return false
}
