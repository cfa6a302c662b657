package gate

import (
	"context"
	"fmt"
	"regexp"

	"github.com/appforge/forge/pkg/models"
)

// SecurityCheck scans bundle content for hardcoded credentials and
// dangerous constructs. It reports findings by severity but never blocks.
type SecurityCheck struct{}

func NewSecurityCheck() *SecurityCheck { return &SecurityCheck{} }

func (c *SecurityCheck) Name() string { return "SecurityCheck" }
func (c *SecurityCheck) Level() Level { return LevelWarning }

type securityPattern struct {
	name     string
	severity string
	re       *regexp.Regexp
}

var securityPatterns = []securityPattern{
	{"hardcoded API key", "high",
		regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*['"][A-Za-z0-9_\-]{16,}['"]`)},
	{"hardcoded secret", "high",
		regexp.MustCompile(`(?i)(secret|password|passwd)\s*[:=]\s*['"][^'"]{8,}['"]`)},
	{"private key material", "high",
		regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`)},
	{"AWS access key", "high",
		regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"database URI with credentials", "high",
		regexp.MustCompile(`(?i)(postgres|postgresql|mysql|mongodb(\+srv)?)://[^/\s:]+:[^@\s]+@`)},
	{"eval call", "medium",
		regexp.MustCompile(`\beval\s*\(`)},
	{"dynamic Function constructor", "medium",
		regexp.MustCompile(`\bnew\s+Function\s*\(`)},
	{"innerHTML assignment", "medium",
		regexp.MustCompile(`\.innerHTML\s*=`)},
	{"document.write", "medium",
		regexp.MustCompile(`\bdocument\.write\s*\(`)},
	{"SQL string concatenation", "medium",
		regexp.MustCompile(`(?i)['"]\s*(SELECT|INSERT|UPDATE|DELETE)\b[^'"]*['"]\s*\+|\$\{[^}]*\}[^'"]*\b(WHERE|VALUES|FROM)\b`)},
}

// Finding is one security observation attributed to a file.
type Finding struct {
	File     string `json:"file"`
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
}

func (c *SecurityCheck) Run(_ context.Context, b *models.Bundle) (Result, error) {
	var findings []Finding

	scan := func(filePath, content string) {
		for _, p := range securityPatterns {
			if p.re.MatchString(content) {
				findings = append(findings, Finding{
					File:     filePath,
					Pattern:  p.name,
					Severity: p.severity,
				})
			}
		}
	}
	for _, f := range b.Files {
		if f.Action != models.StepActionDelete {
			scan(f.Path, f.Content)
		}
	}
	for _, t := range b.Tests {
		scan(t.Path, t.Content)
	}

	if len(findings) > 0 {
		return Result{
			Passed:  false,
			Message: fmt.Sprintf("%d security finding(s)", len(findings)),
			Details: map[string]any{"findings": findings},
		}, nil
	}
	return Result{Passed: true, Message: "no security findings"}, nil
}
