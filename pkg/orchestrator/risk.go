package orchestrator

import (
	"path"
	"strings"

	"github.com/appforge/forge/pkg/models"
)

// criticalConfigFiles are the files whose modification alone bumps risk.
var criticalConfigFiles = []string{
	"package.json", "tsconfig.json", ".env",
}

var criticalConfigPrefixes = []string{
	"webpack", "vite.config",
}

// AssessRisk derives the plan's risk level from additive bumps. High
// complexity forces high outright; otherwise zero bumps is low, one is
// medium, two or more is high. Medium and high require approval.
func AssessRisk(p *models.Plan) models.RiskLevel {
	if p == nil {
		return models.RiskLow
	}
	if p.Complexity == models.ComplexityHigh {
		return models.RiskHigh
	}

	bumps := 0
	if len(p.ProposedMigrations) > 0 {
		bumps++
	}
	if len(p.FilesToChange) > 10 {
		bumps++
	}
	if touchesCriticalConfig(p.FilesToChange) {
		bumps++
	}
	if len(p.Risks) > 0 {
		bumps++
	}
	if p.DependencyChanges {
		bumps++
	}

	switch {
	case bumps == 0:
		return models.RiskLow
	case bumps == 1:
		return models.RiskMedium
	default:
		return models.RiskHigh
	}
}

// RequiresApproval reports whether the risk level needs the approval
// checkpoint.
func RequiresApproval(risk models.RiskLevel) bool {
	return risk == models.RiskMedium || risk == models.RiskHigh
}

func touchesCriticalConfig(files []string) bool {
	for _, f := range files {
		base := strings.ToLower(path.Base(f))
		for _, name := range criticalConfigFiles {
			if base == name {
				return true
			}
		}
		for _, prefix := range criticalConfigPrefixes {
			if strings.HasPrefix(base, prefix) {
				return true
			}
		}
	}
	return false
}
