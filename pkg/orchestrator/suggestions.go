package orchestrator

import "github.com/appforge/forge/pkg/models"

// BuildSuggestions maps each failing blocker onto a structured
// remediation hint by check name.
func BuildSuggestions(blockers []models.CheckFinding) []models.FixSuggestion {
	var suggestions []models.FixSuggestion
	for _, blocker := range blockers {
		suggestions = append(suggestions, suggestionFor(blocker))
	}
	return suggestions
}

func suggestionFor(blocker models.CheckFinding) models.FixSuggestion {
	switch blocker.Check {
	case "SyntaxCheck":
		return models.FixSuggestion{
			Check:       blocker.Check,
			Title:       "Fix syntax errors in generated files",
			Description: "One or more generated files do not parse. Regenerating with more workspace context usually resolves truncated or malformed output.",
			Actions: []string{
				"Regenerate the failing files with fix instructions",
				"Include the surrounding source files in the request context",
			},
		}
	case "DependencyCheck":
		return models.FixSuggestion{
			Check:       blocker.Check,
			Title:       "Resolve missing imports",
			Description: "Relative imports reference files that are not part of the bundle.",
			Actions: []string{
				"Add the missing files to the plan",
				"Correct the import paths to match the generated file layout",
				"Install external packages referenced by the code",
			},
		}
	case "SchemaCheck":
		return models.FixSuggestion{
			Check:       blocker.Check,
			Title:       "Complete required bundle fields",
			Description: "The bundle is missing required fields or carries values outside the allowed enums.",
			Actions: []string{
				"Ensure every file entry has a path and a valid action",
				"Ensure every plan step has an id, action, and target",
			},
		}
	case "TestCoverageCheck":
		return models.FixSuggestion{
			Check:       blocker.Check,
			Title:       "Raise test coverage",
			Description: "Too few source files have matching tests.",
			Actions: []string{
				"Regenerate with test steps for the uncovered files",
				"Retry validation with a lower coverage threshold if acceptable",
			},
		}
	case "MigrationReversibilityCheck":
		return models.FixSuggestion{
			Check:       blocker.Check,
			Title:       "Make migrations reversible",
			Description: "One or more migrations lack reverse SQL that undoes their forward operations.",
			Actions: []string{
				"Add a reverse statement for every forward DDL operation",
				"Regenerate the migration with explicit rollback instructions",
			},
		}
	default:
		return models.FixSuggestion{
			Check:       blocker.Check,
			Title:       "Review and regenerate",
			Description: blocker.Message,
			Actions: []string{
				"Review the check output and regenerate with fix instructions",
			},
		}
	}
}
