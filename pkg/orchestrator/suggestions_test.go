package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/forge/pkg/models"
)

func TestBuildSuggestions(t *testing.T) {
	blockers := []models.CheckFinding{
		{Check: "SyntaxCheck", Message: "1 file(s) with syntax errors"},
		{Check: "DependencyCheck", Message: "unresolved import"},
		{Check: "TestCoverageCheck", Message: "coverage 40% below threshold 80%"},
		{Check: "MigrationReversibilityCheck", Message: "missing inverse"},
		{Check: "SomethingNew", Message: "unexpected finding"},
	}

	suggestions := BuildSuggestions(blockers)
	require.Len(t, suggestions, len(blockers))

	for i, s := range suggestions {
		assert.Equal(t, blockers[i].Check, s.Check)
		assert.NotEmpty(t, s.Title)
		assert.NotEmpty(t, s.Description)
		assert.NotEmpty(t, s.Actions)
	}

	// The fallback carries the blocker message through.
	assert.Equal(t, "unexpected finding", suggestions[4].Description)

	assert.Contains(t, suggestions[2].Actions[1], "lower coverage threshold")
	assert.Contains(t, suggestions[3].Actions[0], "reverse statement")
}

func TestBuildSuggestions_Empty(t *testing.T) {
	assert.Empty(t, BuildSuggestions(nil))
}
