package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/forge/pkg/models"
)

func TestBuild_FillsChecksumsAndMetadata(t *testing.T) {
	b := Build(Input{
		Files: []models.FileEntry{
			{Path: "src/app.js", Action: models.StepActionCreate, Content: "export const x = 1;\n"},
		},
		Tests: []models.TestEntry{
			{Path: "src/app.test.js", Content: "test('x', () => {});\n", SourceFile: "src/app.js"},
		},
		Migrations: []models.MigrationEntry{
			{ID: "m1", SQLForward: "CREATE TABLE t (id INT);", SQLReverse: "DROP TABLE t;"},
		},
		TokensUsed: 420,
		Duration:   1500 * time.Millisecond,
	})

	assert.NotEmpty(t, b.ID)
	assert.NotEmpty(t, b.CreatedAt)

	wantSum := sha256.Sum256([]byte("export const x = 1;\n"))
	assert.Equal(t, hex.EncodeToString(wantSum[:]), b.Files[0].Checksum)
	assert.Equal(t, len("export const x = 1;\n"), b.Files[0].Size)
	assert.NotEmpty(t, b.Tests[0].Checksum)
	assert.NotEmpty(t, b.Migrations[0].ChecksumForward)
	assert.NotEmpty(t, b.Migrations[0].ChecksumReverse)

	assert.Equal(t, 420, b.Metadata.TokensUsed)
	assert.Equal(t, int64(1500), b.Metadata.GenerationMs)
	assert.Equal(t, 1, b.Metadata.FileCount)
	assert.Equal(t, 1, b.Metadata.TestCount)
	assert.Equal(t, 1, b.Metadata.MigrationCount)
}

func TestBuild_ClassifiesBundleType(t *testing.T) {
	entry := func(action models.StepAction) models.FileEntry {
		return models.FileEntry{Path: "f", Action: action, Content: "x"}
	}

	tests := []struct {
		name  string
		files []models.FileEntry
		want  models.BundleType
	}{
		{
			"mostly creates is full",
			[]models.FileEntry{
				entry(models.StepActionCreate), entry(models.StepActionCreate),
				entry(models.StepActionCreate), entry(models.StepActionCreate),
				entry(models.StepActionCreate),
			},
			models.BundleTypeFull,
		},
		{
			"creates plus modifies is feature",
			[]models.FileEntry{
				entry(models.StepActionCreate), entry(models.StepActionModify),
			},
			models.BundleTypeFeature,
		},
		{
			"only modifies is patch",
			[]models.FileEntry{entry(models.StepActionModify)},
			models.BundleTypePatch,
		},
		{
			"deletes dominate is cleanup",
			[]models.FileEntry{
				entry(models.StepActionDelete), entry(models.StepActionDelete),
			},
			models.BundleTypeCleanup,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Build(Input{Files: tt.files})
			assert.Equal(t, tt.want, b.BundleType)
		})
	}
}

func TestBuild_DerivesCommands(t *testing.T) {
	b := Build(Input{
		Files: []models.FileEntry{
			{Path: "package.json", Action: models.StepActionModify, Content: "{}"},
			{Path: "tsconfig.json", Action: models.StepActionModify, Content: "{}"},
		},
		Migrations: []models.MigrationEntry{
			{ID: "m1", SQLForward: "ALTER TABLE t DROP COLUMN c;", SQLReverse: "ALTER TABLE t ADD COLUMN c INT;", DataLossRisk: models.RiskHigh},
			{ID: "m2", SQLForward: "CREATE INDEX i ON t (c);", SQLReverse: "DROP INDEX i;", DataLossRisk: models.RiskLow},
		},
	})

	require.Len(t, b.Commands, 3)
	assert.Equal(t, "npm install", b.Commands[0].Command)
	assert.Equal(t, models.CommandPreApply, b.Commands[0].When)
	assert.Equal(t, "npm run migrate", b.Commands[1].Command)
	// Migrate risk is the max over migration data-loss risks.
	assert.Equal(t, models.RiskHigh, b.Commands[1].RiskLevel)
	assert.Equal(t, "npm run build", b.Commands[2].Command)
	assert.Equal(t, models.CommandPostApply, b.Commands[2].When)
}

func TestBuild_NoCommandsForPlainSourceChange(t *testing.T) {
	b := Build(Input{
		Files: []models.FileEntry{
			{Path: "src/utils.js", Action: models.StepActionCreate, Content: "export const x = 1;"},
		},
	})
	assert.Empty(t, b.Commands)
}

func TestValidate(t *testing.T) {
	b := Build(Input{
		Files: []models.FileEntry{
			{Path: "src/a.js", Action: models.StepActionCreate, Content: "x"},
		},
	})
	result := Validate(b)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)

	// Missing identity fields are errors.
	broken := *b
	broken.ID = ""
	broken.BundleType = "weird"
	result = Validate(&broken)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "bundle id is missing")
	assert.Contains(t, result.Errors, "unknown bundle type weird")

	// Empty file list and high-risk migrations only warn.
	empty := Build(Input{
		Migrations: []models.MigrationEntry{
			{ID: "m1", SQLForward: "x", SQLReverse: "y", DataLossRisk: models.RiskHigh},
		},
	})
	result = Validate(empty)
	assert.True(t, result.Valid)
	assert.Contains(t, result.Warnings, "bundle contains no files")
	assert.Contains(t, result.Warnings, "migration m1 carries high data-loss risk")
}

func TestValidate_FileEntryErrors(t *testing.T) {
	b := Build(Input{
		Files: []models.FileEntry{
			{Path: "  ", Action: models.StepActionCreate, Content: "x"},
			{Path: "ok.js", Action: "explode", Content: "x"},
		},
	})
	result := Validate(b)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "file entry 0 has an empty path")
	assert.Contains(t, result.Errors, "file ok.js has unknown action explode")
}
