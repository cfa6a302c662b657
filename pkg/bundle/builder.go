// Package bundle normalizes raw generation outputs into the release
// bundle shape: fresh id, checksums, a bundle type classified from the
// action mix, and derived pre/post-apply commands.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/appforge/forge/pkg/models"
)

// Input is the raw material for one bundle: the plan that drove
// generation plus the outputs collected from the sub-agents.
type Input struct {
	AppSpec    map[string]any
	Plan       *models.Plan
	Files      []models.FileEntry
	Tests      []models.TestEntry
	Migrations []models.MigrationEntry
	TokensUsed int
	Duration   time.Duration
}

// Build assembles a normalized bundle. Checksums, sizes, the bundle type,
// derived commands, and the metadata block are all filled in here so
// downstream consumers never see a partially-populated artifact.
func Build(in Input) *models.Bundle {
	files := make([]models.FileEntry, len(in.Files))
	for i, f := range in.Files {
		f.Checksum = Checksum(f.Content)
		f.Size = len(f.Content)
		files[i] = f
	}

	tests := make([]models.TestEntry, len(in.Tests))
	for i, tst := range in.Tests {
		tst.Checksum = Checksum(tst.Content)
		tests[i] = tst
	}

	migrations := make([]models.MigrationEntry, len(in.Migrations))
	for i, mig := range in.Migrations {
		mig.ChecksumForward = Checksum(mig.SQLForward)
		mig.ChecksumReverse = Checksum(mig.SQLReverse)
		migrations[i] = mig
	}

	b := &models.Bundle{
		ID:         uuid.New().String(),
		BundleType: classify(files),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		AppSpec:    in.AppSpec,
		Plan:       in.Plan,
		Files:      files,
		Tests:      tests,
		Migrations: migrations,
		Metadata: models.BundleMetadata{
			TokensUsed:     in.TokensUsed,
			GenerationMs:   in.Duration.Milliseconds(),
			FileCount:      len(files),
			TestCount:      len(tests),
			MigrationCount: len(migrations),
		},
	}
	b.Commands = deriveCommands(b)
	return b
}

// Checksum returns the hex SHA-256 of content.
func Checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// classify picks the bundle type from the action mix: mostly creates is a
// full bundle, creates plus modifies a feature, modifies alone a patch,
// and anything left with deletes a cleanup.
func classify(files []models.FileEntry) models.BundleType {
	var creates, modifies, deletes int
	for _, f := range files {
		switch f.Action {
		case models.StepActionCreate:
			creates++
		case models.StepActionModify:
			modifies++
		case models.StepActionDelete:
			deletes++
		}
	}

	total := creates + modifies + deletes
	if total == 0 {
		return models.BundleTypePatch
	}

	switch {
	case float64(creates)/float64(total) > 0.8:
		return models.BundleTypeFull
	case creates > 0 && modifies > 0:
		return models.BundleTypeFeature
	case modifies > 0 && creates == 0 && deletes == 0:
		return models.BundleTypePatch
	case deletes > 0:
		return models.BundleTypeCleanup
	default:
		return models.BundleTypeFeature
	}
}

var manifestFiles = map[string]bool{
	"package.json":      true,
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
}

var buildConfigFiles = map[string]bool{
	"webpack.config.js": true,
	"vite.config.js":    true,
	"vite.config.ts":    true,
	"tsconfig.json":     true,
	"babel.config.js":   true,
	"next.config.js":    true,
	"rollup.config.js":  true,
}

// deriveCommands infers the commands an applier must run around the file
// changes: install when a package manifest changed, migrate when
// migrations are present, build when build config changed.
func deriveCommands(b *models.Bundle) []models.CommandEntry {
	var commands []models.CommandEntry

	manifestChanged := false
	buildChanged := false
	for _, f := range b.Files {
		base := path.Base(f.Path)
		if manifestFiles[base] {
			manifestChanged = true
		}
		if buildConfigFiles[base] {
			buildChanged = true
		}
	}

	if manifestChanged {
		commands = append(commands, models.CommandEntry{
			Command:     "npm install",
			When:        models.CommandPreApply,
			Description: "install dependencies after manifest change",
		})
	}

	if len(b.Migrations) > 0 {
		risk := models.RiskLow
		for _, mig := range b.Migrations {
			if mig.DataLossRisk.Above(risk) {
				risk = mig.DataLossRisk
			}
		}
		commands = append(commands, models.CommandEntry{
			Command:     "npm run migrate",
			When:        models.CommandPreApply,
			Description: "apply database migrations",
			RiskLevel:   risk,
		})
	}

	if buildChanged {
		commands = append(commands, models.CommandEntry{
			Command:     "npm run build",
			When:        models.CommandPostApply,
			Description: "rebuild after build configuration change",
		})
	}

	return commands
}

// ValidationResult reports the shape validation of a finished bundle.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

var validBundleTypes = map[models.BundleType]bool{
	models.BundleTypeFull:    true,
	models.BundleTypeFeature: true,
	models.BundleTypePatch:   true,
	models.BundleTypeCleanup: true,
}

var validActions = map[models.StepAction]bool{
	models.StepActionCreate: true,
	models.StepActionModify: true,
	models.StepActionDelete: true,
}

// Validate checks the final bundle shape. Missing identity fields and
// malformed entries are errors; an empty file list and high-risk
// migrations are warnings.
func Validate(b *models.Bundle) ValidationResult {
	var result ValidationResult

	if b.ID == "" {
		result.Errors = append(result.Errors, "bundle id is missing")
	}
	if b.BundleType == "" {
		result.Errors = append(result.Errors, "bundle type is missing")
	} else if !validBundleTypes[b.BundleType] {
		result.Errors = append(result.Errors, "unknown bundle type "+string(b.BundleType))
	}
	if b.CreatedAt == "" {
		result.Errors = append(result.Errors, "creation timestamp is missing")
	}

	if len(b.Files) == 0 {
		result.Warnings = append(result.Warnings, "bundle contains no files")
	}
	for i, f := range b.Files {
		if strings.TrimSpace(f.Path) == "" {
			result.Errors = append(result.Errors, "file entry "+strconv.Itoa(i)+" has an empty path")
		}
		if !validActions[f.Action] {
			result.Errors = append(result.Errors, "file "+f.Path+" has unknown action "+string(f.Action))
		}
		if f.Checksum == "" {
			result.Errors = append(result.Errors, "file "+f.Path+" has no checksum")
		}
	}

	for _, mig := range b.Migrations {
		if mig.ID == "" {
			result.Errors = append(result.Errors, "migration without an id")
		}
		if mig.DataLossRisk == models.RiskHigh {
			result.Warnings = append(result.Warnings, "migration "+mig.ID+" carries high data-loss risk")
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}
