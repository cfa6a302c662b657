package gate

import (
	"context"
	"fmt"

	"github.com/appforge/forge/pkg/models"
)

// SchemaCheck verifies the bundle carries its required fields and that
// optional blocks have the right shape.
type SchemaCheck struct{}

func NewSchemaCheck() *SchemaCheck { return &SchemaCheck{} }

func (c *SchemaCheck) Name() string { return "SchemaCheck" }
func (c *SchemaCheck) Level() Level { return LevelBlocker }

var knownBundleTypes = map[models.BundleType]bool{
	models.BundleTypeFull:    true,
	models.BundleTypeFeature: true,
	models.BundleTypePatch:   true,
	models.BundleTypeCleanup: true,
}

var knownActions = map[models.StepAction]bool{
	models.StepActionCreate: true,
	models.StepActionModify: true,
	models.StepActionDelete: true,
}

func (c *SchemaCheck) Run(_ context.Context, b *models.Bundle) (Result, error) {
	var errs []string

	if b.ID == "" {
		errs = append(errs, "missing bundle id")
	}
	if b.BundleType == "" {
		errs = append(errs, "missing bundle_type")
	} else if !knownBundleTypes[b.BundleType] {
		errs = append(errs, fmt.Sprintf("bundle_type %q is not one of full/feature/patch/cleanup", b.BundleType))
	}
	if b.CreatedAt == "" {
		errs = append(errs, "missing created_at")
	}
	if b.Files == nil {
		errs = append(errs, "missing files array")
	}

	for i, f := range b.Files {
		if f.Path == "" {
			errs = append(errs, fmt.Sprintf("files[%d]: missing path", i))
		}
		if !knownActions[f.Action] {
			errs = append(errs, fmt.Sprintf("files[%d] (%s): invalid action %q", i, f.Path, f.Action))
		}
	}

	if b.Plan != nil {
		for i, step := range b.Plan.Steps {
			if step.ID == "" {
				errs = append(errs, fmt.Sprintf("plan.steps[%d]: missing id", i))
			}
			if step.Action == "" {
				errs = append(errs, fmt.Sprintf("plan.steps[%d]: missing action", i))
			}
			if step.Target == "" {
				errs = append(errs, fmt.Sprintf("plan.steps[%d]: missing target", i))
			}
		}
	}

	if len(errs) > 0 {
		return Result{
			Passed:  false,
			Message: fmt.Sprintf("%d schema violation(s)", len(errs)),
			Details: map[string]any{"errors": errs},
		}, nil
	}
	return Result{Passed: true, Message: "bundle schema is valid"}, nil
}
