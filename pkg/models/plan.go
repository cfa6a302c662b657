package models

// StepAction is the file operation a plan step performs.
type StepAction string

const (
	StepActionCreate StepAction = "create"
	StepActionModify StepAction = "modify"
	StepActionDelete StepAction = "delete"
)

// Layer tags a step with the part of the stack it touches. The scheduler
// uses it (together with the target path) to pick a sub-agent.
type Layer string

const (
	LayerDatabase   Layer = "database"
	LayerBackend    Layer = "backend"
	LayerFrontend   Layer = "frontend"
	LayerTest       Layer = "test"
	LayerConfig     Layer = "config"
	LayerDeployment Layer = "deployment"
	LayerGeneral    Layer = "general"
)

// Complexity is the plan-level complexity tag.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// RiskLevel labels plans (approval decision) and migrations (data loss).
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// Above reports whether r is strictly riskier than other.
func (r RiskLevel) Above(other RiskLevel) bool {
	return r.rank() > other.rank()
}

// Step is one unit of generation work. Dependencies reference other step
// ids and must form a DAG; cycles are rejected before scheduling.
type Step struct {
	ID           string     `json:"id"`
	Action       StepAction `json:"action"`
	Target       string     `json:"target"`
	Description  string     `json:"description"`
	Layer        Layer      `json:"layer"`
	Dependencies []string   `json:"dependencies,omitempty"`
}

// ProposedMigration describes a migration the plan phase proposed before
// any SQL has been generated.
type ProposedMigration struct {
	ID           string    `json:"id"`
	Description  string    `json:"description"`
	Database     string    `json:"database,omitempty"`
	DataLossRisk RiskLevel `json:"data_loss_risk,omitempty"`
}

// Plan is the structured output of the plan phase.
type Plan struct {
	Steps              []Step              `json:"steps"`
	FilesToChange      []string            `json:"files_to_change"`
	ProposedMigrations []ProposedMigration `json:"proposed_migrations,omitempty"`
	Complexity         Complexity          `json:"complexity"`
	EstimatedDuration  string              `json:"estimated_duration,omitempty"`
	Risks              []string            `json:"risks,omitempty"`
	DependencyChanges  bool                `json:"dependency_changes,omitempty"`
	Summary            string              `json:"summary,omitempty"`
}

// Merge overlays non-zero fields of other onto the plan. Used when an
// approval response carries a modified plan.
func (p *Plan) Merge(other *Plan) {
	if other == nil {
		return
	}
	if len(other.Steps) > 0 {
		p.Steps = other.Steps
	}
	if len(other.FilesToChange) > 0 {
		p.FilesToChange = other.FilesToChange
	}
	if len(other.ProposedMigrations) > 0 {
		p.ProposedMigrations = other.ProposedMigrations
	}
	if other.Complexity != "" {
		p.Complexity = other.Complexity
	}
	if other.EstimatedDuration != "" {
		p.EstimatedDuration = other.EstimatedDuration
	}
	if len(other.Risks) > 0 {
		p.Risks = other.Risks
	}
	if other.Summary != "" {
		p.Summary = other.Summary
	}
	if other.DependencyChanges {
		p.DependencyChanges = true
	}
}
