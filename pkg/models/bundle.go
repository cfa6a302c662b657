package models

// BundleType classifies a bundle by the mix of actions it contains.
type BundleType string

const (
	BundleTypeFull    BundleType = "full"
	BundleTypeFeature BundleType = "feature"
	BundleTypePatch   BundleType = "patch"
	BundleTypeCleanup BundleType = "cleanup"
)

// CommandPhase says when a bundle command runs relative to apply.
type CommandPhase string

const (
	CommandPreApply  CommandPhase = "pre-apply"
	CommandPostApply CommandPhase = "post-apply"
)

// FileEntry is one file the bundle creates, modifies, or deletes.
type FileEntry struct {
	Path        string     `json:"path"`
	Action      StepAction `json:"action"`
	Content     string     `json:"content"`
	Checksum    string     `json:"checksum"`
	Layer       Layer      `json:"layer,omitempty"`
	Description string     `json:"description,omitempty"`
	Size        int        `json:"size"`
}

// TestEntry is one generated test file.
type TestEntry struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	SourceFile string `json:"sourceFile,omitempty"`
	Framework  string `json:"framework,omitempty"`
	Coverage   string `json:"coverage,omitempty"`
	Checksum   string `json:"checksum"`
}

// MigrationEntry is one database migration with forward and reverse SQL.
type MigrationEntry struct {
	ID              string    `json:"id"`
	Description     string    `json:"description"`
	SQLForward      string    `json:"sql_forward"`
	SQLReverse      string    `json:"sql_reverse"`
	DataLossRisk    RiskLevel `json:"dataLossRisk"`
	Database        string    `json:"database,omitempty"`
	ChecksumForward string    `json:"checksum_forward"`
	ChecksumReverse string    `json:"checksum_reverse"`
}

// CommandEntry is one shell command to run before or after apply.
type CommandEntry struct {
	Command     string       `json:"command"`
	When        CommandPhase `json:"when"`
	Description string       `json:"description,omitempty"`
	RiskLevel   RiskLevel    `json:"riskLevel,omitempty"`
}

// BundleMetadata carries informational counters about the bundle.
type BundleMetadata struct {
	TokensUsed     int   `json:"tokens_used,omitempty"`
	GenerationMs   int64 `json:"generation_ms,omitempty"`
	FileCount      int   `json:"file_count"`
	TestCount      int   `json:"test_count"`
	MigrationCount int   `json:"migration_count"`
}

// Bundle is the normalized, unsigned artifact produced for one request.
type Bundle struct {
	ID         string           `json:"id"`
	BundleType BundleType       `json:"bundle_type"`
	CreatedAt  string           `json:"created_at"`
	AppSpec    map[string]any   `json:"appSpec,omitempty"`
	Plan       *Plan            `json:"plan,omitempty"`
	Files      []FileEntry      `json:"files"`
	Tests      []TestEntry      `json:"tests,omitempty"`
	Migrations []MigrationEntry `json:"migrations,omitempty"`
	Commands   []CommandEntry   `json:"commands,omitempty"`
	Metadata   BundleMetadata   `json:"metadata"`
}

// Signature is the detached signature block over the deterministic JSON
// of the unsigned bundle.
type Signature struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
	SignedAt  string `json:"signed_at"`
	KeyID     string `json:"key_id"`
}

// SignedBundle is the unsigned bundle plus its signature block.
type SignedBundle struct {
	Bundle
	Signature *Signature `json:"signature"`
}
