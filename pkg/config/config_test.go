package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2_000_000, cfg.Budget.TotalTokens)
	assert.True(t, cfg.Orchestrator.RequireApproval)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.ApprovalTimeout)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "test-key", cfg.LLM.APIKey)
	assert.Equal(t, -1.0, cfg.Gate.CoverageThreshold)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
budget:
  total_tokens: 500000
orchestrator:
  approval_timeout: 30s
gate:
  coverage_threshold: 70
  skip_checks:
    - SecurityCheck
llm:
  provider: stub
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 500_000, cfg.Budget.TotalTokens)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.ApprovalTimeout)
	assert.Equal(t, 70.0, cfg.Gate.CoverageThreshold)
	assert.Equal(t, []string{"SecurityCheck"}, cfg.Gate.SkipChecks)
	assert.Equal(t, "stub", cfg.LLM.Provider)

	// Untouched sections keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "data/keys", cfg.Signer.KeyDir)
}

func TestLoad_FalseOverridesDefaultTrue(t *testing.T) {
	path := writeConfig(t, `
orchestrator:
  require_approval: false
llm:
  provider: stub
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Orchestrator.RequireApproval)
}

func TestLoad_ExpandsEnvTemplates(t *testing.T) {
	t.Setenv("TEST_FORGE_KEY", "secret-from-env")
	path := writeConfig(t, `
llm:
  provider: gemini
  api_key: "{{.TEST_FORGE_KEY}}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.LLM.APIKey)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			"bad port",
			"server:\n  port: -1\nllm:\n  provider: stub\n",
			"server.port",
		},
		{
			"unknown provider",
			"llm:\n  provider: local\n",
			"llm.provider",
		},
		{
			"gemini without key",
			"llm:\n  provider: gemini\n",
			"llm.api_key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GEMINI_API_KEY", "")
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestExpandEnv_LeavesDollarSignsAlone(t *testing.T) {
	in := []byte("pattern: ^secret.*$\nprice: \"$100\"")
	assert.Equal(t, in, ExpandEnv(in))
}

func TestServerConfig_Addr(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
}
