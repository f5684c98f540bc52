package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10, cfg.MaxSpawnsPerMin)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, filepath.Join("logs", "validation_audit"), cfg.AuditDir)
	assert.Equal(t, 90, cfg.AuditRetentionDays)
	assert.Equal(t, 10000, cfg.MaxPromptLength)
	assert.Equal(t, 0.7, cfg.InjectionThreshold)
	assert.Equal(t, ScannerClassifier, cfg.Scanner)
	assert.True(t, cfg.ScannerForceCPU)
	assert.Equal(t, []string{"claude", "--print", "{prompt}"}, cfg.Command())
	assert.Contains(t, cfg.ProtectedPaths, "**/.env")
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Env(t *testing.T) {
	testChdir(t, t.TempDir())
	t.Setenv("IW_MAX_SPAWNS_PER_MIN", "3")
	t.Setenv("IW_MAX_CONCURRENT", "2")
	t.Setenv("IW_AUDIT_DIR", "/var/log/spawngate")
	t.Setenv("IW_SCANNER", "off")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxSpawnsPerMin)
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, "/var/log/spawngate", cfg.AuditDir)
	assert.Equal(t, ScannerOff, cfg.Scanner)
}

func TestLoad_FileWithEnvExpansion(t *testing.T) {
	t.Setenv("HF_TOKEN", "hf_secret")
	path := filepath.Join(t.TempDir(), "spawngate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_concurrent: 7
scanner_token: $HF_TOKEN
agent_command: agent-runner --role {agent} --task {task_id} {prompt}
protected_paths: ["secrets/**"]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxConcurrent)
	assert.Equal(t, 10, cfg.MaxSpawnsPerMin)
	assert.Equal(t, "hf_secret", cfg.ScannerToken)
	assert.Equal(t, []string{"agent-runner", "--role", "{agent}", "--task", "{task_id}", "{prompt}"}, cfg.Command())
	assert.Equal(t, []string{"secrets/**"}, cfg.ProtectedPaths)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spawngate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent: 7\n"), 0o644))
	t.Setenv("IW_MAX_CONCURRENT", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxConcurrent)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero spawns", func(c *Config) { c.MaxSpawnsPerMin = 0 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }},
		{"zero retention", func(c *Config) { c.AuditRetentionDays = 0 }},
		{"zero prompt length", func(c *Config) { c.MaxPromptLength = 0 }},
		{"threshold above one", func(c *Config) { c.InjectionThreshold = 1.5 }},
		{"empty audit dir", func(c *Config) { c.AuditDir = "" }},
		{"unknown scanner", func(c *Config) { c.Scanner = "regex" }},
		{"judge without model", func(c *Config) { c.Scanner = ScannerJudge; c.ScannerModel = "" }},
		{"blank command", func(c *Config) { c.AgentCommand = "   " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// testChdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func testChdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
