package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeanpaul/spawngate/internal/audit"
)

// runCLI executes the root command with a clean environment rooted in a
// temporary audit directory.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	jsonOut, redactRules, cfgFile, logLevel = false, false, "", ""

	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	err := rootCmd.Execute()
	return out.String(), err
}

func cliEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	testChdir(t, dir)
	t.Setenv("IW_AUDIT_DIR", filepath.Join(dir, "audit"))
	t.Setenv("IW_SCANNER", "off")
	return filepath.Join(dir, "audit")
}

func TestCLI_Redact(t *testing.T) {
	cliEnv(t)

	out, err := runCLI(t, "", "redact", "mail", "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, "mail <EMAIL>\n", out)

	out, err = runCLI(t, "call 555-123-4567", "redact")
	require.NoError(t, err)
	assert.Equal(t, "call <PHONE>", out)
}

func TestCLI_RegistryCheck(t *testing.T) {
	cliEnv(t)

	_, err := runCLI(t, "", "registry", "check", "planning", "backend")
	assert.NoError(t, err)

	_, err = runCLI(t, "", "registry", "check", "research", "backend")
	var reported reportedError
	assert.ErrorAs(t, err, &reported)
}

func TestCLI_RegistryExport(t *testing.T) {
	cliEnv(t)

	out, err := runCLI(t, "", "registry", "export")
	require.NoError(t, err)
	assert.Contains(t, out, "agents:")
	assert.Contains(t, out, "capabilities:")
}

func TestCLI_StatsAndPrune(t *testing.T) {
	dir := cliEnv(t)

	log := audit.New(audit.Options{Dir: dir, RetentionDays: 90})
	_, err := log.Log(audit.Record{Result: audit.Failure, AgentType: "backend", TaskDescription: "Fix it", Error: "too short"})
	require.NoError(t, err)
	old := filepath.Join(dir, "audit_2000-01-01.json")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0o644))

	out, err := runCLI(t, "", "stats", "--json")
	require.NoError(t, err)
	var st audit.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 1, st.Failures)

	out, err = runCLI(t, "", "failures")
	require.NoError(t, err)
	assert.Contains(t, out, "too short")

	out, err = runCLI(t, "", "audit", "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 1 audit files")
	assert.NoFileExists(t, old)
}

func TestCLI_Doctor(t *testing.T) {
	cliEnv(t)

	out, err := runCLI(t, "", "doctor", "--json")
	require.NoError(t, err)
	var checks []doctorCheck
	require.NoError(t, json.Unmarshal([]byte(out), &checks))
	names := make([]string, 0, len(checks))
	for _, c := range checks {
		names = append(names, c.Name)
		assert.True(t, c.OK, c.Name+": "+c.Detail)
	}
	assert.Equal(t, []string{"registry", "audit_dir", "scanner", "rate limiter"}, names)
}

func TestCLI_SpawnRejectedBeforeBackend(t *testing.T) {
	cliEnv(t)
	t.Setenv("IW_AGENT_COMMAND", "/nonexistent/agent {prompt}")

	out, err := runCLI(t, "", "spawn", "backend", "--from", "research", "Fix the bug")
	var reported reportedError
	require.ErrorAs(t, err, &reported)
	assert.Contains(t, out, "✗")
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
