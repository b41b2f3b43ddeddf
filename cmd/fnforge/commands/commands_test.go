package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fnforge/pkg/engine"
)

const demoManifest = `
name: demo
packages:
  utils:
    actions:
      cat:
        location: src/cat.js
actions:
  mysequence:
    sequence: [utils/cat, whisk.system/utils/echo]
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// demoProject writes the demo project and isolates the home directory.
func demoProject(t *testing.T, manifest string) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvAuth, "")
	t.Setenv(EnvAPIHost, "")
	t.Setenv("FNFORGE_JOURNAL", "")
	t.Setenv("LOG_LEVEL", "")

	dir := filepath.Join(t.TempDir(), "demo")
	writeFile(t, filepath.Join(dir, "project.yml"), manifest)
	writeFile(t, filepath.Join(dir, "src", "cat.js"), "function main(args) { return args }\n")
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestValidate(t *testing.T) {
	dir := demoProject(t, demoManifest)

	out, err := execute(t, "validate", dir)
	require.NoError(t, err)
	for _, want := range []string{"Project demo", "1 packages, 2 actions", "2 deployment waves", "Project is valid"} {
		assert.Contains(t, out, want)
	}
}

func TestValidate_PolicyViolation(t *testing.T) {
	dir := demoProject(t, demoManifest+`
  slow:
    code: "def main(args): return args"
    runtime: python:3
    limits:
      timeout: 999999
`)

	out, err := execute(t, "validate", dir)
	require.True(t, engine.IsPolicyViolation(err), "got %v", err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, out, "[action-limits] /_/slow")
}

func TestValidate_MissingManifest(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := execute(t, "validate", t.TempDir())
	assert.Equal(t, ExitMissingManifest, ExitCode(err), "got %v", err)
}

func TestGraph(t *testing.T) {
	dir := demoProject(t, demoManifest)

	out, err := execute(t, "graph", dir)
	require.NoError(t, err)
	wave1 := strings.Index(out, "utils/cat")
	wave2 := strings.Index(out, "mysequence <- [utils/cat]")
	require.GreaterOrEqual(t, wave1, 0, out)
	require.GreaterOrEqual(t, wave2, 0, out)
	assert.Less(t, wave1, wave2, "utils/cat comes before mysequence")

	out, err = execute(t, "graph", dir, "--dot")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "digraph Deployment {"), out)
}

func TestDeploy_DryRun(t *testing.T) {
	dir := demoProject(t, demoManifest)

	out, err := execute(t, "deploy", dir, "--dry-run", "--json")
	require.NoError(t, err)

	var report engine.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	assert.Equal(t, [][]string{{"utils/cat"}, {"mysequence"}}, report.Waves)
	assert.Equal(t, 1, report.Count(engine.EntityPackage))
	assert.Equal(t, 2, report.Count(engine.EntityAction))
}

func TestDeploy_MissingCredentials(t *testing.T) {
	dir := demoProject(t, demoManifest)

	_, err := execute(t, "deploy", dir)
	assert.Equal(t, ExitMissingAPIKey, ExitCode(err), "got %v", err)

	_, err = execute(t, "deploy", dir, "--auth", "user:secret")
	assert.Equal(t, ExitMissingPlatformTokens, ExitCode(err), "got %v", err)

	_, err = execute(t, "deploy", dir, "--space", "staging")
	assert.Equal(t, ExitMissingSpace, ExitCode(err), "got %v", err)
}

func TestDeploy_JournalAndHistory(t *testing.T) {
	dir := demoProject(t, demoManifest)
	journal := filepath.Join(t.TempDir(), "state", "journal.db")

	_, err := execute(t, "deploy", dir, "--dry-run", "--journal", journal)
	require.NoError(t, err)

	out, err := execute(t, "history", "--journal", journal, "--service", "demo")
	require.NoError(t, err)
	assert.Contains(t, out, "deploy")
	assert.Contains(t, out, "succeeded")

	_, err = execute(t, "history")
	assert.Error(t, err, "history needs a journal")
}

func TestUndeploy_DryRun(t *testing.T) {
	dir := demoProject(t, demoManifest)

	out, err := execute(t, "undeploy", dir, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Undeploy demo in _: 0 deleted, 0 skipped")
}

func TestUndeploy_WipeBlockedInProduction(t *testing.T) {
	dir := demoProject(t, demoManifest)

	_, err := execute(t, "undeploy", dir, "--all", "--environment", "production", "--auth", "u:p", "--apihost", "localhost")
	assert.True(t, engine.IsPolicyViolation(err), "got %v", err)
}

func TestPluginsList(t *testing.T) {
	dir := demoProject(t, demoManifest)

	out, err := execute(t, "plugins", "list", dir)
	require.NoError(t, err)
	for _, want := range []string{"NAME", "env", "dotenv"} {
		assert.Contains(t, out, want)
	}
}
