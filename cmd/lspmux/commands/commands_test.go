package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/lspmux/pkg/types"
)

func setupProject(t *testing.T, settings string) string {
	t.Helper()
	color.NoColor = true
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".lspmux"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".lspmux", "lspmux.json"), []byte(settings), 0644))
	return dir
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		workDir = ""
		envAll = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

const projectSettings = `{
  // editors write comments too
  "clients": {
    "pyls": {
      "command": ["pyls", "--root", "$project_path", "--window", "${window}"],
      "env": {"PYLS_MODE": "strict"},
      "files": ["**/*.py"]
    },
    "gopls": {"command": ["gopls"], "files": ["*.go"]}
  }
}`

func TestEnvCommand(t *testing.T) {
	dir := setupProject(t, projectSettings)

	out, err := runCommand(t, "env", "pyls", "-C", dir, "--window", "3")
	require.NoError(t, err)

	root, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Contains(t, out, "command: pyls --root "+root+" --window 3")
	assert.Contains(t, out, "PYLS_MODE=strict")
	assert.NotContains(t, out, "disabled")
}

func TestEnvCommand_UnknownSuggests(t *testing.T) {
	dir := setupProject(t, projectSettings)

	_, err := runCommand(t, "env", "gopl", "-C", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "gopls"`)
}

func TestDisableEnableCommands(t *testing.T) {
	dir := setupProject(t, projectSettings)

	_, err := runCommand(t, "disable", "gopls", "-C", dir)
	require.NoError(t, err)

	var doc struct {
		Clients map[string]types.ClientConfig `json:"clients"`
	}
	data, err := os.ReadFile(filepath.Join(dir, ".lspmux", "lspmux.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.False(t, doc.Clients["gopls"].IsEnabled())
	assert.Equal(t, []string{"pyls", "--root", "$project_path", "--window", "${window}"}, doc.Clients["pyls"].Command)

	out, err := runCommand(t, "enable", "gopls", "-C", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "gopls enabled")

	_, err = runCommand(t, "enable", "nope", "-C", dir)
	assert.Error(t, err)
}

func TestDebugConfigCommand(t *testing.T) {
	dir := setupProject(t, projectSettings)

	out, err := runCommand(t, "debug", "config", "-C", dir)
	require.NoError(t, err)

	var settings types.Settings
	require.NoError(t, json.Unmarshal([]byte(out), &settings))
	assert.Contains(t, settings.Clients, "pyls")
	assert.Contains(t, settings.Clients, "gopls")
}

func TestSuggest(t *testing.T) {
	names := []string{"gopls", "pyls", "rust-analyzer"}

	assert.Equal(t, []string{`"gopls"`}, suggest("golps", names))
	assert.Equal(t, []string{`"pyls"`}, suggest("pylz", names))
	assert.Empty(t, suggest("clangd", names))
}

func TestChangedClients(t *testing.T) {
	prev := &types.Settings{Clients: map[string]types.ClientConfig{
		"gopls": {Command: []string{"gopls"}},
		"pyls":  {Command: []string{"pyls"}},
		"old":   {Command: []string{"old"}},
	}}
	next := &types.Settings{Clients: map[string]types.ClientConfig{
		"gopls": {Command: []string{"gopls"}},
		"pyls":  {Command: []string{"pyls", "-v"}},
		"new":   {Command: []string{"new"}},
	}}

	assert.Equal(t, []string{"old", "pyls", "new"}, changedClients(prev, next))
	assert.Empty(t, changedClients(next, next))
}

func TestLanguageID(t *testing.T) {
	assert.Equal(t, "go", languageID("/src/main.go"))
	assert.Equal(t, "typescriptreact", languageID("App.tsx"))
	assert.Equal(t, "plaintext", languageID("README"))
}
