// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// Tests move HOME around.
	homedir.DisableCache = true
	os.Exit(m.Run())
}

// executeCommand runs a fresh command tree with args and returns its output.
func executeCommand(t *testing.T, factory shellFactory, stdin string, args ...string) (string, error) {
	t.Helper()
	if factory == nil {
		factory = defaultShellFactory
	}
	root := newRootCmd(factory)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(bytes.NewBufferString(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// createTempConfig writes content to a config file in a temp dir.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// isolateHome points the home directory at an empty temp dir so a real
// ~/.browsershell/config.yaml cannot leak into a test.
func isolateHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, nil, "", "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "browsershell version "+Version)
}

func TestRootCmd_NoArgs(t *testing.T) {
	isolateHome(t)
	out, err := executeCommand(t, nil, "")
	require.NoError(t, err)
	assert.Contains(t, out, "browsershell drives a Gecko or Chromium engine")
	assert.Contains(t, out, "run")
	assert.Contains(t, out, "version")
}

func TestVersionCmd(t *testing.T) {
	isolateHome(t)
	out, err := executeCommand(t, nil, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "browsershell "+Version)
	assert.Contains(t, out, "engine backend: gecko")
	assert.Contains(t, out, filepath.Join(".browsershell", "config.yaml"))
}

func TestConfigFlagOverride(t *testing.T) {
	isolateHome(t)
	path := createTempConfig(t, `
engine:
  backend: chromium
windows:
  max_windows: 2
`)
	out, err := executeCommand(t, nil, "", "--config", path, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "engine backend: chromium")
}

func TestEnvOverride(t *testing.T) {
	isolateHome(t)
	t.Setenv("BROWSERSHELL_ENGINE_BACKEND", "chromium")
	out, err := executeCommand(t, nil, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "engine backend: chromium")
}

func TestDefaultConfigFileInHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".browsershell"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".browsershell", "config.yaml"), []byte("engine:\n  backend: chromium\n"), 0o600))

	out, err := executeCommand(t, nil, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "engine backend: chromium")
}

func TestInvalidConfig(t *testing.T) {
	isolateHome(t)
	path := createTempConfig(t, "engine:\n  backend: trident\n")
	_, err := executeCommand(t, nil, "", "--config", path, "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load or validate config")
	assert.Contains(t, err.Error(), "trident")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := executeCommand(t, nil, "", "--config", filepath.Join(t.TempDir(), "absent.yaml"), "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize configuration")
}

func TestGetConfigFromContext_Missing(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)
}
