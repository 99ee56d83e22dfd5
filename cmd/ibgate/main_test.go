package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getProjectRoot returns the absolute path to the project root.
func getProjectRoot(t *testing.T) string {
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	t.Fatal("go.mod not found")
	return ""
}

func buildBinary(t *testing.T) string {
	t.Helper()
	binPath := filepath.Join(t.TempDir(), "ibgate-test")
	buildCmd := exec.Command("go", "build", "-o", binPath, ".")
	buildCmd.Dir = filepath.Join(getProjectRoot(t), "cmd", "ibgate")
	output, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(output))
	return binPath
}

func TestMainHelpFlag(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	bin := buildBinary(t)

	out, err := exec.Command(bin, "--help").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "iButton")
	assert.Contains(t, string(out), "cron")
}

func TestMainInitAndStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	bin := buildBinary(t)
	dir := filepath.Join(t.TempDir(), "data")

	out, err := exec.Command(bin, "--data-dir", dir, "--no-color", "init", "front-door").CombinedOutput()
	require.NoError(t, err, string(out))

	out, err = exec.Command(bin, "--data-dir", dir, "--no-color", "status").CombinedOutput()
	require.NoError(t, err, string(out))
	assert.Contains(t, string(out), "not running")
}

func TestMainMissingDataDir(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	bin := buildBinary(t)

	cmd := exec.Command(bin, "--data-dir", filepath.Join(t.TempDir(), "nope"), "db", "status")
	out, err := cmd.CombinedOutput()
	require.Error(t, err)
	assert.Contains(t, string(out), "ibgate init")
}
