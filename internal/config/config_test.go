package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Backend)
	assert.Equal(t, "logs", cfg.LogDir)
	assert.Equal(t, 3*time.Second, cfg.LoggingInterval)
	assert.EqualValues(t, 1, cfg.Local.MaxCPUs)
	assert.EqualValues(t, 500, cfg.Slurm.MaxConcurrency)
	assert.Equal(t, 1000, cfg.Slurm.ChunkSize)
}

func TestLoadFromFile(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	path := filepath.Join(dir, "jetstream.yaml")
	contents := []byte("backend: slurm\nlog_dir: /tmp/jetstream-logs\nslurm:\n  max_concurrency: 42\n")
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "slurm", cfg.Backend)
	assert.Equal(t, "/tmp/jetstream-logs", cfg.LogDir)
	assert.EqualValues(t, 42, cfg.Slurm.MaxConcurrency)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	path := filepath.Join(dir, "jetstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: local\n"), 0o644))

	t.Setenv("JETSTREAM_BACKEND", "slurm")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "slurm", cfg.Backend)
}
