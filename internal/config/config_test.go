package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Root = root
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(root, ".filedock"), cfg.StateDir)
	assert.Equal(t, filepath.Join(root, ".filedock", "chunks"), cfg.ChunkDir)
	assert.Equal(t, int64(2<<20), cfg.ChunkSize)
	assert.Equal(t, cfg.ChunkSize, cfg.ChunkThreshold)
	assert.Equal(t, 24, cfg.StaleChunkHours)
	assert.Equal(t, -1, cfg.OwnerUID)

	file, dir := cfg.Modes()
	assert.Equal(t, os.FileMode(0o644), file)
	assert.Equal(t, os.FileMode(0o755), dir)
}

func TestValidateRejects(t *testing.T) {
	t.Run("missing root", func(t *testing.T) {
		cfg := Default()
		assert.Error(t, cfg.Validate())
	})
	t.Run("bad mode", func(t *testing.T) {
		cfg := Default()
		cfg.Root = t.TempDir()
		cfg.FileMode = "rw-r--r--"
		assert.Error(t, cfg.Validate())
	})
	t.Run("negative limit", func(t *testing.T) {
		cfg := Default()
		cfg.Root = t.TempDir()
		cfg.MaxFileBytes = -1
		assert.Error(t, cfg.Validate())
	})
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "share")
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"root":"`+filepath.ToSlash(root)+`","stale_chunk_hours":6,"max_file_bytes":100}`), 0o644))

	t.Setenv("FILEDOCK_MAX_FILE_BYTES", "2048")
	t.Setenv("FILEDOCK_DISABLED_OPERATIONS", "upload, list")

	cfg, err := Load(cfgPath, "")
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.StaleChunkHours)
	assert.Equal(t, int64(2048), cfg.MaxFileBytes)
	assert.Equal(t, []string{"upload", "list"}, cfg.DisabledOperations)
	assert.Equal(t, filepath.Clean(root), cfg.Root)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("FILEDOCK_ROOT="+filepath.ToSlash(dir)+"\nFILEDOCK_READ_ONLY=true\n"), 0o644))
	t.Cleanup(func() {
		_ = os.Unsetenv("FILEDOCK_ROOT")
		_ = os.Unsetenv("FILEDOCK_READ_ONLY")
	})

	cfg, err := Load("", envPath)
	require.NoError(t, err)
	assert.True(t, cfg.ReadOnly)
	assert.Equal(t, filepath.Clean(dir), cfg.Root)
}

func TestLoadMissingEnvFileIsFine(t *testing.T) {
	t.Setenv("FILEDOCK_ROOT", t.TempDir())
	_, err := Load("", filepath.Join(t.TempDir(), "nope.env"))
	assert.NoError(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("750")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), m)

	_, err = ParseMode("99")
	assert.Error(t, err)
	_, err = ParseMode("17777")
	assert.Error(t, err)
}

func TestLoadOverridesWin(t *testing.T) {
	t.Setenv("FILEDOCK_ROOT", t.TempDir())
	t.Setenv("FILEDOCK_LISTEN", "127.0.0.1:1")
	flagRoot := t.TempDir()

	cfg, err := Load("", "", func(c *Config) {
		c.Root = flagRoot
		c.Listen = "127.0.0.1:2"
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(flagRoot), cfg.Root)
	assert.Equal(t, "127.0.0.1:2", cfg.Listen)
	assert.Equal(t, filepath.Join(flagRoot, ".filedock", "chunks"), cfg.ChunkDir)
}
