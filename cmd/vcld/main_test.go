package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\nvm_grace_minutes: 10\n"), 0o600))

	cfg, fromFile, err := loadConfig(path)
	require.NoError(t, err)
	assert.True(t, fromFile)
	assert.Equal(t, path, cfg.ConfigPath)
	assert.Equal(t, filepath.Join(dir, "vclsched.db"), cfg.DBPath)
	assert.Equal(t, 10, cfg.VMGraceMinutes)
}

func TestLoadConfigMissingFlagPath(t *testing.T) {
	_, fromFile, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.False(t, fromFile)
}

func TestVersionTemplate(t *testing.T) {
	assert.Contains(t, rootCmd.VersionTemplate(), "vcld version")
}
