package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigInitWritesDefault(t *testing.T) {
	dir := t.TempDir()
	viper.Set("workspace", dir)
	t.Cleanup(viper.Reset)

	cmd := configCmd()
	cmd.SetArgs([]string{"init"})
	require.NoError(t, cmd.Execute())
	data, err := os.ReadFile(filepath.Join(dir, "steward.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "failure_threshold: 3")

	cmd = configCmd()
	cmd.SetArgs([]string{"init"})
	require.Error(t, cmd.Execute(), "refuses to overwrite without --force")
}

func TestLoadConfigHonoursLogLevelFlag(t *testing.T) {
	viper.Set("workspace", t.TempDir())
	viper.Set("log-level", "debug")
	t.Cleanup(viper.Reset)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
