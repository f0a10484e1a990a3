package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesFlags(t *testing.T) {
	t.Setenv("FEEDPOSTER_CONFIG", "")
	t.Setenv("FEEDPOSTER_MODE", "")

	path := filepath.Join(t.TempDir(), "sites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
settings:
  mode: test
sites:
  nvd:
    type: nvd
`), 0o644))

	v := viper.New()
	root := newRootCmdWith(v)
	require.NoError(t, root.PersistentFlags().Parse([]string{
		"--config", path, "--mode", "prod", "--state", "/tmp/feedposter-state.json", "--log-format", "json",
	}))

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Settings.Mode)
	assert.Equal(t, "/tmp/feedposter-state.json", cfg.State.Path)
	assert.Equal(t, "json", cfg.Logging.Format)
	require.Len(t, cfg.Sites, 1)
	assert.Equal(t, "nvd_api", cfg.Sites[0].NormalizedType())
}

func TestLoadConfigRejectsBadMode(t *testing.T) {
	t.Setenv("FEEDPOSTER_CONFIG", "")
	t.Setenv("FEEDPOSTER_MODE", "")

	path := filepath.Join(t.TempDir(), "sites.yaml")
	require.NoError(t, os.WriteFile(path, []byte("settings:\n  mode: test\n"), 0o644))

	v := viper.New()
	root := newRootCmdWith(v)
	require.NoError(t, root.PersistentFlags().Parse([]string{"--config", path, "--mode", "staging"}))

	_, err := loadConfig(v)
	assert.Error(t, err)
}

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "watch", "state"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}
