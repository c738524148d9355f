package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpillwaveSolutions/agent-brain/internal/config"
)

func TestConfigInit_WritesValidTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-brain.yaml")
	out, err := runCommand(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// The template must parse with zero unknown-key warnings and
	// validate against the schema.
	cfg := config.Default()
	warnings, err := config.Parse(data, path, &cfg)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.BackendEmbedded, cfg.Storage.Backend)
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-brain.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state_dir: /tmp/x\n"), 0o644))

	_, err := runCommand(t, "config", "init", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	_, err = runCommand(t, "config", "init", path, "--force")
	require.NoError(t, err)
}
