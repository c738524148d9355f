package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpillwaveSolutions/agent-brain/pkg/version"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()
	expected := []string{"index", "folders", "query", "jobs", "presets", "health", "reset", "version"}
	for _, name := range expected {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		assert.True(t, found, "missing subcommand %s", name)
	}
}

func TestVersionCmd_Text(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "agent-brain")
	assert.Contains(t, out, version.Version)
}

func TestVersionCmd_JSON(t *testing.T) {
	out, err := runCommand(t, "version", "--format", "json")
	require.NoError(t, err)

	var info version.BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestPresetsCmd_ListsRegistry(t *testing.T) {
	out, err := runCommand(t, "presets")
	require.NoError(t, err)
	assert.Contains(t, out, "go")
	assert.Contains(t, out, "*.py")
	assert.Contains(t, out, "docs")
}

func TestPresetsCmd_JSON(t *testing.T) {
	out, err := runCommand(t, "presets", "--format", "json")
	require.NoError(t, err)

	var presets map[string][]string
	require.NoError(t, json.Unmarshal([]byte(out), &presets))
	assert.Contains(t, presets, "python")
	assert.Contains(t, presets["go"], "*.go")
}

func TestResetCmd_RequiresConfirmation(t *testing.T) {
	_, err := runCommand(t, "reset")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
}
