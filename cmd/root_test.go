package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())

	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestConfigPrintsEffectiveSettings(t *testing.T) {
	t.Setenv("AETHERDOCK_ACTIONS_POLICY", "reject")

	out, err := executeCLI(t, "config")
	require.NoError(t, err)

	var settings map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &settings))
	assert.Equal(t, ":8080", settings["addr"])

	actions, ok := settings["actions"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "reject", actions["policy"])
}

func TestConfigRejectsInvalidSettings(t *testing.T) {
	t.Setenv("AETHERDOCK_LOG_FORMAT", "xml")

	_, err := executeCLI(t, "config")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.format")
}

func TestUnknownSubcommand(t *testing.T) {
	_, err := executeCLI(t, "launch")
	assert.Error(t, err)
}
