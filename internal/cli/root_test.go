package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Assembler-Devlink/internal/envelope"
	"Assembler-Devlink/internal/link"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"DEVLINK_DEVICE_ID", "DEVLINK_BROKER", "DEVLINK_SECRET", "DEVLINK_TRANSPORT", "DEVLINK_NAMESPACE", "DEVLINK_CONFIG"} {
		t.Setenv(k, "")
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "devlink", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"send", "listen", "watch", "status", "shell", "serve"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)

	for _, name := range []string{"config", "format", "dry-run", "deterministic"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	clearEnv(t)
	_, err := run(t, "status", "--format", "xml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestCommandFromArgs(t *testing.T) {
	c, err := commandFromArgs("", []string{"move", "x=10", "axis=z", "fast=true"})
	require.NoError(t, err)
	assert.Equal(t, "move", c.Kind)
	assert.Equal(t, map[string]any{"x": float64(10), "axis": "z", "fast": true}, c.Args)

	c, err = commandFromArgs(`{"kind":"wait","args":{"milliseconds":250}}`, nil)
	require.NoError(t, err)
	assert.Equal(t, envelope.KindWait, c.Kind)

	_, err = commandFromArgs("", nil)
	assert.Error(t, err)
	_, err = commandFromArgs("", []string{"move", "oops"})
	assert.Error(t, err)
	_, err = commandFromArgs(`{"args":{}}`, nil)
	assert.Error(t, err)
}

func TestSendDryRun(t *testing.T) {
	clearEnv(t)
	out, err := run(t, "send", "wait", "milliseconds=100", "--dry-run", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Result link.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, link.OutcomeDisabled, resp.Result.Outcome)
}

func TestSendDeterministicLabel(t *testing.T) {
	clearEnv(t)
	out, err := run(t, "send", "wait", "--dry-run", "--deterministic")
	require.NoError(t, err)
	assert.Contains(t, out, "label "+envelope.DeterministicLabel)
}

func TestListenWithoutCredentials(t *testing.T) {
	clearEnv(t)
	_, err := run(t, "listen")
	require.Error(t, err)
	assert.ErrorIs(t, err, link.ErrNoCredentials)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestListenTimeoutExitCode(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "devlink.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"device": {"id": "d", "broker": "memory", "secret": "s"},
		"transport": {"kind": "memory"},
	}`), 0o600))

	out, err := run(t, "--config", path, "listen", "status", "--timeout", "20ms")
	require.Error(t, err)
	assert.ErrorIs(t, err, link.ErrTimeout)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "timed_out on status")
}
