package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semkb/semkb/pkg/version"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir()) // keep logs out of the real home

	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := NewRootCmd()

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"add", "query", "list", "delete", "stats", "doctor", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestVersionCmd_Short(t *testing.T) {
	out, err := runCommand(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, version.Version, strings.TrimSpace(out))
}

func TestVersionCmd_JSON(t *testing.T) {
	out, err := runCommand(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version"`)
	assert.Contains(t, out, `"go_version"`)
}

func TestDeleteCmd_RequiresArgs(t *testing.T) {
	_, err := runCommand(t, "delete")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provide pair ids or --category")
}

func TestAddAndQueryCmd_EndToEnd(t *testing.T) {
	t.Setenv("SEMKB_EMBEDDER", "static")
	t.Setenv("SEMKB_BASE_PATH", t.TempDir())

	out, err := runCommand(t, "add", "how do I renew a token", "call the refresh endpoint", "--category", "auth")
	require.NoError(t, err)
	assert.Contains(t, out, "Added ")

	out, err = runCommand(t, "query", "how do I renew a token")
	require.NoError(t, err)
	assert.Contains(t, out, "call the refresh endpoint")
}
