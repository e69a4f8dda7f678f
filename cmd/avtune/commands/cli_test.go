package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `git:
  enabled: false
policy:
  enabled: false
telemetry:
  logging:
    level: error
`

const markerRecipe = `name: marker
description: Drop a marker file
platforms: [linux, macos]
actions:
  - name: touch-marker
    unix:
      module: command
      params:
        apply: touch "%[1]s/marker"
        key: marker
      verify: test -f "%[1]s/marker"
`

// newInventory lays out an inventory whose only recipe touches a file in a
// scratch directory on this machine.
func newInventory(t *testing.T) (inventory, scratch string) {
	t.Helper()
	inventory = t.TempDir()
	scratch = t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(inventory, "avtune.yaml"), []byte(testConfig), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(inventory, "recipes"), 0o755))
	recipe := fmt.Sprintf(markerRecipe, scratch)
	require.NoError(t, os.WriteFile(filepath.Join(inventory, "recipes", "marker.yaml"), []byte(recipe), 0o644))
	return inventory, scratch
}

func execute(t *testing.T, inventory string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--inventory", inventory}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_LocalRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("marker recipe needs a POSIX shell")
	}
	inventory, scratch := newInventory(t)

	out, err := execute(t, inventory, "register", "localhost", "--offline", "--os", runtime.GOOS)
	require.NoError(t, err)
	assert.Contains(t, out, "Registered localhost")

	out, err = execute(t, inventory, "plan", "localhost", "marker")
	require.NoError(t, err)
	assert.Contains(t, out, "needs-apply")
	assert.NoFileExists(t, filepath.Join(scratch, "marker"), "plan must not apply")

	out, err = execute(t, inventory, "run", "localhost", "marker")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Status:   success")
	assert.FileExists(t, filepath.Join(scratch, "marker"))

	out, err = execute(t, inventory, "run", "localhost", "marker")
	require.NoError(t, err, out)
	assert.Contains(t, out, "already satisfied")
	assert.Contains(t, out, "1 actions: 0 succeeded, 0 failed, 1 skipped")

	out, err = execute(t, inventory, "history", "localhost")
	require.NoError(t, err)
	assert.Contains(t, out, "marker")
	assert.Contains(t, out, "success")

	out, err = execute(t, inventory, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "localhost")

	out, err = execute(t, inventory, "state", "localhost", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"marker"`)
}

func TestCLI_ExitCodes(t *testing.T) {
	inventory, _ := newInventory(t)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"unknown device", []string{"run", "ghost.lan", "marker"}, ExitNotFound},
		{"unknown recipe", []string{"show", "nope"}, ExitNotFound},
		{"missing argument", []string{"run", "ghost.lan"}, ExitUsage},
		{"unknown command", []string{"deploy"}, ExitUsage},
		{"unknown flag", []string{"devices", "--frobnicate"}, ExitUsage},
		{"bad limit", []string{"history", "ghost.lan", "zero"}, ExitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, inventory, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.want, ExitCode(err))
		})
	}
}

func TestCLI_Validate(t *testing.T) {
	inventory, _ := newInventory(t)

	out, err := execute(t, inventory, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "ok    marker (1 actions)")

	broken := filepath.Join(inventory, "recipes", "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("name: broken\nactions: [\n"), 0o644))

	out, err = execute(t, inventory, "validate")
	require.Error(t, err)
	assert.Equal(t, ExitGeneric, ExitCode(err))
	assert.Contains(t, out, "FAIL  broken")
}
