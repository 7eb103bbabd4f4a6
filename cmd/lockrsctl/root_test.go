package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes lockrsctl with the in-memory backend and no dotenv file
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOCKRS_STORAGE_BACKEND", "memory")

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "absent.env")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"migrate", "keys", "clients", "sweep"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}

	keys, _, err := root.Find([]string{"keys", "rotate"})
	require.NoError(t, err)
	assert.Equal(t, "rotate", keys.Name())
	assert.NotNil(t, keys.Flags().Lookup("secret"))
}

func TestClientsImportCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedFile), 0o600))

	out, err := run(t, "clients", "import", path, "--bcrypt-cost", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "imported 2 client(s) into memory (0 replaced)")
}

func TestClientsImportCommand_Errors(t *testing.T) {
	_, err := run(t, "clients", "import", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = run(t, "clients", "import")
	assert.Error(t, err)
}

func TestSweepCommand(t *testing.T) {
	out, err := run(t, "sweep", "--grace", "0s")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 expired record(s) from memory")

	_, err = run(t, "sweep", "--grace=-1h")
	assert.Error(t, err)
}

func TestMigrateCommand_Validation(t *testing.T) {
	_, err := run(t, "migrate", "sideways")
	assert.Error(t, err)

	_, err = run(t, "migrate", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.database_url is required")
}

func TestConfigFileErrors(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "sweep")
	assert.Error(t, err)
}
