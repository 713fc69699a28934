package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/crx-server/internal/crx"
)

// TestBump_From resolves against an explicit previous version.
func TestBump_From(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"patch": "1.2.4",
		"minor": "1.3.0",
		"major": "2.0.0",
		"":      "1.2.3",
		"0.9.0": "0.9.0",
	}

	for spec, want := range cases {
		t.Run("spec "+spec, func(t *testing.T) {
			t.Parallel()

			var out, errOut bytes.Buffer

			cmd := newBumpCommand()
			cmd.SetOut(&out)
			cmd.SetErr(&errOut)
			cmd.SetArgs([]string{spec, "--from", "1.2.3"})

			require.NoError(t, cmd.Execute())
			require.Equal(t, want, strings.TrimSpace(out.String()))

			if spec == "0.9.0" {
				require.Contains(t, errOut.String(), "not newer")
			}
		})
	}
}

// TestKeygen writes a key whose ID matches the printed one.
func TestKeygen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys", "key.pem")

	var out bytes.Buffer

	cmd := newKeygenCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--out", path, "--bits", "1024"})
	require.NoError(t, cmd.Execute())

	key, err := crx.ReadKey(path)
	require.NoError(t, err)

	id, err := crx.IDFromKey(key)
	require.NoError(t, err)
	require.Contains(t, out.String(), id)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Refuses to overwrite without --force.
	again := newKeygenCommand()
	again.SetOut(&out)
	again.SetErr(&out)
	again.SetArgs([]string{"--out", path, "--bits", "1024"})
	require.ErrorIs(t, again.Execute(), crx.ErrKeyExists)
}

// TestStatus_RequiresAddress fails before dialing.
func TestStatus_RequiresAddress(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	cmd := newStatusCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{})
	require.ErrorIs(t, cmd.Execute(), errControlAddrRequired)
}
