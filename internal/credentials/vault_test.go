package credentials

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func fixedScope(value string) ScopeFunc {
	return func() (string, error) {
		return value, nil
	}
}

func newTestVault(t *testing.T, path, scope, fallback string) *Vault {
	t.Helper()
	vault, err := NewVault(Config{Path: path, Scope: fixedScope(scope), Fallback: fallback})
	require.NoError(t, err)
	return vault
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.bin")
	vault := newTestVault(t, path, "machine|1000|alice", "")

	require.NoError(t, vault.Save("  0123456789ABCDEF  "))
	secret, err := vault.Load()
	require.NoError(t, err)
	require.Equal(t, "0123456789ABCDEF", secret)

	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(blob), blobMagic))
	require.NotContains(t, string(blob), "0123456789ABCDEF")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened := newTestVault(t, path, "machine|1000|alice", "")
	require.Equal(t, "0123456789ABCDEF", reopened.APIKey())
}

func TestLoadRejectsOtherScope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.bin")
	require.NoError(t, newTestVault(t, path, "machine-a|1000|alice", "").Save("secret"))

	_, err := newTestVault(t, path, "machine-b|1000|alice", "").Load()
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestLoadRejectsTamperedBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.bin")
	vault := newTestVault(t, path, "scope", "")
	require.NoError(t, vault.Save("secret"))

	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, blob, 0o600))
	_, err = vault.Load()
	require.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, os.WriteFile(path, []byte("junk"), 0o600))
	_, err = vault.Load()
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestAPIKeyFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.bin")
	vault := newTestVault(t, path, "scope", "config-key")

	_, err := vault.Load()
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, "config-key", vault.APIKey())

	require.NoError(t, vault.Save("stored-key"))
	require.Equal(t, "stored-key", vault.APIKey())

	require.NoError(t, vault.Clear())
	require.Equal(t, "config-key", vault.APIKey())
	require.NoError(t, vault.Clear())
}

func TestSaveRejectsEmptySecret(t *testing.T) {
	vault := newTestVault(t, filepath.Join(t.TempDir(), "credentials.bin"), "scope", "")
	require.Error(t, vault.Save("   "))
}
