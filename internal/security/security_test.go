package security

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "id.key")
	require.NoError(t, WriteSecretFile(path, []byte("secret")))

	data, err := ReadSecretFile(path, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), data)

	require.NoError(t, WriteSecretFile(path, []byte("rotated")))
	data, err = ReadSecretFile(path, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated"), data)

	matches, err := filepath.Glob(path + ".tmp.*")
	require.NoError(t, err)
	assert.Empty(t, matches)

	_, err = ReadSecretFile(path, 3)
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestReadSecretFileRejectsOpenPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no unix permissions")
	}
	path := filepath.Join(t.TempDir(), "id.key")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := ReadSecretFile(path, 0)
	assert.ErrorIs(t, err, ErrInsecurePermissions)
}

func TestEnsureSecureDirTightens(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no unix permissions")
	}
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, EnsureSecureDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, PermSecretDir, info.Mode().Perm())
}

func TestLockDir(t *testing.T) {
	dir := t.TempDir()
	l, err := LockDir(dir)
	require.NoError(t, err)

	_, err = LockDir(dir)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l.Unlock())
	require.NoError(t, l.Unlock())

	l2, err := LockDir(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "LOCK"), l2.Path())
	require.NoError(t, l2.Unlock())
}

func TestRateLimiter(t *testing.T) {
	r := NewRateLimiter(1, 2)
	clock := time.Unix(0, 0)
	r.now = func() time.Time { return clock }
	r.lastRefill = clock

	assert.True(t, r.Allow())
	assert.True(t, r.Allow())
	assert.False(t, r.Allow())

	clock = clock.Add(1500 * time.Millisecond)
	assert.True(t, r.Allow())
	assert.False(t, r.Allow())
}

func TestKeyedRateLimiter(t *testing.T) {
	k := NewKeyedRateLimiter(0, 1)
	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"))
	assert.True(t, k.Allow("b"))

	k.Prune(-time.Minute)
	assert.True(t, k.Allow("a"))
}
