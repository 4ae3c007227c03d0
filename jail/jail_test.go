package jail

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	j := New(filepath.Join(dir, "root"))
	require.NoError(t, j.CreateRoot())

	require.NoError(t, j.WriteFile("serial", []byte("01"), 0o600))
	err := j.WriteFile("serial", []byte("02"), 0o600)
	require.Error(t, err)
}

func TestReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j := New(filepath.Join(dir, "root"))
	require.NoError(t, j.CreateRoot())

	require.NoError(t, j.WriteFile("index.txt", []byte(""), 0o600))
	data, err := j.ReadFile("index.txt")
	require.NoError(t, err)
	require.Equal(t, "", string(data))
}

func TestJoinRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	j := New(filepath.Join(dir, "root"))
	require.NoError(t, j.CreateRoot())

	err := j.WriteFile("../escape.txt", []byte("x"), 0o600)
	require.Error(t, err)
}

func TestCleanupRemovesRoot(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	j := New(root)
	require.NoError(t, j.CreateRoot())
	require.NoError(t, j.Cleanup(true))

	_, err := os.Stat(root)
	require.True(t, os.IsNotExist(err))
}

func TestCleanupPartialKeepsRoot(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	j := New(root)
	require.NoError(t, j.CreateRoot())
	require.NoError(t, j.CreateFolder("/tmp"))
	require.NoError(t, j.WriteFile("tmp/scratch.txt", []byte("x"), 0o600))

	require.NoError(t, j.Cleanup(false))

	_, err := os.Stat(root)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "tmp"))
	require.True(t, os.IsNotExist(err))
}
