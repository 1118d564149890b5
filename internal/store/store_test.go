package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreMissingFile(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "paired.json"))

	devices, err := fs.Load()
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paired.json")
	fs := NewFileStore(path)

	pairedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	in := []PairedDevice{
		{ID: "peer-a", Name: "Alice's phone", PairedAt: pairedAt},
		{ID: "peer-b", Name: "Bob", PairedAt: pairedAt.Add(time.Hour)},
	}
	require.NoError(t, fs.Save(in))

	out, err := fs.Load()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "peer-a", out[0].ID)
	assert.Equal(t, "Alice's phone", out[0].Name)
	assert.True(t, out[0].PairedAt.Equal(pairedAt))
	assert.Nil(t, out[0].LastConnected)
}

func TestFileStoreSaveReplacesWholeList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paired.json")
	fs := NewFileStore(path)

	require.NoError(t, fs.Save([]PairedDevice{{ID: "peer-a", Name: "a"}}))
	require.NoError(t, fs.Save([]PairedDevice{{ID: "peer-b", Name: "b"}}))

	out, err := fs.Load()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "peer-b", out[0].ID)
}

func TestFileStoreSaveEmptyList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paired.json")
	fs := NewFileStore(path)

	require.NoError(t, fs.Save([]PairedDevice{{ID: "peer-a", Name: "a"}}))
	require.NoError(t, fs.Save(nil))

	out, err := fs.Load()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFileStoreNoPartialFileOnDisk(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(filepath.Join(dir, "paired.json"))
	require.NoError(t, fs.Save([]PairedDevice{{ID: "peer-a", Name: "a"}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "paired.json", entries[0].Name())
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paired.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0600))

	fs := NewFileStore(path)
	_, err := fs.Load()
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()

	devices, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, devices)

	require.NoError(t, m.Save([]PairedDevice{{ID: "peer-a"}}))
	devices, err = m.Load()
	require.NoError(t, err)
	require.Len(t, devices, 1)

	// The returned slice is a copy.
	devices[0].ID = "mutated"
	devices, err = m.Load()
	require.NoError(t, err)
	assert.Equal(t, "peer-a", devices[0].ID)
}
