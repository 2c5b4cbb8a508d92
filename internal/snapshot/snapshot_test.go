package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyredis/tinyredis/internal/store"
)

func tempPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tinyredis-snap-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "nested", "dump.mrdb")
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	src := store.New()
	src.Set("k1", []byte("v1"), -1)
	src.Set("k2", []byte("v2"), 9999999999)
	src.HSet("h1", "f1", []byte("a"), 0)
	src.HSet("h1", "f2", []byte("b"), 0)
	src.ZAdd("z1", 1.5, "alice", 0)
	src.ZAdd("z1", 2.5, "bob", 0)

	path := tempPath(t)
	err := Save(path, src.SnapshotScalars(), src.SnapshotHashes(), src.SnapshotZSets())
	require.NoError(t, err)

	dst := store.New()
	require.NoError(t, Load(path, dst))

	v, ok := dst.Get("k1", 0)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	v2, ok := dst.Get("k2", 0)
	assert.True(t, ok)
	assert.Equal(t, []byte("v2"), v2)

	fv, ok := dst.HGet("h1", "f1", 0)
	assert.True(t, ok)
	assert.Equal(t, []byte("a"), fv)

	members := dst.ZRange("z1", 0, -1, 0)
	assert.Equal(t, []string{"alice", "bob"}, members)
}

func TestSaveAndLoad_RoundTrip_EmbeddedNewline(t *testing.T) {
	src := store.New()
	src.Set("k1", []byte("line one\nline two"), -1)
	src.HSet("h1", "f1\nwith newline", []byte("v1\nwith newline too"), 0)
	src.ZAdd("z1", 1.0, "member\nwith\nnewlines", 0)

	path := tempPath(t)
	err := Save(path, src.SnapshotScalars(), src.SnapshotHashes(), src.SnapshotZSets())
	require.NoError(t, err)

	dst := store.New()
	require.NoError(t, Load(path, dst))

	v, ok := dst.Get("k1", 0)
	assert.True(t, ok)
	assert.Equal(t, []byte("line one\nline two"), v)

	fv, ok := dst.HGet("h1", "f1\nwith newline", 0)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1\nwith newline too"), fv)

	members := dst.ZRange("z1", 0, -1, 0)
	assert.Equal(t, []string{"member\nwith\nnewlines"}, members)
}

func TestSave_CreatesMissingDirectory(t *testing.T) {
	path := tempPath(t)
	err := Save(path, map[string]store.ScalarRecord{}, nil, nil)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestLoad_MissingFileIsNoop(t *testing.T) {
	dst := store.New()
	err := Load(filepath.Join(t.TempDir(), "absent.mrdb"), dst)
	require.NoError(t, err)
	assert.Empty(t, dst.Keys())
}

func TestLoad_LegacyMRDB1ScalarOnly(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	legacy := "MRDB1\nSTR 1\n2 k1 2 v1 -1\n"
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	dst := store.New()
	require.NoError(t, Load(path, dst))

	v, ok := dst.Get("k1", 0)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)
}

func TestLoad_RejectsUnknownHeader(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("GARBAGE\n"), 0o644))

	dst := store.New()
	err := Load(path, dst)
	assert.Error(t, err)
}
