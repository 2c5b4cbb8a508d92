package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyspace_SetGetDel(t *testing.T) {
	k := New()
	k.Set("a", []byte("1"), -1)
	val, ok := k.Get("a", 0)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), val)

	assert.Equal(t, 1, k.Del([]string{"a", "missing"}, 0))
	_, ok = k.Get("a", 0)
	assert.False(t, ok)
}

func TestKeyspace_TTLLazyEviction(t *testing.T) {
	k := New()
	k.Set("a", []byte("1"), 1000) // expires at ms=1000
	_, ok := k.Get("a", 500)
	assert.True(t, ok)

	_, ok = k.Get("a", 1500)
	assert.False(t, ok)
	assert.Equal(t, int64(-2), k.TTL("a", 1500))
}

func TestKeyspace_ExpireClearsAndSets(t *testing.T) {
	k := New()
	k.Set("a", []byte("1"), 1000)
	assert.True(t, k.Expire("a", -1, 0)) // clear
	assert.Equal(t, int64(-1), k.TTL("a", 0))

	assert.True(t, k.Expire("a", 10, 0))
	assert.Equal(t, int64(10), k.TTL("a", 0))
	assert.False(t, k.Expire("missing", 10, 0))
}

func TestKeyspace_ThreeIndependentFamiliesCoexist(t *testing.T) {
	k := New()
	k.Set("x", []byte("scalar"), -1)
	k.HSet("x", "f", []byte("v"), 0)
	k.ZAdd("x", 1, "m", 0)

	assert.True(t, k.Exists("x", 0))
	_, ok := k.Get("x", 0)
	assert.True(t, ok)
	_, ok = k.HGet("x", "f", 0)
	assert.True(t, ok)
	_, ok = k.ZScore("x", "m", 0)
	assert.True(t, ok)

	assert.Equal(t, 1, k.Del([]string{"x"}, 0))
	assert.False(t, k.Exists("x", 0))
}

func TestKeyspace_HashLifecycle(t *testing.T) {
	k := New()
	assert.True(t, k.HSet("h", "a", []byte("1"), 0))
	assert.False(t, k.HSet("h", "a", []byte("2"), 0))
	assert.Equal(t, 1, k.HLen("h", 0))

	assert.Equal(t, 1, k.HDel("h", []string{"a"}, 0))
	assert.False(t, k.Exists("h", 0)) // record deleted once empty
}

func TestKeyspace_ZSetLifecycle(t *testing.T) {
	k := New()
	k.ZAdd("z", 1, "a", 0)
	k.ZAdd("z", 2, "b", 0)
	assert.Equal(t, []string{"a", "b"}, k.ZRange("z", 0, -1, 0))

	assert.Equal(t, 2, k.ZRem("z", []string{"a", "b"}, 0))
	assert.False(t, k.Exists("z", 0))
}

func TestKeyspace_ExpireScanStep(t *testing.T) {
	k := New()
	k.Set("a", []byte("1"), 100)
	k.Set("b", []byte("2"), 100)
	k.Set("c", []byte("3"), -1)

	removed := k.ExpireScanStep(10, 500)
	assert.Equal(t, 2, removed)
	assert.True(t, k.Exists("c", 500))
}

func TestKeyspace_SnapshotZSetsAlwaysReturnsPopulated(t *testing.T) {
	k := New()
	k.ZAdd("z", 1, "a", 0)
	entries := k.SnapshotZSets()
	assert.Len(t, entries, 1)
	assert.Equal(t, []scoredPair{{Score: 1, Member: "a"}}, entries[0].Items)
}

func TestKeyspace_Keys(t *testing.T) {
	k := New()
	k.Set("a", []byte("1"), -1)
	k.HSet("a", "f", []byte("v"), 0) // same key, different family
	k.ZAdd("b", 1, "m", 0)

	assert.Equal(t, []string{"a", "b"}, k.Keys())
}
