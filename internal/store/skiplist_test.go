package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSkiplist_InsertAndRank(t *testing.T) {
	sl := newSkiplist()
	assert.True(t, sl.insert(3, "c"))
	assert.True(t, sl.insert(1, "a"))
	assert.True(t, sl.insert(2, "b"))
	assert.True(t, sl.insert(4, "d"))

	// Duplicate (score, member) is rejected.
	assert.False(t, sl.insert(1, "a"))

	assert.Equal(t, []string{"a", "b", "c", "d"}, sl.rangeByRank(0, -1))
}

func TestSkiplist_NegativeRanks(t *testing.T) {
	sl := newSkiplist()
	sl.insert(1, "a")
	sl.insert(2, "b")
	sl.insert(3, "c")
	sl.insert(4, "d")

	assert.Equal(t, []string{"c", "d"}, sl.rangeByRank(-2, -1))
}

func TestSkiplist_Erase(t *testing.T) {
	sl := newSkiplist()
	sl.insert(1, "a")
	sl.insert(2, "b")

	assert.True(t, sl.erase(1, "a"))
	assert.False(t, sl.erase(1, "a")) // already removed
	assert.False(t, sl.erase(99, "missing"))

	assert.Equal(t, []string{"b"}, sl.rangeByRank(0, -1))
}

func TestSkiplist_ToSlice(t *testing.T) {
	sl := newSkiplist()
	sl.insert(2, "b")
	sl.insert(1, "a")

	out := sl.toSlice()
	assert.Equal(t, []scoredPair{{Score: 1, Member: "a"}, {Score: 2, Member: "b"}}, out)
}

func TestSkiplist_ScoreTieBrokenByMember(t *testing.T) {
	sl := newSkiplist()
	sl.insert(1.0000001, "a")
	sl.insert(1.0, "b")

	// Scores within tolerance are equal; members break ties.
	assert.Equal(t, []string{"a", "b"}, sl.rangeByRank(0, -1))
}
