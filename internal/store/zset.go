package store

import "sort"

// zsetVectorThreshold is the member count above which a ZSet record
// migrates from a sorted sequence to a skiplist. The migration is
// one-way: once indexed, a record never reverts to sequence mode.
const zsetVectorThreshold = 128

// scoredPair is a materialized (score, member) pair, used for snapshots
// and for the small-set sequence storage mode.
type scoredPair struct {
	Score  float64
	Member string
}

// ZSet is an adaptive score-ordered member set. Small sets are kept as a
// sorted slice with binary-search insertion; once the member count
// exceeds zsetVectorThreshold the record migrates to a skiplist and
// never migrates back. memberToScore mirrors whichever storage is active.
type ZSet struct {
	useSkiplist   bool
	items         []scoredPair // sequence mode
	sl            *skiplist    // indexed mode
	memberToScore map[string]float64
}

// NewZSet creates an empty ZSet.
func NewZSet() *ZSet {
	return &ZSet{memberToScore: make(map[string]float64)}
}

// Len returns the number of members.
func (z *ZSet) Len() int {
	return len(z.memberToScore)
}

func (z *ZSet) seqInsert(score float64, member string) {
	i := sort.Search(len(z.items), func(i int) bool {
		return !scoreLess(z.items[i].Score, z.items[i].Member, score, member)
	})
	z.items = append(z.items, scoredPair{})
	copy(z.items[i+1:], z.items[i:])
	z.items[i] = scoredPair{Score: score, Member: member}
}

func (z *ZSet) seqRemove(score float64, member string) {
	for i, p := range z.items {
		if abs(p.Score-score) <= scoreTolerance && p.Member == member {
			z.items = append(z.items[:i], z.items[i+1:]...)
			return
		}
	}
}

func (z *ZSet) migrateToSkiplist() {
	sl := newSkiplist()
	for _, p := range z.items {
		sl.insert(p.Score, p.Member)
	}
	z.sl = sl
	z.items = nil
	z.useSkiplist = true
}

// Add inserts or updates member's score. Returns true if member is new.
func (z *ZSet) Add(score float64, member string) bool {
	oldScore, existed := z.memberToScore[member]
	if !existed {
		if z.useSkiplist {
			z.sl.insert(score, member)
		} else {
			z.seqInsert(score, member)
			if len(z.items) > zsetVectorThreshold {
				z.migrateToSkiplist()
			}
		}
		z.memberToScore[member] = score
		return true
	}

	if abs(oldScore-score) <= scoreTolerance {
		return false
	}

	if z.useSkiplist {
		z.sl.erase(oldScore, member)
		z.sl.insert(score, member)
	} else {
		z.seqRemove(oldScore, member)
		z.seqInsert(score, member)
	}
	z.memberToScore[member] = score
	return false
}

// Remove deletes members, returning the count actually removed.
func (z *ZSet) Remove(members ...string) int {
	removed := 0
	for _, m := range members {
		score, ok := z.memberToScore[m]
		if !ok {
			continue
		}
		if z.useSkiplist {
			z.sl.erase(score, m)
		} else {
			z.seqRemove(score, m)
		}
		delete(z.memberToScore, m)
		removed++
	}
	return removed
}

// Score returns member's score, if present.
func (z *ZSet) Score(member string) (float64, bool) {
	s, ok := z.memberToScore[member]
	return s, ok
}

// Range returns members in total order for ranks in [start, stop].
func (z *ZSet) Range(start, stop int64) []string {
	if z.useSkiplist {
		return z.sl.rangeByRank(start, stop)
	}
	n := int64(len(z.items))
	if n == 0 {
		return nil
	}
	norm := func(idx int64) int64 {
		if idx < 0 {
			idx = n + idx
		}
		if idx < 0 {
			idx = 0
		}
		if idx >= n {
			idx = n - 1
		}
		return idx
	}
	s, e := norm(start), norm(stop)
	if s > e {
		return nil
	}
	out := make([]string, 0, e-s+1)
	for i := s; i <= e; i++ {
		out = append(out, z.items[i].Member)
	}
	return out
}

// ToSlice always returns the full (score, member) sequence in total
// order, independent of storage mode. The source this is grounded on
// drops the return statement here; this implementation returns it.
func (z *ZSet) ToSlice() []scoredPair {
	if z.useSkiplist {
		return z.sl.toSlice()
	}
	out := make([]scoredPair, len(z.items))
	copy(out, z.items)
	return out
}
