// Package store holds the three value-family keyspaces (scalar, hash,
// ordered set) plus the shared expiry index. It performs no locking of
// its own; the owning engine serializes all access with a single
// exclusion, matching how the callers of this package are structured.
package store

import (
	"math/rand"
	"sort"
)

// ScalarRecord is a scalar string value with an optional expiry.
type ScalarRecord struct {
	Value      []byte
	ExpireAtMs int64 // -1 means no expiry
}

// HashEntry pairs a key with its field map, for snapshotting.
type HashEntry struct {
	Key        string
	Hash       *Hash
	ExpireAtMs int64
}

// ZSetEntry pairs a key with its ordered-set, for snapshotting.
type ZSetEntry struct {
	Key        string
	Items      []scoredPair
	ExpireAtMs int64
}

type hashRecord struct {
	hash       *Hash
	expireAtMs int64
}

type zsetRecord struct {
	zset       *ZSet
	expireAtMs int64
}

// Keyspace holds the three independent value-family maps. The same key
// name may simultaneously hold a scalar record, a hash record, and a
// zset record: the families are never unified (see DESIGN.md).
type Keyspace struct {
	scalars map[string]*ScalarRecord
	hashes  map[string]*hashRecord
	zsets   map[string]*zsetRecord

	// expireIndex maps every key with a finite expiry, across all three
	// families, to its expire-at timestamp (ms).
	expireIndex map[string]int64
}

// New creates an empty Keyspace.
func New() *Keyspace {
	return &Keyspace{
		scalars:     make(map[string]*ScalarRecord),
		hashes:      make(map[string]*hashRecord),
		zsets:       make(map[string]*zsetRecord),
		expireIndex: make(map[string]int64),
	}
}

// --- scalar family ---

// Set overwrites the scalar record for key. expireAtMs < 0 means no expiry.
func (k *Keyspace) Set(key string, value []byte, expireAtMs int64) {
	k.scalars[key] = &ScalarRecord{Value: append([]byte(nil), value...), ExpireAtMs: expireAtMs}
	if expireAtMs >= 0 {
		k.expireIndex[key] = expireAtMs
	} else {
		delete(k.expireIndex, key)
	}
}

// Get returns the scalar value for key, lazily expiring it first.
func (k *Keyspace) Get(key string, nowMs int64) ([]byte, bool) {
	k.cleanupScalarIfExpired(key, nowMs)
	rec, ok := k.scalars[key]
	if !ok {
		return nil, false
	}
	return rec.Value, true
}

// Del removes keys from whichever family holds them, returning the count removed.
func (k *Keyspace) Del(keys []string, nowMs int64) int {
	removed := 0
	for _, key := range keys {
		k.cleanupScalarIfExpired(key, nowMs)
		k.cleanupHashIfExpired(key, nowMs)
		k.cleanupZSetIfExpired(key, nowMs)

		found := false
		if _, ok := k.scalars[key]; ok {
			delete(k.scalars, key)
			found = true
		}
		if _, ok := k.hashes[key]; ok {
			delete(k.hashes, key)
			found = true
		}
		if _, ok := k.zsets[key]; ok {
			delete(k.zsets, key)
			found = true
		}
		delete(k.expireIndex, key)
		if found {
			removed++
		}
	}
	return removed
}

// Exists reports whether any family holds key.
func (k *Keyspace) Exists(key string, nowMs int64) bool {
	k.cleanupScalarIfExpired(key, nowMs)
	k.cleanupHashIfExpired(key, nowMs)
	k.cleanupZSetIfExpired(key, nowMs)
	if _, ok := k.scalars[key]; ok {
		return true
	}
	if _, ok := k.hashes[key]; ok {
		return true
	}
	if _, ok := k.zsets[key]; ok {
		return true
	}
	return false
}

// Expire sets expireAtMs on whichever family currently holds key
// (scalar, then hash, then zset). A negative seconds value clears the
// expiry. Returns false if no family holds key.
func (k *Keyspace) Expire(key string, seconds int64, nowMs int64) bool {
	k.cleanupScalarIfExpired(key, nowMs)
	k.cleanupHashIfExpired(key, nowMs)
	k.cleanupZSetIfExpired(key, nowMs)

	var newExpiry int64 = -1
	if seconds >= 0 {
		newExpiry = nowMs + seconds*1000
	}

	if rec, ok := k.scalars[key]; ok {
		rec.ExpireAtMs = newExpiry
		k.setExpireIndex(key, newExpiry)
		return true
	}
	if rec, ok := k.hashes[key]; ok {
		rec.expireAtMs = newExpiry
		k.setExpireIndex(key, newExpiry)
		return true
	}
	if rec, ok := k.zsets[key]; ok {
		rec.expireAtMs = newExpiry
		k.setExpireIndex(key, newExpiry)
		return true
	}
	return false
}

func (k *Keyspace) setExpireIndex(key string, expireAtMs int64) {
	if expireAtMs >= 0 {
		k.expireIndex[key] = expireAtMs
	} else {
		delete(k.expireIndex, key)
	}
}

// TTL returns -2 if key is absent from every family, -1 if the record
// holding key is persistent, else seconds remaining rounded down.
func (k *Keyspace) TTL(key string, nowMs int64) int64 {
	k.cleanupScalarIfExpired(key, nowMs)
	k.cleanupHashIfExpired(key, nowMs)
	k.cleanupZSetIfExpired(key, nowMs)

	var expireAtMs int64
	switch {
	case k.scalars[key] != nil:
		expireAtMs = k.scalars[key].ExpireAtMs
	case k.hashes[key] != nil:
		expireAtMs = k.hashes[key].expireAtMs
	case k.zsets[key] != nil:
		expireAtMs = k.zsets[key].expireAtMs
	default:
		return -2
	}
	if expireAtMs < 0 {
		return -1
	}
	msLeft := expireAtMs - nowMs
	if msLeft <= 0 {
		return -2
	}
	return msLeft / 1000
}

// --- hash family ---

// HSet sets a field on key's hash, creating the hash if needed. Returns
// true if the field is new.
func (k *Keyspace) HSet(key, field string, value []byte, nowMs int64) bool {
	k.cleanupHashIfExpired(key, nowMs)
	rec, ok := k.hashes[key]
	if !ok {
		rec = &hashRecord{hash: NewHash(), expireAtMs: -1}
		k.hashes[key] = rec
	}
	return rec.hash.Set(field, value)
}

// HGet returns a field's value.
func (k *Keyspace) HGet(key, field string, nowMs int64) ([]byte, bool) {
	k.cleanupHashIfExpired(key, nowMs)
	rec, ok := k.hashes[key]
	if !ok {
		return nil, false
	}
	return rec.hash.Get(field)
}

// HDel removes fields, deleting the record entirely once it is empty.
func (k *Keyspace) HDel(key string, fields []string, nowMs int64) int {
	k.cleanupHashIfExpired(key, nowMs)
	rec, ok := k.hashes[key]
	if !ok {
		return 0
	}
	removed := rec.hash.Del(fields...)
	if rec.hash.Len() == 0 {
		delete(k.hashes, key)
		delete(k.expireIndex, key)
	}
	return removed
}

// HExists reports whether field exists on key's hash.
func (k *Keyspace) HExists(key, field string, nowMs int64) bool {
	k.cleanupHashIfExpired(key, nowMs)
	rec, ok := k.hashes[key]
	if !ok {
		return false
	}
	return rec.hash.Exists(field)
}

// HGetAll returns the flattened field/value sequence, in unspecified order.
func (k *Keyspace) HGetAll(key string, nowMs int64) []HashFieldValue {
	k.cleanupHashIfExpired(key, nowMs)
	rec, ok := k.hashes[key]
	if !ok {
		return nil
	}
	return rec.hash.GetAll()
}

// HLen returns the number of fields in key's hash.
func (k *Keyspace) HLen(key string, nowMs int64) int {
	k.cleanupHashIfExpired(key, nowMs)
	rec, ok := k.hashes[key]
	if !ok {
		return 0
	}
	return rec.hash.Len()
}

// ScalarExists reports whether key has a scalar record, for TypeMismatch diagnostics.
func (k *Keyspace) ScalarExists(key string) bool {
	_, ok := k.scalars[key]
	return ok
}

// HashExists reports whether key has a hash record, for TypeMismatch diagnostics.
func (k *Keyspace) HashExists(key string) bool {
	_, ok := k.hashes[key]
	return ok
}

// --- zset family ---

// ZAdd inserts or updates a member's score, returning 1 if new, 0 otherwise.
func (k *Keyspace) ZAdd(key string, score float64, member string, nowMs int64) int {
	k.cleanupZSetIfExpired(key, nowMs)
	rec, ok := k.zsets[key]
	if !ok {
		rec = &zsetRecord{zset: NewZSet(), expireAtMs: -1}
		k.zsets[key] = rec
	}
	if rec.zset.Add(score, member) {
		return 1
	}
	return 0
}

// ZRem removes members, deleting the record entirely once it is empty.
func (k *Keyspace) ZRem(key string, members []string, nowMs int64) int {
	k.cleanupZSetIfExpired(key, nowMs)
	rec, ok := k.zsets[key]
	if !ok {
		return 0
	}
	removed := rec.zset.Remove(members...)
	if rec.zset.Len() == 0 {
		delete(k.zsets, key)
		delete(k.expireIndex, key)
	}
	return removed
}

// ZRange returns members in total order for normalized ranks [start, stop].
func (k *Keyspace) ZRange(key string, start, stop int64, nowMs int64) []string {
	k.cleanupZSetIfExpired(key, nowMs)
	rec, ok := k.zsets[key]
	if !ok {
		return nil
	}
	return rec.zset.Range(start, stop)
}

// ZScore returns member's score.
func (k *Keyspace) ZScore(key, member string, nowMs int64) (float64, bool) {
	k.cleanupZSetIfExpired(key, nowMs)
	rec, ok := k.zsets[key]
	if !ok {
		return 0, false
	}
	return rec.zset.Score(member)
}

// ZSetExists reports whether key has a zset record, for TypeMismatch diagnostics.
func (k *Keyspace) ZSetExists(key string) bool {
	_, ok := k.zsets[key]
	return ok
}

// --- expiry sampling ---

// ExpireScanStep picks a pseudo-random starting position in the expiry
// index and examines up to maxSteps entries, wrapping once, removing any
// record whose expiry is in the past. Returns the count removed.
func (k *Keyspace) ExpireScanStep(maxSteps int, nowMs int64) int {
	if maxSteps <= 0 || len(k.expireIndex) == 0 {
		return 0
	}

	keys := make([]string, 0, len(k.expireIndex))
	for key := range k.expireIndex {
		keys = append(keys, key)
	}
	sort.Strings(keys) // deterministic wrap order for a single call

	start := rand.Intn(len(keys))
	removed := 0
	n := len(keys)
	for i := 0; i < maxSteps && i < n; i++ {
		key := keys[(start+i)%n]
		when, ok := k.expireIndex[key]
		if !ok {
			continue // already removed earlier in this same pass
		}
		if when >= 0 && nowMs >= when {
			delete(k.scalars, key)
			delete(k.hashes, key)
			delete(k.zsets, key)
			delete(k.expireIndex, key)
			removed++
		}
	}
	return removed
}

// --- snapshots ---

// SnapshotScalars returns a stable copy of the scalar family.
func (k *Keyspace) SnapshotScalars() map[string]ScalarRecord {
	out := make(map[string]ScalarRecord, len(k.scalars))
	for key, rec := range k.scalars {
		out[key] = ScalarRecord{Value: append([]byte(nil), rec.Value...), ExpireAtMs: rec.ExpireAtMs}
	}
	return out
}

// SnapshotHashes returns a stable copy of the hash family.
func (k *Keyspace) SnapshotHashes() []HashEntry {
	out := make([]HashEntry, 0, len(k.hashes))
	for key, rec := range k.hashes {
		cp := NewHash()
		for field, value := range rec.hash.fields {
			cp.fields[field] = append([]byte(nil), value...)
		}
		out = append(out, HashEntry{Key: key, Hash: cp, ExpireAtMs: rec.expireAtMs})
	}
	return out
}

// SnapshotZSets always returns the populated slice, independent of each
// record's storage mode (the source this is grounded on drops its
// return statement here).
func (k *Keyspace) SnapshotZSets() []ZSetEntry {
	out := make([]ZSetEntry, 0, len(k.zsets))
	for key, rec := range k.zsets {
		out = append(out, ZSetEntry{Key: key, Items: rec.zset.ToSlice(), ExpireAtMs: rec.expireAtMs})
	}
	return out
}

// Keys returns the union of key names across all three families, deduplicated.
func (k *Keyspace) Keys() []string {
	seen := make(map[string]struct{}, len(k.scalars)+len(k.hashes)+len(k.zsets))
	for key := range k.scalars {
		seen[key] = struct{}{}
	}
	for key := range k.hashes {
		seen[key] = struct{}{}
	}
	for key := range k.zsets {
		seen[key] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// SetHashExpireAtMs sets the hash record's expiry directly, used by the
// snapshot loader.
func (k *Keyspace) SetHashExpireAtMs(key string, expireAtMs int64) bool {
	rec, ok := k.hashes[key]
	if !ok {
		return false
	}
	rec.expireAtMs = expireAtMs
	if expireAtMs >= 0 {
		k.expireIndex[key] = expireAtMs
	}
	return true
}

// SetZSetExpireAtMs sets the zset record's expiry directly, used by the
// snapshot loader.
func (k *Keyspace) SetZSetExpireAtMs(key string, expireAtMs int64) bool {
	rec, ok := k.zsets[key]
	if !ok {
		return false
	}
	rec.expireAtMs = expireAtMs
	if expireAtMs >= 0 {
		k.expireIndex[key] = expireAtMs
	}
	return true
}

func (k *Keyspace) cleanupScalarIfExpired(key string, nowMs int64) {
	rec, ok := k.scalars[key]
	if ok && rec.ExpireAtMs >= 0 && nowMs >= rec.ExpireAtMs {
		delete(k.scalars, key)
		delete(k.expireIndex, key)
	}
}

func (k *Keyspace) cleanupHashIfExpired(key string, nowMs int64) {
	rec, ok := k.hashes[key]
	if ok && rec.expireAtMs >= 0 && nowMs >= rec.expireAtMs {
		delete(k.hashes, key)
		delete(k.expireIndex, key)
	}
}

func (k *Keyspace) cleanupZSetIfExpired(key string, nowMs int64) {
	rec, ok := k.zsets[key]
	if ok && rec.expireAtMs >= 0 && nowMs >= rec.expireAtMs {
		delete(k.zsets, key)
		delete(k.expireIndex, key)
	}
}
