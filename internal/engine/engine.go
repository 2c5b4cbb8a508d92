// Package engine holds the data engine: the three value-family
// keyspaces plus expiry management, guarded by a single engine-wide
// exclusion so every operation is atomic from the caller's perspective.
// It is the one component touched from the connection goroutines, the
// WAL loader at startup, and the replication client.
package engine

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinyredis/tinyredis/internal/errs"
	"github.com/tinyredis/tinyredis/internal/protocol"
	"github.com/tinyredis/tinyredis/internal/snapshot"
	"github.com/tinyredis/tinyredis/internal/store"
)

// Engine coordinates the in-memory keyspace. All exported methods
// acquire mu before touching the keyspace; none suspend while holding
// it, satisfying the no-blocking-under-lock rule.
type Engine struct {
	mu     sync.Mutex
	ks     *store.Keyspace
	logger *zap.Logger
}

// New creates an empty Engine.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{ks: store.New(), logger: logger}
}

func nowMs() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

// --- scalar family ---

// Set overwrites key's scalar record. expireAtMs < 0 means no expiry;
// otherwise it is an absolute deadline in Unix milliseconds.
func (e *Engine) Set(key string, value []byte, expireAtMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ks.Set(key, value, expireAtMs)
}

// Get returns key's scalar value, or false if absent or expired.
func (e *Engine) Get(key string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.Get(key, nowMs())
}

// Del removes keys from whichever family holds them, returning the
// count actually removed.
func (e *Engine) Del(keys []string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.Del(keys, nowMs())
}

// Exists reports whether any family holds key.
func (e *Engine) Exists(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.Exists(key, nowMs())
}

// Expire sets or clears key's expiry; a negative seconds value clears
// it. Returns false if no family holds key.
func (e *Engine) Expire(key string, seconds int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.Expire(key, seconds, nowMs())
}

// TTL returns -2 if key is absent, -1 if persistent, else seconds left.
func (e *Engine) TTL(key string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.TTL(key, nowMs())
}

// Keys returns every key name across all three families.
func (e *Engine) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.Keys()
}

// --- field map family ---

// HSet sets a field on key's hash. Returns true if the field is new.
func (e *Engine) HSet(key, field string, value []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.HSet(key, field, value, nowMs())
}

// HGet returns a field's value. If key holds a record in a different
// family, the miss is reported as a TypeMismatch error rather than a
// silent absence.
func (e *Engine) HGet(key, field string) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := nowMs()
	val, ok := e.ks.HGet(key, field, now)
	if ok {
		return val, true, nil
	}
	if !e.ks.HashExists(key) && e.otherFamilyHoldsLocked(key) {
		return nil, false, errs.New(errs.TypeMismatch, fmt.Sprintf("key %q is not a hash", key))
	}
	return nil, false, nil
}

// HDel removes fields, deleting the record once it is empty.
func (e *Engine) HDel(key string, fields []string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.HDel(key, fields, nowMs())
}

// HExists reports whether field exists on key's hash.
func (e *Engine) HExists(key, field string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.HExists(key, field, nowMs())
}

// HGetAll returns key's flattened field/value pairs, in unspecified order.
func (e *Engine) HGetAll(key string) []store.HashFieldValue {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.HGetAll(key, nowMs())
}

// HLen returns the number of fields in key's hash.
func (e *Engine) HLen(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.HLen(key, nowMs())
}

// --- ordered set family ---

// ZAdd inserts or updates member's score, returning 1 if new, 0 otherwise.
func (e *Engine) ZAdd(key string, score float64, member string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.ZAdd(key, score, member, nowMs())
}

// ZRem removes members, deleting the record once it is empty.
func (e *Engine) ZRem(key string, members []string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.ZRem(key, members, nowMs())
}

// ZRange returns members in total order over normalized ranks [start, stop].
func (e *Engine) ZRange(key string, start, stop int64) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.ZRange(key, start, stop, nowMs())
}

// ZScore returns member's score. If key holds a record in a different
// family, the miss is reported as a TypeMismatch error.
func (e *Engine) ZScore(key, member string) (float64, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := nowMs()
	score, ok := e.ks.ZScore(key, member, now)
	if ok {
		return score, true, nil
	}
	if !e.ks.ZSetExists(key) && e.otherFamilyHoldsLocked(key) {
		return 0, false, errs.New(errs.TypeMismatch, fmt.Sprintf("key %q is not a zset", key))
	}
	return 0, false, nil
}

// otherFamilyHoldsLocked reports whether key is present in the scalar,
// hash, or zset family. Caller must already hold mu.
func (e *Engine) otherFamilyHoldsLocked(key string) bool {
	return e.ks.ScalarExists(key) || e.ks.HashExists(key) || e.ks.ZSetExists(key)
}

// --- expiry sampling ---

// ExpireScanStep examines up to maxSteps entries of the expiry index
// from a pseudo-random start, removing any whose deadline has passed.
// Returns the count removed.
func (e *Engine) ExpireScanStep(maxSteps int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.ExpireScanStep(maxSteps, nowMs())
}

// --- snapshots ---

// SnapshotScalars returns a stable copy of the scalar family, used by
// the WAL rewriter to serialize the minimal command sequence.
func (e *Engine) SnapshotScalars() map[string]store.ScalarRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.SnapshotScalars()
}

// SnapshotHashes returns a stable copy of the hash family.
func (e *Engine) SnapshotHashes() []store.HashEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.SnapshotHashes()
}

// SnapshotZSets returns a stable copy of the ordered-set family.
func (e *Engine) SnapshotZSets() []store.ZSetEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.SnapshotZSets()
}

// SaveSnapshot takes a consistent snapshot under the engine exclusion,
// then writes it to path without holding the lock.
func (e *Engine) SaveSnapshot(path string) error {
	e.mu.Lock()
	scalars := e.ks.SnapshotScalars()
	hashes := e.ks.SnapshotHashes()
	zsets := e.ks.SnapshotZSets()
	e.mu.Unlock()

	if err := snapshot.Save(path, scalars, hashes, zsets); err != nil {
		return errs.Wrap(errs.IoFailure, "snapshot save failed", err)
	}
	return nil
}

// LoadSnapshot replaces the engine's state with the contents of path.
func (e *Engine) LoadSnapshot(path string) error {
	fresh := store.New()
	if err := snapshot.Load(path, fresh); err != nil {
		return errs.Wrap(errs.IoFailure, "snapshot load failed", err)
	}
	e.mu.Lock()
	e.ks = fresh
	e.mu.Unlock()
	return nil
}

// Reset discards all engine state, used before a replication bootstrap
// replaces it with a freshly loaded snapshot.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ks = store.New()
}

// Fingerprint is a deterministic hash over every record and its
// expiry, used only by tests to assert two engines hold equal state
// (e.g. primary vs. replica after bootstrap).
func (e *Engine) Fingerprint() string {
	e.mu.Lock()
	scalars := e.ks.SnapshotScalars()
	hashes := e.ks.SnapshotHashes()
	zsets := e.ks.SnapshotZSets()
	e.mu.Unlock()

	h := sha256.New()

	scalarKeys := make([]string, 0, len(scalars))
	for k := range scalars {
		scalarKeys = append(scalarKeys, k)
	}
	sort.Strings(scalarKeys)
	for _, k := range scalarKeys {
		rec := scalars[k]
		fmt.Fprintf(h, "S|%s|%x|%d\n", k, rec.Value, rec.ExpireAtMs)
	}

	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Key < hashes[j].Key })
	for _, entry := range hashes {
		pairs := entry.Hash.GetAll()
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].Field < pairs[j].Field })
		fmt.Fprintf(h, "H|%s|%d\n", entry.Key, entry.ExpireAtMs)
		for _, p := range pairs {
			fmt.Fprintf(h, "  %s=%x\n", p.Field, p.Value)
		}
	}

	sort.Slice(zsets, func(i, j int) bool { return zsets[i].Key < zsets[j].Key })
	for _, entry := range zsets {
		fmt.Fprintf(h, "Z|%s|%d\n", entry.Key, entry.ExpireAtMs)
		for _, item := range entry.Items {
			fmt.Fprintf(h, "  %s=%.6f\n", item.Member, item.Score)
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}

// WriteRewriteBase serializes the engine's current state as the
// minimal command sequence that reconstructs it: a SET (and EXPIRE, if
// the record carries one) per scalar, an HSET per hash field (plus one
// EXPIRE per hash), and a ZADD per ordered-set member (plus one EXPIRE
// per zset). It matches wal.RewriteBaseWriter's signature so it can be
// passed directly to (*wal.WAL).Rewrite.
func (e *Engine) WriteRewriteBase(w *bufio.Writer) error {
	e.mu.Lock()
	scalars := e.ks.SnapshotScalars()
	hashes := e.ks.SnapshotHashes()
	zsets := e.ks.SnapshotZSets()
	e.mu.Unlock()

	now := nowMs()
	writeExpire := func(key string, expireAtMs int64) error {
		if expireAtMs < 0 {
			return nil
		}
		seconds := (expireAtMs - now) / 1000
		if seconds < 0 {
			seconds = 0
		}
		_, err := w.Write(protocol.Encode("EXPIRE", key, strconv.FormatInt(seconds, 10)))
		return err
	}

	for key, rec := range scalars {
		if _, err := w.Write(protocol.Encode("SET", key, string(rec.Value))); err != nil {
			return err
		}
		if err := writeExpire(key, rec.ExpireAtMs); err != nil {
			return err
		}
	}

	for _, entry := range hashes {
		for _, pair := range entry.Hash.GetAll() {
			if _, err := w.Write(protocol.Encode("HSET", entry.Key, pair.Field, string(pair.Value))); err != nil {
				return err
			}
		}
		if err := writeExpire(entry.Key, entry.ExpireAtMs); err != nil {
			return err
		}
	}

	for _, entry := range zsets {
		for _, item := range entry.Items {
			if _, err := w.Write(protocol.Encode("ZADD", entry.Key, strconv.FormatFloat(item.Score, 'g', -1, 64), item.Member)); err != nil {
				return err
			}
		}
		if err := writeExpire(entry.Key, entry.ExpireAtMs); err != nil {
			return err
		}
	}

	return nil
}
