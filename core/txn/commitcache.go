package txn

import (
	"bytes"
	"errors"
	"sort"
)

// ErrCacheFrozen is returned by InsertCacheEntry once the task has left
// INIT: the task freezes the commit cache as it moves to PREPARE.
var ErrCacheFrozen = errors.New("txn: commit cache is frozen past INIT")

// CommitCache is the ordered mapping CacheKey -> CacheEntry the task
// stages operations into. Entries are kept sorted by CacheKey so that
// the participant list has a canonical layout and so the batchers can
// scan forward without re-sorting on every pass.
//
// Duplicate CacheKeys (and duplicate user keys) are tolerated, not
// deduplicated: insertion always appends a new entry. Callers that want
// last-write-wins behavior must call FindCacheEntry first and mutate
// the returned entry in place.
type CommitCache struct {
	entries []*CacheEntry
	frozen  bool

	// nextCacheEntry is the forward-scan cursor shared by both
	// batchers. It is an index into entries, reset at every phase
	// boundary and at every transport-level retry.
	nextCacheEntry int
}

// NewCommitCache returns an empty commit cache.
func NewCommitCache() *CommitCache {
	return &CommitCache{}
}

// Len returns the number of staged entries.
func (c *CommitCache) Len() int { return len(c.entries) }

// At returns the i'th entry in CacheKey order.
func (c *CommitCache) At(i int) *CacheEntry { return c.entries[i] }

// Cursor returns the current forward-scan position.
func (c *CommitCache) Cursor() int { return c.nextCacheEntry }

// SetCursor repositions the forward-scan cursor; used at phase
// boundaries and to rewind after a retry.
func (c *CommitCache) SetCursor(i int) { c.nextCacheEntry = i }

// RewindCursor resets the scan to the cache head, used on every
// transport-level retry.
func (c *CommitCache) RewindCursor() { c.nextCacheEntry = 0 }

// AtEnd reports whether the forward-scan cursor has consumed every
// entry.
func (c *CommitCache) AtEnd() bool { return c.nextCacheEntry >= len(c.entries) }

// Freeze marks the cache immutable. Called when the task leaves INIT,
// before any entry is claimed for PREPARE.
func (c *CommitCache) Freeze() { c.frozen = true }

// lowerBound returns the index of the first entry whose CacheKey is >=
// key.
func (c *CommitCache) lowerBound(key CacheKey) int {
	return sort.Search(len(c.entries), func(i int) bool {
		return !c.entries[i].Key.Less(key)
	})
}

// FindCacheEntry locates the entry whose stored user key equals key.
// Because (tableId, keyHash) may collide across distinct user keys, the
// lookup starts at the lower bound for cacheKey and scans forward while
// the CacheKey is unchanged, comparing stored key bytes; the first
// equality wins. Returns nil on miss.
//
// The returned pointer is invalidated by any subsequent call to
// InsertCacheEntry (which may grow and reorder the backing slice).
func (c *CommitCache) FindCacheEntry(cacheKey CacheKey, userKey []byte) *CacheEntry {
	i := c.lowerBound(cacheKey)
	for i < len(c.entries) && c.entries[i].Key.Equal(cacheKey) {
		if bytes.Equal(c.entries[i].UserKey, userKey) {
			return c.entries[i]
		}
		i++
	}
	return nil
}

// InsertCacheEntry unconditionally inserts a new entry. It never
// replaces an existing entry with an equal user key — duplicate
// CacheKeys and duplicate user keys are both tolerated (caller policy
// decides whether to Find first). Must not be called once the task has
// left INIT.
func (c *CommitCache) InsertCacheEntry(cacheKey CacheKey, userKey, value []byte, op OpType, rules []RejectRule) (*CacheEntry, error) {
	if c.frozen {
		return nil, ErrCacheFrozen
	}
	e := &CacheEntry{
		Key:         cacheKey,
		Type:        op,
		UserKey:     userKey,
		Value:       value,
		RejectRules: rules,
		State:       StatePending,
	}
	i := c.lowerBound(cacheKey)
	// Keep entries sharing a CacheKey contiguous but in no particular
	// sub-order; insertion order among collisions is irrelevant.
	c.entries = append(c.entries, nil)
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e
	return e, nil
}

// AssignRPCIDs stamps entry i (in CacheKey order) with rpcId = base + i,
// as the Participant List Builder does exactly once at INIT.
func (c *CommitCache) AssignRPCIDs(base uint64) {
	for i, e := range c.entries {
		e.RPCID = base + uint64(i)
	}
}
