package txn

// CacheKey is the ordering key for the commit cache: table id first,
// then key hash. It is derived, never user-supplied — two distinct user
// keys may collide on the same CacheKey, which CommitCache resolves by
// comparing stored key bytes (see commitcache.go).
type CacheKey struct {
	TableID uint64
	KeyHash uint64
}

// Less gives the total order CacheKeys are sorted and scanned in.
func (k CacheKey) Less(o CacheKey) bool {
	if k.TableID != o.TableID {
		return k.TableID < o.TableID
	}
	return k.KeyHash < o.KeyHash
}

// Equal reports whether two CacheKeys collide (same table, same hash) —
// not whether they address the same user key.
func (k CacheKey) Equal(o CacheKey) bool {
	return k.TableID == o.TableID && k.KeyHash == o.KeyHash
}
