package txn

// OpType is the kind of staged operation a CacheEntry carries. Chosen at
// staging time and never changed afterward.
type OpType int

const (
	OpRead OpType = iota
	OpWrite
	OpRemove
)

func (t OpType) String() string {
	switch t {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN_OP"
	}
}

// EntryState tracks a CacheEntry's progress through the two-phase
// protocol. Monotone: PENDING -> PREPARE -> DECIDE.
type EntryState int

const (
	StatePending EntryState = iota
	StatePrepare
	StateDecide
)

func (s EntryState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StatePrepare:
		return "PREPARE"
	case StateDecide:
		return "DECIDE"
	default:
		return "UNKNOWN_STATE"
	}
}

// RejectRule is an optional version precondition passed through to the
// prepare RPC unexamined by the task itself.
type RejectRule struct {
	Op      string // e.g. "eq", "ne", "none_exist", "exists"
	Version uint64
}

// CacheEntry is the commit cache's per-participant record.
type CacheEntry struct {
	Key CacheKey

	Type        OpType
	UserKey     []byte // full key bytes, owned by this entry
	Value       []byte // owned by this entry; only meaningful for OpWrite
	RejectRules []RejectRule

	RPCID uint64
	State EntryState
}

// objectBuf returns the bytes a prepare RPC frames for this entry: the
// full key, and for WRITE, the value appended after it.
func (e *CacheEntry) objectBuf() []byte {
	if e.Type != OpWrite {
		return e.UserKey
	}
	buf := make([]byte, 0, len(e.UserKey)+len(e.Value))
	buf = append(buf, e.UserKey...)
	buf = append(buf, e.Value...)
	return buf
}
