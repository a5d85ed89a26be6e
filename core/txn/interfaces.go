package txn

import "context"

// SessionRef identifies the master currently believed to own a key. Two
// SessionRefs compare equal (same Locator) iff they name the same
// service endpoint; the batchers use this to decide whether a cache
// entry can be folded into the RPC under construction.
type SessionRef struct {
	NodeID string
	Addr   string
}

// Locator returns the string every batcher compares SessionRefs by.
func (s SessionRef) Locator() string { return s.Addr }

// LocationOracle maps a (tableID, keyHash) pair to the session of its
// current owner. Lookups may be stale; staleness is detected server-side
// and surfaced back to the task as StatusUnknownTablet.
type LocationOracle interface {
	Lookup(ctx context.Context, tableID, keyHash uint64) (SessionRef, error)
	// Flush invalidates any cached routing entries for tableID, forcing
	// the next Lookup to re-resolve from the source of truth.
	Flush(tableID uint64)
}

// Lease is the opaque client identity fetched once per task.
type Lease struct {
	LeaseID   uint64
	LeaseTerm int64 // unix nanos; core/txn never inspects this, only forwards it.
}

// ClientLease hands out the process-wide client lease.
type ClientLease interface {
	GetLease(ctx context.Context) (Lease, error)
}

// RPCTracker hands out contiguous rpcId ranges and tracks their
// completion.
type RPCTracker interface {
	// NewRPCIDBlock reserves a contiguous range of n rpcIds and returns
	// its first value.
	NewRPCIDBlock(ctx context.Context, n int) (uint64, error)
	// AckID returns a piggy-backed acknowledgment cursor attached to
	// every prepare send.
	AckID() uint64
	// RPCFinished releases the id range associated with txID. Called
	// exactly once per task, on transition to DONE.
	RPCFinished(txID uint64)
}

// TransportManager drops a session's connection, forcing the next use
// of that session to re-dial.
type TransportManager interface {
	FlushSession(ref SessionRef)
}

// RPCKind distinguishes the two request shapes the task ever emits.
type RPCKind int

const (
	RPCKindPrepare RPCKind = iota
	RPCKindDecision
)

// StatusCode is the status a master returns for a prepare or decision
// RPC. Only StatusOK and StatusUnknownTablet get special handling; every
// other value is fatal.
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusUnknownTablet
	StatusObjectDoesntExist
	StatusRejected
	StatusInternalError
)

// String renders a StatusCode for log fields and fatal-error messages.
func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusUnknownTablet:
		return "UNKNOWN_TABLET"
	case StatusObjectDoesntExist:
		return "OBJECT_DOESNT_EXIST"
	case StatusRejected:
		return "REJECTED"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN_STATUS"
	}
}

// RPCResult is what a Session hands back once a send completes.
type RPCResult struct {
	Status StatusCode
	// Votes holds one vote per participant, in the same order the
	// participants were appended to the request. Only populated for
	// prepare RPCs; decision RPCs carry no per-participant payload.
	Votes []StatusCode
}

// PendingRPC is a non-blocking handle to an in-flight send. The
// batchers poll Ready(); Session implementations resolve it from a
// background goroutine (the default gRPC session) or synchronously
// (test fakes).
type PendingRPC interface {
	Ready() bool
	// Result returns the completed result. Only valid once Ready()
	// is true.
	Result() (RPCResult, error)
}

// Session is a non-blocking handle to one master connection.
type Session interface {
	Ref() SessionRef
	// SendRequest issues kind with payload (already wire-encoded by the
	// batcher) and returns immediately with a future.
	SendRequest(ctx context.Context, kind RPCKind, payload []byte) (PendingRPC, error)
}

// SessionProvider resolves a SessionRef (an identity the LocationOracle
// hands out) to a live Session. Kept separate from LocationOracle
// because routing (which master owns this key) and connection
// management (do we have a live channel to that master) change
// independently: a flushed session doesn't imply a stale route, and a
// stale route doesn't imply a broken connection.
type SessionProvider interface {
	Get(ctx context.Context, ref SessionRef) (Session, error)
}

// TransportError is returned by a PendingRPC.Result when the send
// itself failed below the application protocol (dropped connection,
// dial failure, timeout). It is always recoverable via the retry path.
type TransportError struct {
	Ref SessionRef
	Err error
}

func (e *TransportError) Error() string {
	return "transport error talking to " + e.Ref.Addr + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }
