// Package rpctracker provides the default RPCTracker: a monotonic
// rpcId allocator plus an in-flight task registry, so a client process
// can hand every staged operation a globally unique id without a round
// trip to any server.
package rpctracker

import (
	"context"
	"sync"
	"sync/atomic"
)

// Tracker implements txn.RPCTracker. One Tracker is shared by every
// Task in a process: rpcId ranges must never overlap across
// concurrently-running tasks, since a master tells two operations
// apart only by rpcId.
type Tracker struct {
	next atomic.Uint64

	mu       sync.Mutex
	inFlight map[uint64]uint64 // txID -> block size, for diagnostics only
}

// New returns a tracker whose first allocated block starts at startID
// (1 is the conventional choice; tests may pass any value to make
// expected wire bytes easy to assert against).
func New(startID uint64) *Tracker {
	t := &Tracker{inFlight: make(map[uint64]uint64)}
	t.next.Store(startID)
	return t
}

// NewRPCIDBlock implements txn.RPCTracker. It never blocks and never
// fails; the context is accepted only to match the interface other
// RPCTracker implementations (e.g. ones that lease ranges from a
// server) may need to block on.
func (t *Tracker) NewRPCIDBlock(ctx context.Context, n int) (uint64, error) {
	first := t.next.Load()
	if n > 0 {
		first = t.next.Add(uint64(n)) - uint64(n)
	}
	t.track(first, uint64(n))
	return first, nil
}

// AckID implements txn.RPCTracker. This tracker has no server-side
// acknowledgment cursor to piggy-back, so it always returns 0; a
// master treats 0 as "no ack".
func (t *Tracker) AckID() uint64 { return 0 }

// RPCFinished implements txn.RPCTracker.
func (t *Tracker) RPCFinished(txID uint64) {
	t.mu.Lock()
	delete(t.inFlight, txID)
	t.mu.Unlock()
}

// track records the block size allocated under txID (its own first
// rpcId, per buildParticipantList), so InFlightCount has something to
// report until RPCFinished clears it.
func (t *Tracker) track(txID, blockSize uint64) {
	t.mu.Lock()
	t.inFlight[txID] = blockSize
	t.mu.Unlock()
}

// InFlightCount returns the number of tasks that have allocated an
// rpcId block but not yet reached DONE.
func (t *Tracker) InFlightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}
