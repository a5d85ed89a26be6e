package txn

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// rpcInFlight is one pipelined prepare or decision RPC: its target
// session, the participant slots it claimed (so the batcher can
// reverse the mapping on failure), and a handle to poll for
// completion.
type rpcInFlight struct {
	ref     SessionRef
	ops     []*CacheEntry
	pending PendingRPC
}

// batcher implements the send/receive steps shared by the prepare and
// decision RPC batchers: identical pipelining logic, differing only in
// which EntryState a claimed entry moves to, how the request body is
// encoded, and what a successful response does to the task's decision.
// Those three differences are injected as claimState, encode and
// onSuccess.
type batcher struct {
	task       *Task
	kind       RPCKind
	claimState EntryState
	maxObjects int

	inflight []*rpcInFlight

	encode    func(ops []*CacheEntry) []byte
	onSuccess func(rpc *rpcInFlight, result RPCResult) error
	onSent    func(ctx context.Context)
}

func newPrepareBatcher(t *Task, maxObjects int) *batcher {
	b := &batcher{
		task:       t,
		kind:       RPCKindPrepare,
		claimState: StatePrepare,
		maxObjects: maxObjects,
	}
	b.encode = func(ops []*CacheEntry) []byte {
		known := make([]*CacheEntry, 0, len(ops))
		for _, e := range ops {
			switch e.Type {
			case OpRead, OpWrite, OpRemove:
				known = append(known, e)
			default:
				t.log.Error("dropping op with unknown type from prepare request",
					zap.Stringer("type", e.Type), zap.Uint64("rpc_id", e.RPCID))
			}
		}
		return EncodePrepareRequest(t.lease, t.tracker.AckID(), t.participantList, t.cache.Len(), known)
	}
	b.onSuccess = func(rpc *rpcInFlight, result RPCResult) error {
		if len(result.Votes) != len(rpc.ops) {
			return &FatalError{Status: StatusInternalError}
		}
		for _, v := range result.Votes {
			if v != StatusOK {
				t.decision = DecisionAbort
			}
		}
		return nil
	}
	b.onSent = func(ctx context.Context) { t.metrics.prepareRPCSent(ctx) }
	return b
}

func newDecisionBatcher(t *Task, maxObjects int) *batcher {
	b := &batcher{
		task:       t,
		kind:       RPCKindDecision,
		claimState: StateDecide,
		maxObjects: maxObjects,
	}
	b.encode = func(ops []*CacheEntry) []byte {
		return EncodeDecisionRequest(t.decision, t.lease, t.participantList, t.cache.Len())
	}
	b.onSuccess = func(rpc *rpcInFlight, result RPCResult) error { return nil }
	b.onSent = func(ctx context.Context) { t.metrics.decisionRPCSent(ctx) }
	return b
}

func (b *batcher) drained() bool { return len(b.inflight) == 0 }

// abandon drops every in-flight RPC without running its completion
// logic — the fatal-error path. Their eventual server-side
// completion is harmless: the decision phase never runs for this task,
// or (if the fatal error struck during decision) the operation was
// already idempotent by rpcId.
func (b *batcher) abandon() { b.inflight = nil }

func (b *batcher) isClaimed(e *CacheEntry) bool { return e.State == b.claimState }

// send performs at most one pipelined launch per call: scan
// forward from the cache cursor, skipping already-claimed entries,
// grouping consecutive eligible entries that share a session up to
// maxObjects, then issue exactly one RPC for that group. The launch is
// skipped entirely (not blocked on) if the task's shared rate limiter
// has no token available this call, so PerformTask still never blocks.
func (b *batcher) send(ctx context.Context) {
	if !b.task.launchLimiter.Allow() {
		return
	}

	cache := b.task.cache
	n := cache.Len()
	cur := cache.Cursor()

	for cur < n && b.isClaimed(cache.At(cur)) {
		cur++
	}
	if cur >= n {
		cache.SetCursor(cur)
		return
	}

	first := cache.At(cur)
	ref, err := b.task.oracle.Lookup(ctx, first.Key.TableID, first.Key.KeyHash)
	if err != nil {
		b.task.log.Error("location lookup failed", zap.Error(err))
		return
	}

	ops := []*CacheEntry{first}
	first.State = b.claimState
	cur++

	for cur < n {
		e := cache.At(cur)
		if b.isClaimed(e) {
			cur++
			continue
		}
		if len(ops) >= b.maxObjects {
			break
		}
		candidateRef, err := b.task.oracle.Lookup(ctx, e.Key.TableID, e.Key.KeyHash)
		if err != nil {
			b.task.log.Error("location lookup failed", zap.Error(err))
			break
		}
		if candidateRef.Locator() != ref.Locator() {
			break
		}
		ops = append(ops, e)
		e.State = b.claimState
		cur++
	}
	cache.SetCursor(cur)

	b.launch(ctx, ref, ops)
}

func (b *batcher) launch(ctx context.Context, ref SessionRef, ops []*CacheEntry) {
	session, err := b.task.sessions.Get(ctx, ref)
	if err != nil {
		b.handleTransportFault(ctx, ref, ops)
		return
	}

	payload := b.encode(ops)
	pending, err := session.SendRequest(ctx, b.kind, payload)
	if err != nil {
		b.handleTransportFault(ctx, ref, ops)
		return
	}

	b.inflight = append(b.inflight, &rpcInFlight{ref: ref, ops: ops, pending: pending})
	b.onSent(ctx)
}

// process drains every ready RPC. A returned error is always a
// FatalError; recoverable faults are handled in place and never
// surface.
func (b *batcher) process(ctx context.Context) error {
	for i := 0; i < len(b.inflight); {
		rpc := b.inflight[i]
		if !rpc.pending.Ready() {
			i++
			continue
		}

		result, err := rpc.pending.Result()
		if err != nil {
			var te *TransportError
			if errors.As(err, &te) {
				b.handleTransportFault(ctx, rpc.ref, rpc.ops)
				b.removeAt(i)
				continue
			}
			return &FatalError{Status: StatusInternalError}
		}

		switch result.Status {
		case StatusOK:
			if err := b.onSuccess(rpc, result); err != nil {
				return err
			}
			b.removeAt(i)
		case StatusUnknownTablet:
			b.task.metrics.staleRouting(ctx)
			b.handleStaleRouting(rpc.ref, rpc.ops)
			b.removeAt(i)
		default:
			return &FatalError{Status: result.Status}
		}
	}
	return nil
}

func (b *batcher) removeAt(i int) {
	b.inflight = append(b.inflight[:i], b.inflight[i+1:]...)
}

// handleTransportFault is the transport-error recovery path: flush the
// broken session, flush each affected participant's table route (the
// session we just lost may have been stale routing information too),
// revert its claimed participants to PENDING, and rewind the cache
// cursor to the head. A connection failure discovered while trying to
// launch an RPC (before any pendingRPC exists) takes the identical
// path.
func (b *batcher) handleTransportFault(ctx context.Context, ref SessionRef, ops []*CacheEntry) {
	b.task.metrics.transportRetry(ctx)
	b.task.transport.FlushSession(ref)
	b.flushTableRoutes(ops)
	b.revert(ops)
}

// handleStaleRouting is the UNKNOWN_TABLET recovery path: the session
// itself is kept — only the table's cached route is invalidated.
func (b *batcher) handleStaleRouting(ref SessionRef, ops []*CacheEntry) {
	b.flushTableRoutes(ops)
	b.revert(ops)
}

// flushTableRoutes invalidates the cached route for every distinct
// table among ops, so the next lookup re-resolves rather than reusing
// the routing that just proved wrong.
func (b *batcher) flushTableRoutes(ops []*CacheEntry) {
	seen := make(map[uint64]struct{}, len(ops))
	for _, e := range ops {
		if _, ok := seen[e.Key.TableID]; ok {
			continue
		}
		seen[e.Key.TableID] = struct{}{}
		b.task.oracle.Flush(e.Key.TableID)
	}
}

func (b *batcher) revert(ops []*CacheEntry) {
	for _, e := range ops {
		e.State = StatePending
	}
	b.task.cache.RewindCursor()
}
