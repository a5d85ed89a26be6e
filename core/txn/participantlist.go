package txn

import "context"

// buildParticipantList is the participant list builder. It
// runs exactly once, during INIT: acquire the lease, reserve an rpcId
// block sized to the cache, stamp every entry, then render the
// immutable byte buffer every later prepare/decision RPC references.
func buildParticipantList(ctx context.Context, cache *CommitCache, lease ClientLease, tracker RPCTracker) (Lease, uint64, []byte, error) {
	l, err := lease.GetLease(ctx)
	if err != nil {
		return Lease{}, 0, nil, err
	}

	txID, err := tracker.NewRPCIDBlock(ctx, cache.Len())
	if err != nil {
		return Lease{}, 0, nil, err
	}

	cache.AssignRPCIDs(txID)
	list := EncodeParticipantList(cache)
	return l, txID, list, nil
}
