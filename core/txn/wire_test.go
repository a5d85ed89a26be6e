package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTestCache(t *testing.T) *CommitCache {
	t.Helper()
	c := NewCommitCache()
	_, err := c.InsertCacheEntry(CacheKey{TableID: 1, KeyHash: 10}, []byte("a"), nil, OpRead, nil)
	require.NoError(t, err)
	_, err = c.InsertCacheEntry(CacheKey{TableID: 1, KeyHash: 20}, []byte("b"), []byte("vb"), OpWrite, nil)
	require.NoError(t, err)
	c.AssignRPCIDs(500)
	return c
}

func TestEncodeParticipantList_OneRecordPerEntryInCacheOrder(t *testing.T) {
	c := buildTestCache(t)
	list := EncodeParticipantList(c)

	require.Len(t, list, c.Len()*participantRecordSize)
	for i := 0; i < c.Len(); i++ {
		record := list[i*participantRecordSize : (i+1)*participantRecordSize]
		var decoded CacheEntry
		decoded.Key.TableID = beUint64(record[0:8])
		decoded.Key.KeyHash = beUint64(record[8:16])
		decoded.RPCID = beUint64(record[16:24])

		e := c.At(i)
		require.Equal(t, e.Key.TableID, decoded.Key.TableID)
		require.Equal(t, e.Key.KeyHash, decoded.Key.KeyHash)
		require.Equal(t, e.RPCID, decoded.RPCID)
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, byt := range b {
		v = v<<8 | uint64(byt)
	}
	return v
}

func TestEncodePrepareRequest_CarriesFullParticipantListNotJustItsOwnOps(t *testing.T) {
	c := buildTestCache(t)
	list := EncodeParticipantList(c)
	lease := Lease{LeaseID: 7}

	// A prepare RPC for just the first op still carries the full,
	// two-entry participant list prefix.
	req := EncodePrepareRequest(lease, 0, list, c.Len(), []*CacheEntry{c.At(0)})

	// header(20) + full participant list
	require.True(t, len(req) > 20+len(list))
	require.Equal(t, list, req[20:20+len(list)])
}

func TestEncodeDecisionRequest_CarriesNoPerOpPayload(t *testing.T) {
	c := buildTestCache(t)
	list := EncodeParticipantList(c)
	lease := Lease{LeaseID: 7}

	req := EncodeDecisionRequest(DecisionCommit, lease, list, c.Len())

	require.Equal(t, 17+len(list), len(req))
	require.Equal(t, byte(DecisionCommit), req[0])
}

func TestDecodeVotes_RoundTripsWithEncodeVotes(t *testing.T) {
	votes := []StatusCode{StatusOK, StatusRejected, StatusOK}
	body := EncodeVotes(votes)

	decoded, err := DecodeVotes(body, len(votes))
	require.NoError(t, err)
	require.Equal(t, votes, decoded)
}

func TestDecodeVotes_ErrorsOnShortBody(t *testing.T) {
	_, err := DecodeVotes([]byte{1}, 3)
	require.Error(t, err)
}
