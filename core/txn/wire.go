package txn

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// participantRecordSize is the fixed size, in bytes, of one
// (tableId, keyHash, rpcId) triplet in the participant list.
const participantRecordSize = 24

// EncodeParticipantList renders cache in CacheKey order into the
// append-only byte buffer referenced by every prepare and decision
// request. Built exactly once, at INIT.
func EncodeParticipantList(cache *CommitCache) []byte {
	buf := make([]byte, cache.Len()*participantRecordSize)
	for i := 0; i < cache.Len(); i++ {
		e := cache.At(i)
		off := i * participantRecordSize
		binary.BigEndian.PutUint64(buf[off:], e.Key.TableID)
		binary.BigEndian.PutUint64(buf[off+8:], e.Key.KeyHash)
		binary.BigEndian.PutUint64(buf[off+16:], e.RPCID)
	}
	return buf
}

func encodeRejectRules(w *bytes.Buffer, rules []RejectRule) {
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(rules)))
	w.Write(countBuf[:])
	for _, r := range rules {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(r.Op)))
		w.Write(lenBuf[:])
		w.WriteString(r.Op)
		var verBuf [8]byte
		binary.BigEndian.PutUint64(verBuf[:], r.Version)
		w.Write(verBuf[:])
	}
}

// EncodePrepareRequest builds the wire bytes for one prepare RPC: a
// header, the full (shared) participant list, then one per-op payload
// per entry in ops:
//
//	READ/REMOVE:  (tableId, rpcId, opType, keyLen,  rejectRules) ++ keyBytes
//	WRITE:        (tableId, rpcId, opType, bufSize, rejectRules) ++ objectBuf
func EncodePrepareRequest(lease Lease, ackID uint64, participantList []byte, participantCount int, ops []*CacheEntry) []byte {
	var w bytes.Buffer

	var header [20]byte
	binary.BigEndian.PutUint64(header[0:], lease.LeaseID)
	binary.BigEndian.PutUint64(header[8:], ackID)
	binary.BigEndian.PutUint32(header[16:], uint32(participantCount))
	w.Write(header[:])
	w.Write(participantList)

	for _, e := range ops {
		var opHeader [17]byte
		binary.BigEndian.PutUint64(opHeader[0:], e.Key.TableID)
		binary.BigEndian.PutUint64(opHeader[8:], e.RPCID)
		opHeader[16] = byte(e.Type)

		body := e.UserKey
		if e.Type == OpWrite {
			body = e.objectBuf()
		}
		var sizeBuf [4]byte
		binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(body)))

		w.Write(opHeader[:])
		w.Write(sizeBuf[:])
		encodeRejectRules(&w, e.RejectRules)
		w.Write(body)
	}
	return w.Bytes()
}

// EncodeDecisionRequest builds the wire bytes for one decision RPC:
// header {decision, leaseId, participantCount} + the full participant
// list. Decision RPCs carry no per-op payload.
func EncodeDecisionRequest(decision Decision, lease Lease, participantList []byte, participantCount int) []byte {
	var w bytes.Buffer
	var header [17]byte
	header[0] = byte(decision)
	binary.BigEndian.PutUint64(header[1:], lease.LeaseID)
	binary.BigEndian.PutUint32(header[9:], uint32(participantCount))
	// header[13:17] is reserved and kept zero.
	w.Write(header[:])
	w.Write(participantList)
	return w.Bytes()
}

// DecodeVotes reads one StatusCode per participant from a prepare
// response body. The default gRPC session decodes prepare responses
// through this helper.
func DecodeVotes(body []byte, n int) ([]StatusCode, error) {
	if len(body) < n {
		return nil, fmt.Errorf("txn: short vote response: want %d bytes, got %d", n, len(body))
	}
	votes := make([]StatusCode, n)
	for i := 0; i < n; i++ {
		votes[i] = StatusCode(body[i])
	}
	return votes, nil
}

// EncodeVotes is DecodeVotes's inverse, used by test fakes acting as a
// server.
func EncodeVotes(votes []StatusCode) []byte {
	body := make([]byte, len(votes))
	for i, v := range votes {
		body[i] = byte(v)
	}
	return body
}
