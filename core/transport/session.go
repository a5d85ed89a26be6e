package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/sushant-115/gojodb/core/txn"
	commonutils "github.com/sushant-115/gojodb/internal/common_utils"
)

const (
	prepareMethod  = "/gojodb.txn.Txn/Prepare"
	decisionMethod = "/gojodb.txn.Txn/Decide"
)

// GRPCSessionProvider resolves a txn.SessionRef to a live txn.Session,
// caching one session per node address; each call draws a connection
// from that address's pool in ConnPoolManager. It is the production
// SessionProvider; core/txn never imports grpc directly.
type GRPCSessionProvider struct {
	pool *ConnPoolManager

	mu       sync.Mutex
	sessions map[string]*grpcSession

	log *zap.Logger
}

// NewGRPCSessionProvider builds a provider backed by pool. Each distinct
// node address gets exactly one grpcSession, reused across tasks.
func NewGRPCSessionProvider(pool *ConnPoolManager, log *zap.Logger) *GRPCSessionProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &GRPCSessionProvider{
		pool:     pool,
		sessions: make(map[string]*grpcSession),
		log:      log,
	}
}

func (p *GRPCSessionProvider) Get(ctx context.Context, ref txn.SessionRef) (txn.Session, error) {
	p.mu.Lock()
	s, ok := p.sessions[ref.Addr]
	if !ok {
		s = &grpcSession{ref: ref, pool: p.pool, log: p.log.Named("session").With(zap.String("addr", ref.Addr))}
		p.sessions[ref.Addr] = s
	}
	p.mu.Unlock()
	return s, nil
}

// grpcSession implements txn.Session against one storage-node address.
// SendRequest is non-blocking: it launches the unary call on a fresh
// goroutine and hands the batcher a pendingCall to poll.
type grpcSession struct {
	ref  txn.SessionRef
	pool *ConnPoolManager
	log  *zap.Logger
}

func (s *grpcSession) Ref() txn.SessionRef { return s.ref }

func (s *grpcSession) SendRequest(ctx context.Context, kind txn.RPCKind, payload []byte) (txn.PendingRPC, error) {
	conn, err := s.pool.Get(s.ref.Addr)
	if err != nil {
		return nil, &txn.TransportError{Ref: s.ref, Err: err}
	}

	method, isPrepare := methodFor(kind)
	pc := &pendingCall{}

	go func() {
		defer s.pool.Put(s.ref.Addr, conn)
		goID := commonutils.GoID()

		req := payload
		var resp []byte
		callErr := conn.Invoke(ctx, method, &req, &resp,
			grpc.CallContentSubtype(rawCodecName))
		if callErr != nil {
			s.log.Debug("rpc failed", zap.Error(callErr), zap.Int64("goroutine", goID))
			pc.setResult(txn.RPCResult{}, &txn.TransportError{Ref: s.ref, Err: callErr})
			return
		}

		result, decodeErr := decodeResponse(resp, isPrepare)
		if decodeErr != nil {
			pc.setResult(txn.RPCResult{}, fmt.Errorf("transport: decode response from %s: %w", s.ref.Addr, decodeErr))
			return
		}
		pc.setResult(result, nil)
	}()

	return pc, nil
}

func methodFor(kind txn.RPCKind) (method string, isPrepare bool) {
	if kind == txn.RPCKindPrepare {
		return prepareMethod, true
	}
	return decisionMethod, false
}

// decodeResponse interprets a Decide response as a bare status byte and
// a Prepare response as a vote list (core/txn's wire.go framing).
func decodeResponse(resp []byte, isPrepare bool) (txn.RPCResult, error) {
	if !isPrepare {
		if len(resp) != 1 {
			return txn.RPCResult{}, fmt.Errorf("decision response: want 1 byte, got %d", len(resp))
		}
		return txn.RPCResult{Status: txn.StatusCode(resp[0])}, nil
	}
	if len(resp) < 1 {
		return txn.RPCResult{}, fmt.Errorf("prepare response: empty body")
	}
	status := txn.StatusCode(resp[0])
	votes, err := txn.DecodeVotes(resp[1:], len(resp)-1)
	if err != nil {
		return txn.RPCResult{}, err
	}
	return txn.RPCResult{Status: status, Votes: votes}, nil
}

// pendingCall is the non-blocking txn.PendingRPC handle returned by
// grpcSession.SendRequest.
type pendingCall struct {
	mu     sync.Mutex
	result txn.RPCResult
	err    error
	ready  bool
}

func (c *pendingCall) setResult(r txn.RPCResult, err error) {
	c.mu.Lock()
	c.result, c.err, c.ready = r, err, true
	c.mu.Unlock()
}

func (c *pendingCall) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *pendingCall) Result() (txn.RPCResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}
