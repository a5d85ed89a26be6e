// Package transport provides the default, gRPC-backed Session and
// TransportManager implementations that the transaction task drives
// through the narrow interfaces defined in core/txn.
package transport

import (
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sushant-115/gojodb/core/txn"
)

// nodePool manages a set of pooled gRPC client connections to a single
// storage-node address. It is adapted from GojoDB's replica TCP
// connection pool: the same free-list-over-a-channel design, but the
// pooled element is a *grpc.ClientConn (gRPC already multiplexes
// streams over one conn; pooling several still lets the task spread
// concurrent prepare/decision RPCs to the same node across independent
// HTTP/2 connections instead of queuing behind one).
type nodePool struct {
	mu       sync.Mutex
	conns    chan *grpc.ClientConn
	dial     func() (*grpc.ClientConn, error)
	maxSize  int
	numConns int
	addr     string
}

func newNodePool(addr string, maxSize int, dial func() (*grpc.ClientConn, error)) *nodePool {
	return &nodePool{
		conns:   make(chan *grpc.ClientConn, maxSize),
		dial:    dial,
		maxSize: maxSize,
		addr:    addr,
	}
}

func (p *nodePool) get() (*grpc.ClientConn, error) {
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.numConns < p.maxSize {
			conn, err := p.dial()
			if err != nil {
				return nil, err
			}
			p.numConns++
			return conn, nil
		}
		return <-p.conns, nil
	}
}

func (p *nodePool) put(conn *grpc.ClientConn) {
	if conn == nil {
		return
	}
	select {
	case p.conns <- conn:
	default:
		p.mu.Lock()
		conn.Close()
		p.numConns--
		p.mu.Unlock()
	}
}

func (p *nodePool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
	p.conns = make(chan *grpc.ClientConn, p.maxSize)
	p.numConns = 0
}

// ConnPoolManager manages one nodePool per storage-node address and is
// the concrete TransportManager the task calls FlushSession on when a
// session's RPC fails at the transport level.
type ConnPoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*nodePool
	maxSize int
	dialer  func(addr string) (*grpc.ClientConn, error)
}

// NewDefaultConnPoolManager creates a manager that dials plaintext gRPC
// connections; callers that need TLS should call NewConnPoolManager
// with their own dialer instead.
func NewDefaultConnPoolManager(maxSize int) *ConnPoolManager {
	return NewConnPoolManager(maxSize, dialInsecureTarget)
}

// NewConnPoolManager creates a manager that lazily dials up to maxSize
// connections per storage-node address using dialer.
func NewConnPoolManager(maxSize int, dialer func(addr string) (*grpc.ClientConn, error)) *ConnPoolManager {
	return &ConnPoolManager{
		pools:   make(map[string]*nodePool),
		maxSize: maxSize,
		dialer:  dialer,
	}
}

func (m *ConnPoolManager) poolFor(addr string) *nodePool {
	m.mu.RLock()
	p, ok := m.pools[addr]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok = m.pools[addr]; ok {
		return p
	}
	p = newNodePool(addr, m.maxSize, func() (*grpc.ClientConn, error) { return m.dialer(addr) })
	m.pools[addr] = p
	return p
}

// Get returns a pooled connection to addr, dialing one if the pool has
// room and none is idle.
func (m *ConnPoolManager) Get(addr string) (*grpc.ClientConn, error) {
	return m.poolFor(addr).get()
}

// Put returns a connection to the pool for addr.
func (m *ConnPoolManager) Put(addr string, conn *grpc.ClientConn) {
	m.poolFor(addr).put(conn)
}

// FlushSession drops every pooled connection to ref's address, forcing
// the next Get to dial fresh. This is the transport-error recovery
// hook (the stale-routing path keeps the session and does not call
// it): it never touches task state, only the connection cache.
func (m *ConnPoolManager) FlushSession(ref txn.SessionRef) {
	m.mu.Lock()
	p, ok := m.pools[ref.Addr]
	delete(m.pools, ref.Addr)
	m.mu.Unlock()
	if ok {
		p.closeAll()
	}
}

// Close shuts down every pool managed by m.
func (m *ConnPoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, p := range m.pools {
		p.closeAll()
		delete(m.pools, addr)
	}
}

func dialInsecureTarget(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial storage node %s: %w", addr, err)
	}
	return conn, nil
}

// dialErr wraps a dial/send failure so callers can distinguish a
// transport fault from a server-returned status without inspecting
// gRPC codes directly at every call site.
type dialErr struct {
	op  string
	err error
}

func (e *dialErr) Error() string { return fmt.Sprintf("%s: %v", e.op, e.err) }
func (e *dialErr) Unwrap() error { return e.err }
