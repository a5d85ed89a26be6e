package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sushant-115/gojodb/core/txn"
)

func dialStub(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func TestConnPoolManager_GetReusesPooledConnection(t *testing.T) {
	dials := 0
	pool := NewConnPoolManager(2, func(addr string) (*grpc.ClientConn, error) {
		dials++
		return dialStub(addr)
	})

	conn, err := pool.Get("node-1:9000")
	require.NoError(t, err)
	require.Equal(t, 1, dials)

	pool.Put("node-1:9000", conn)

	_, err = pool.Get("node-1:9000")
	require.NoError(t, err)
	require.Equal(t, 1, dials, "a returned connection should be reused rather than re-dialed")
}

func TestConnPoolManager_FlushSessionForcesRedial(t *testing.T) {
	dials := 0
	pool := NewConnPoolManager(2, func(addr string) (*grpc.ClientConn, error) {
		dials++
		return dialStub(addr)
	})

	conn, err := pool.Get("node-1:9000")
	require.NoError(t, err)
	pool.Put("node-1:9000", conn)
	require.Equal(t, 1, dials)

	pool.FlushSession(txn.SessionRef{NodeID: "node-1", Addr: "node-1:9000"})

	_, err = pool.Get("node-1:9000")
	require.NoError(t, err)
	require.Equal(t, 2, dials)
}
