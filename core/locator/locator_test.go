package locator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newFakeController(t *testing.T, assignments map[string]SlotAssignment, nodes map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/get_all_slot_assignments", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(assignments))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		activeNodes := make(map[string]struct {
			Address string `json:"address"`
		})
		for id, addr := range nodes {
			activeNodes[id] = struct {
				Address string `json:"address"`
			}{Address: addr}
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"active_nodes": activeNodes}))
	})
	return httptest.NewServer(mux)
}

func TestControllerOracle_LookupResolvesThroughControllerPoll(t *testing.T) {
	assignments := map[string]SlotAssignment{}
	for s := uint32(0); s < TotalHashSlots; s++ {
		assignments[itoa(s)] = SlotAssignment{PrimaryNodeID: "node-1"}
	}
	srv := newFakeController(t, assignments, map[string]string{"node-1": "10.0.0.1:9000"})
	defer srv.Close()

	oracle, err := NewControllerOracle(srv.Listener.Addr().String(), 50*time.Millisecond, 16, nil)
	require.NoError(t, err)

	oracle.refresh(context.Background())

	ref, err := oracle.Lookup(context.Background(), 1, 42)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:9000", ref.Addr)
	require.Equal(t, "node-1", ref.NodeID)
}

func TestControllerOracle_LookupErrorsWhenSlotUnassigned(t *testing.T) {
	srv := newFakeController(t, map[string]SlotAssignment{}, map[string]string{})
	defer srv.Close()

	oracle, err := NewControllerOracle(srv.Listener.Addr().String(), time.Minute, 16, nil)
	require.NoError(t, err)
	oracle.refresh(context.Background())

	_, err = oracle.Lookup(context.Background(), 1, 42)
	require.Error(t, err)
}

func TestControllerOracle_FlushPurgesRouteCache(t *testing.T) {
	assignments := map[string]SlotAssignment{}
	for s := uint32(0); s < TotalHashSlots; s++ {
		assignments[itoa(s)] = SlotAssignment{PrimaryNodeID: "node-1"}
	}
	srv := newFakeController(t, assignments, map[string]string{"node-1": "10.0.0.1:9000"})
	defer srv.Close()

	oracle, err := NewControllerOracle(srv.Listener.Addr().String(), time.Minute, 16, nil)
	require.NoError(t, err)
	oracle.refresh(context.Background())

	_, err = oracle.Lookup(context.Background(), 1, 42)
	require.NoError(t, err)
	require.Equal(t, 1, oracle.routeCache.Len())

	oracle.Flush(1)
	require.Equal(t, 0, oracle.routeCache.Len())
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	digits := [10]byte{}
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}
