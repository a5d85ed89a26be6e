// Package locator provides the default LocationOracle: a slot-hash
// router that polls GojoDB's controller for the current slot→node
// assignment table and caches the resolved SessionRefs behind an LRU,
// the same controller-polling design the stock gateway service uses to
// route client requests to storage-node primaries.
package locator

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb/core/txn"
)

// TotalHashSlots mirrors the controller's own shard-slot count; a
// client and the cluster it talks to must agree on this to route
// consistently.
const TotalHashSlots = 1024

// DefaultPollInterval is how often the oracle refreshes its slot map
// from the controller absent a caller-supplied override.
const DefaultPollInterval = 5 * time.Second

// SlotAssignment is the controller's view of who owns a slot, decoded
// straight off its admin HTTP API.
type SlotAssignment struct {
	PrimaryNodeID string `json:"primary_node_id"`
}

type clusterStatus struct {
	ActiveNodes map[string]struct {
		Address string `json:"address"`
	} `json:"active_nodes"`
}

// ControllerOracle implements txn.LocationOracle by polling a GojoDB
// controller's HTTP admin API for slot assignments and active node
// addresses, and serving lookups from an in-memory cache between polls.
type ControllerOracle struct {
	controllerAddr string
	httpClient     *http.Client
	pollInterval   time.Duration
	log            *zap.Logger

	mu              sync.RWMutex
	slotAssignments map[uint32]SlotAssignment
	nodeAddresses   map[string]string

	routeCache *lru.Cache[uint32, txn.SessionRef]

	quit chan struct{}
}

// NewControllerOracle builds an oracle that polls controllerAddr every
// pollInterval (DefaultPollInterval if zero) and caches up to
// cacheSize resolved routes between polls.
func NewControllerOracle(controllerAddr string, pollInterval time.Duration, cacheSize int, log *zap.Logger) (*ControllerOracle, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if cacheSize <= 0 {
		cacheSize = TotalHashSlots
	}
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := lru.New[uint32, txn.SessionRef](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("locator: building route cache: %w", err)
	}

	o := &ControllerOracle{
		controllerAddr:  controllerAddr,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		pollInterval:    pollInterval,
		log:             log.Named("locator"),
		slotAssignments: make(map[uint32]SlotAssignment),
		nodeAddresses:   make(map[string]string),
		routeCache:      cache,
		quit:            make(chan struct{}),
	}
	return o, nil
}

// Run polls the controller until ctx is done. Callers launch it once,
// typically in its own goroutine, alongside the transaction task's poll
// loop.
func (o *ControllerOracle) Run(ctx context.Context) {
	o.refresh(ctx)
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.refresh(ctx)
		case <-ctx.Done():
			return
		case <-o.quit:
			return
		}
	}
}

// Stop ends a running Run loop.
func (o *ControllerOracle) Stop() { close(o.quit) }

func (o *ControllerOracle) refresh(ctx context.Context) {
	assignments, err := o.fetchSlotAssignments(ctx)
	if err != nil {
		o.log.Warn("failed to refresh slot assignments", zap.Error(err))
		return
	}
	addresses, err := o.fetchNodeAddresses(ctx)
	if err != nil {
		o.log.Warn("failed to refresh node addresses", zap.Error(err))
		return
	}

	o.mu.Lock()
	o.slotAssignments = assignments
	o.nodeAddresses = addresses
	o.mu.Unlock()
	o.routeCache.Purge()

	o.log.Debug("slot map refreshed", zap.Int("slots", len(assignments)), zap.Int("nodes", len(addresses)))
}

func (o *ControllerOracle) fetchSlotAssignments(ctx context.Context) (map[uint32]SlotAssignment, error) {
	var raw map[string]SlotAssignment
	if err := o.getJSON(ctx, "/admin/get_all_slot_assignments", &raw); err != nil {
		return nil, err
	}
	out := make(map[uint32]SlotAssignment, len(raw))
	for slotStr, a := range raw {
		slot, err := strconv.ParseUint(slotStr, 10, 32)
		if err != nil {
			continue
		}
		out[uint32(slot)] = a
	}
	return out, nil
}

func (o *ControllerOracle) fetchNodeAddresses(ctx context.Context) (map[string]string, error) {
	var status clusterStatus
	if err := o.getJSON(ctx, "/status", &status); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(status.ActiveNodes))
	for nodeID, info := range status.ActiveNodes {
		out[nodeID] = info.Address
	}
	return out, nil
}

func (o *ControllerOracle) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+o.controllerAddr+path, nil)
	if err != nil {
		return err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("controller request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("controller %s returned %d: %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// SlotForKeyHash derives the shard slot a keyHash belongs to using the
// same CRC32-IEEE scheme as the controller's own sharding logic.
func SlotForKeyHash(keyHash uint64) uint32 {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(keyHash >> (8 * i))
	}
	return crc32.ChecksumIEEE(b[:]) % TotalHashSlots
}

// Lookup implements txn.LocationOracle.
func (o *ControllerOracle) Lookup(ctx context.Context, tableID, keyHash uint64) (txn.SessionRef, error) {
	slot := SlotForKeyHash(keyHash)

	if ref, ok := o.routeCache.Get(slot); ok {
		return ref, nil
	}

	o.mu.RLock()
	assignment, ok := o.slotAssignments[slot]
	var addr string
	if ok {
		addr, ok = o.nodeAddresses[assignment.PrimaryNodeID]
	}
	o.mu.RUnlock()
	if !ok {
		return txn.SessionRef{}, fmt.Errorf("locator: no route for slot %d", slot)
	}

	ref := txn.SessionRef{NodeID: assignment.PrimaryNodeID, Addr: addr}
	o.routeCache.Add(slot, ref)
	return ref, nil
}

// Flush implements txn.LocationOracle. tableID is unused: GojoDB shards
// by key slot, not by table, so the oracle has no per-table routing
// state finer-grained than the whole cache.
func (o *ControllerOracle) Flush(tableID uint64) {
	o.routeCache.Purge()
}
