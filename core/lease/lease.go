// Package lease provides the default ClientLease: a process-wide
// client lease whose id is minted with google/uuid and re-minted (a
// fresh id with a fresh term) on a ticker, the same "mint an opaque
// id on a timer" pattern GojoDB's controller uses for shard migration
// ids.
package lease

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb/core/txn"
)

// DefaultTerm is how long a minted lease is valid before it must be
// renewed.
const DefaultTerm = 30 * time.Second

// ClientLease mints and renews the process-wide txn.Lease every task
// shares. GetLease never blocks on the network: renewal happens on a
// background ticker, and GetLease just reads whatever the most recent
// renewal produced.
type ClientLease struct {
	term time.Duration
	log  *zap.Logger

	mu      sync.RWMutex
	current txn.Lease

	quit chan struct{}
}

// New mints an initial lease immediately. It does not start the
// renewal loop; the caller runs Run for that.
func New(term time.Duration, log *zap.Logger) *ClientLease {
	if term <= 0 {
		term = DefaultTerm
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &ClientLease{
		term: term,
		log:  log.Named("lease"),
		quit: make(chan struct{}),
	}
	l.renew()
	return l
}

// Run renews the lease every term/2 until ctx is done, keeping it fresh
// well before expiry.
func (l *ClientLease) Run(ctx context.Context) {
	ticker := time.NewTicker(l.term / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.renew()
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		}
	}
}

// Stop ends a running Run loop.
func (l *ClientLease) Stop() { close(l.quit) }

func (l *ClientLease) renew() {
	id := uuid.New()
	lease := txn.Lease{
		LeaseID:   binary.BigEndian.Uint64(id[:8]),
		LeaseTerm: time.Now().Add(l.term).UnixNano(),
	}
	l.mu.Lock()
	l.current = lease
	l.mu.Unlock()
	l.log.Debug("lease renewed", zap.Uint64("lease_id", lease.LeaseID), zap.Duration("term", l.term))
}

// GetLease implements txn.ClientLease.
func (l *ClientLease) GetLease(ctx context.Context) (txn.Lease, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current, nil
}
