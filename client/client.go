// Package client wires the default collaborator implementations
// (core/locator, core/lease, core/rpctracker, core/transport) into a
// running GojoDB transaction client, the way cmd/gojodb_gateway wires
// its controller poller and connection pool into a GatewayService.
package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb/core/lease"
	"github.com/sushant-115/gojodb/core/locator"
	"github.com/sushant-115/gojodb/core/rpctracker"
	"github.com/sushant-115/gojodb/core/transport"
	"github.com/sushant-115/gojodb/core/txn"
	"github.com/sushant-115/gojodb/pkg/config"
	"github.com/sushant-115/gojodb/pkg/logger"
	"github.com/sushant-115/gojodb/pkg/telemetry"
)

// Client owns every default collaborator a Task needs and hands out
// fresh Tasks sharing them.
type Client struct {
	cfg config.ClientConfig

	log             *zap.Logger
	telemetry       *telemetry.Telemetry
	telemetryClose  telemetry.ShutdownFunc
	metrics         *txn.TaskMetrics
	oracle          *locator.ControllerOracle
	clientLease     *lease.ClientLease
	tracker         *rpctracker.Tracker
	pool            *transport.ConnPoolManager
	sessionProvider *transport.GRPCSessionProvider

	cancel context.CancelFunc
}

// New builds a Client from cfg. It starts the location oracle's and
// client lease's background refresh loops immediately; callers should
// call Close when the client is no longer needed.
func New(cfg config.Config) (*Client, error) {
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("client: building logger: %w", err)
	}

	tel, telClose, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("client: building telemetry: %w", err)
	}

	metrics, err := txn.NewTaskMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("client: building task metrics: %w", err)
	}

	oracle, err := locator.NewControllerOracle(
		cfg.Client.ControllerAddr,
		cfg.Client.SlotPollInterval,
		cfg.Client.RouteCacheSize,
		log,
	)
	if err != nil {
		return nil, fmt.Errorf("client: building location oracle: %w", err)
	}

	pool := transport.NewDefaultConnPoolManager(cfg.Client.ConnPoolSize)
	sessionProvider := transport.NewGRPCSessionProvider(pool, log)

	ctx, cancel := context.WithCancel(context.Background())
	go oracle.Run(ctx)
	cl := lease.New(cfg.Client.LeaseTerm, log)
	go cl.Run(ctx)

	return &Client{
		cfg:             cfg.Client,
		log:             log,
		telemetry:       tel,
		telemetryClose:  telClose,
		metrics:         metrics,
		oracle:          oracle,
		clientLease:     cl,
		tracker:         rpctracker.New(1),
		pool:            pool,
		sessionProvider: sessionProvider,
		cancel:          cancel,
	}, nil
}

// NewTask returns a fresh Task sharing this client's collaborators.
// poll is invoked by the returned Task's TryFinish; pass nil if the
// caller drives its own event loop and never calls TryFinish.
func (c *Client) NewTask(poll func()) *txn.Task {
	return txn.NewTask(txn.Deps{
		Oracle:           c.oracle,
		Sessions:         c.sessionProvider,
		Lease:            c.clientLease,
		Tracker:          c.tracker,
		Transport:        c.pool,
		Logger:           c.log,
		Metrics:          c.metrics,
		Poll:             poll,
		MaxObjectsPerRPC: c.cfg.MaxObjectsPerRPC,
		MaxRPCsPerSecond: c.cfg.MaxRPCsPerSecond,
	})
}

// Close stops the background refresh loops and tears down telemetry
// and pooled connections.
func (c *Client) Close(ctx context.Context) error {
	c.cancel()
	c.oracle.Stop()
	c.clientLease.Stop()
	c.pool.Close()
	return c.telemetryClose(ctx)
}
