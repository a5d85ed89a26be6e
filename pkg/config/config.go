// Package config loads the txn client's on-disk configuration: logging,
// telemetry, and the parameters the default LocationOracle, ClientLease
// and Task collaborators are built from.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojodb/pkg/logger"
	"github.com/sushant-115/gojodb/pkg/telemetry"
)

// Config is the root configuration document for a txn client process.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Client    ClientConfig     `yaml:"client"`
}

// ClientConfig holds the knobs that shape how a Task behaves: where to
// find the controller, how large a batch may grow, and how long a
// minted lease lives before renewal.
type ClientConfig struct {
	// ControllerAddr is the host:port of the GojoDB controller the
	// default LocationOracle polls for slot assignments.
	ControllerAddr string `yaml:"controller_addr"`
	// SlotPollInterval is how often the oracle refreshes its slot map.
	SlotPollInterval time.Duration `yaml:"slot_poll_interval"`
	// RouteCacheSize bounds the oracle's resolved-route LRU.
	RouteCacheSize int `yaml:"route_cache_size"`
	// LeaseTerm is how long a minted client lease is valid before the
	// default ClientLease renews it.
	LeaseTerm time.Duration `yaml:"lease_term"`
	// MaxObjectsPerRPC bounds how many participants a single prepare or
	// decision RPC may carry.
	MaxObjectsPerRPC int `yaml:"max_objects_per_rpc"`
	// ConnPoolSize bounds how many pooled gRPC connections the default
	// transport keeps open per storage-node address.
	ConnPoolSize int `yaml:"conn_pool_size"`
	// MaxRPCsPerSecond throttles how often a task's batchers may launch
	// a new prepare or decision RPC, shared across both pipelines.
	MaxRPCsPerSecond int `yaml:"max_rpcs_per_second"`
}

// Default returns a Config with the client's default settings. Its
// SlotPollInterval, RouteCacheSize, LeaseTerm, MaxObjectsPerRPC and
// MaxRPCsPerSecond are the values core/locator, core/lease and core/txn
// fall back to when those fields are left zero; ControllerAddr and
// ConnPoolSize have no such fallback.
func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:          true,
			ServiceName:      "gojodb-txnclient",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
		Client: ClientConfig{
			ControllerAddr:   "localhost:8080",
			SlotPollInterval: 5 * time.Second,
			RouteCacheSize:   1024,
			LeaseTerm:        30 * time.Second,
			MaxObjectsPerRPC: 64,
			ConnPoolSize:     4,
			MaxRPCsPerSecond: 500,
		},
	}
}

// Load reads and parses a YAML config file at path, applying Default's
// values to any field the file leaves unset.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
