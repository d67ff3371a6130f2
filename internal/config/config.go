// Package config loads node configuration from YAML into a single typed
// struct with documented defaults, loaded once at startup by a small
// cobra binary.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized key from the sync subsystem's configuration
// surface. Zero values are replaced by Defaults() before use.
type Config struct {
	BatchSize          int           `yaml:"batch_size"`
	MaxQueueSize       int           `yaml:"max_queue_size"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	PropagationTimeout time.Duration `yaml:"propagation_timeout"`
	DeadNodeThreshold  time.Duration `yaml:"dead_node_threshold"`
	MaxCascadeLevels   int           `yaml:"max_cascade_levels"`
	SyncCascadeDelay   time.Duration `yaml:"sync_cascade_delay"`

	BatchBlockSize      int           `yaml:"batch_block_size"`
	ParallelDownloads   int           `yaml:"parallel_downloads"`
	StateSnapshotSize   uint64        `yaml:"state_snapshot_size"`
	FastSyncThreshold   uint64        `yaml:"fast_sync_threshold"`
	MaxSyncTime         time.Duration `yaml:"max_sync_time"`
	MaxConcurrentConns  int           `yaml:"max_concurrent_connections"`

	BlockSyncRPM   int `yaml:"block_sync_rpm"`
	TxSyncRPM      int `yaml:"tx_sync_rpm"`
	MempoolSyncRPM int `yaml:"mempool_sync_rpm"`
	WalletSyncRPM  int `yaml:"wallet_sync_rpm"`
	FullSyncRPM    int `yaml:"full_sync_rpm"`

	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `yaml:"circuit_breaker_timeout"`
	MaxRetryAttempts        int           `yaml:"max_retry_attempts"`

	AdaptiveTimeouts    bool `yaml:"adaptive_timeouts"`
	EnableCompression   bool `yaml:"enable_compression"`
	EventDeduplication  bool `yaml:"event_deduplication"`
	MaxTxPerBlock       int  `yaml:"max_tx_per_block"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		BatchSize:          50,
		MaxQueueSize:       1000,
		FlushInterval:      5 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		PropagationTimeout: 10 * time.Second,
		DeadNodeThreshold:  90 * time.Second,
		MaxCascadeLevels:   3,
		SyncCascadeDelay:   500 * time.Millisecond,

		BatchBlockSize:     100,
		ParallelDownloads:  10,
		StateSnapshotSize:  50000,
		FastSyncThreshold:  1000,
		MaxSyncTime:        time.Hour,
		MaxConcurrentConns: 10,

		BlockSyncRPM:   60,
		TxSyncRPM:      300,
		MempoolSyncRPM: 30,
		WalletSyncRPM:  120,
		FullSyncRPM:    6,

		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
		MaxRetryAttempts:        3,

		AdaptiveTimeouts:   true,
		EnableCompression:  true,
		EventDeduplication: true,
		MaxTxPerBlock:      500,
	}
}

// Load reads YAML from path and overlays it on Defaults(). A missing file is
// not an error: the node simply runs with defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
