// Package config loads runtime configuration from YAML, mirroring the
// teacher's global-config-singleton idiom (cmn.GCO.Get() in
// ais/target.go) adapted to this runtime's knobs: storage location,
// sleep timeout, queue defaults, alarm sweep cadence, and broadcast rate
// limits.
package config

import (
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds all tunables for one runtime instance.
type Config struct {
	// DataDir is the root directory under which each actor's SQLite
	// database lives, at <DataDir>/<hostId>/state.db.
	DataDir string `yaml:"data_dir"`

	// SleepTimeout is read from YAML and defaulted, but nothing in this
	// module reads it: no idle timer puts an awake actor to sleep, and an
	// actor goes idle only through an explicit loader.Sleep call.
	SleepTimeout time.Duration `yaml:"sleep_timeout"`

	// AlarmSweepInterval is how often the alarm sweeper goroutine polls
	// for due alarms (spec.md §4.7).
	AlarmSweepInterval time.Duration `yaml:"alarm_sweep_interval"`

	// DefaultMaxQueueSize and DefaultMaxQueueMessageSize are used for
	// queue declarations that omit an explicit limit, and for queues with
	// no declaration at all (spec.md §4.5).
	DefaultMaxQueueSize        int `yaml:"default_max_queue_size"`
	DefaultMaxQueueMessageSize int `yaml:"default_max_queue_message_size"`

	// CompressPersistBlobAbove is the byte threshold above which
	// internal/storage transparently zstd-compresses a persist blob
	// before writing it (spec.md §4.1 rationale, expanded in SPEC_FULL.md §4.1).
	CompressPersistBlobAbove int `yaml:"compress_persist_blob_above"`

	// BroadcastRateLimitPerSec bounds per-connection event fan-out rate
	// (SPEC_FULL.md §4.6); 0 disables the limit.
	BroadcastRateLimitPerSec float64 `yaml:"broadcast_rate_limit_per_sec"`
}

// Default returns the built-in defaults used when no config file is
// supplied, or to fill in zero-valued fields after Load.
func Default() *Config {
	return &Config{
		DataDir:                    "./data",
		SleepTimeout:               30 * time.Second,
		AlarmSweepInterval:         1 * time.Second,
		DefaultMaxQueueSize:        1000,
		DefaultMaxQueueMessageSize: 256 * 1024,
		CompressPersistBlobAbove:   32 * 1024,
		BroadcastRateLimitPerSec:   500,
	}
}

// Load reads a YAML config file at path and overlays it on Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var current atomic.Pointer[Config]

func init() {
	current.Store(Default())
}

// Get returns the process-wide active config, matching the teacher's
// cmn.GCO.Get() package-level accessor.
func Get() *Config { return current.Load() }

// Set installs cfg as the process-wide active config.
func Set(cfg *Config) { current.Store(cfg) }
