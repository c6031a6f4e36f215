package cfg

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// CheckpointStoreType selects where resumable positions are persisted
type CheckpointStoreType string

const (
	CheckpointNone   CheckpointStoreType = "none"   // Positions are kept in memory only
	CheckpointPebble CheckpointStoreType = "pebble" // Local Pebble store under data_dir
	CheckpointNats   CheckpointStoreType = "nats"   // NATS JetStream key-value bucket
)

// EngineConfiguration sizes the shared worker pool
type EngineConfiguration struct {
	MaxWorkerNumber int `toml:"max_worker_number"`
}

// ScalingConfiguration holds pipeline defaults applied to jobs that leave them unset
type ScalingConfiguration struct {
	BlockQueueSize int `toml:"block_queue_size"` // Per-importer buffer capacity
	BatchSize      int `toml:"batch_size"`       // Rows per dump read and records per importer fetch
	FetchTimeoutMS int `toml:"fetch_timeout_ms"` // Max wait for a partial importer batch
	Concurrency    int `toml:"concurrency"`      // Importers per task
	PollIntervalMS int `toml:"poll_interval_ms"` // Change stream poll interval
}

// ResumeBreakPointConfiguration controls checkpoint persistence
type ResumeBreakPointConfiguration struct {
	Store    CheckpointStoreType `toml:"store"`
	Path     string              `toml:"path"`     // Pebble directory, defaults to data_dir/checkpoints
	NatsURL  string              `toml:"nats_url"` // NATS server for the kv store
	Bucket   string              `toml:"bucket"`   // NATS kv bucket name
	Schedule string              `toml:"schedule"` // cron schedule for periodic persistence
}

// ConnectionPoolConfiguration controls database connection pooling
type ConnectionPoolConfiguration struct {
	PoolSize           int `toml:"pool_size"`             // Max open connections per datasource
	MaxIdleTimeSeconds int `toml:"max_idle_time_seconds"` // Max time connection can be idle
	MaxLifetimeSeconds int `toml:"max_lifetime_seconds"`  // Max lifetime of a connection
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the job HTTP API, which also serves /metrics
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Pre-shared key; empty disables authentication
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Engine           EngineConfiguration           `toml:"engine"`
	Scaling          ScalingConfiguration          `toml:"scaling"`
	ResumeBreakPoint ResumeBreakPointConfiguration `toml:"resume_break_point"`
	ConnectionPool   ConnectionPoolConfiguration   `toml:"connection_pool"`
	Logging          LoggingConfiguration          `toml:"logging"`
	Prometheus       PrometheusConfiguration       `toml:"prometheus"`
	Admin            AdminConfiguration            `toml:"admin"`
}

// Command line overrides, bound by the CLI
var (
	ConfigPathFlag = "config.toml"
	DataDirFlag    = ""
	NodeIDFlag     uint64
	AdminPortFlag  int
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./scaling-data",

	Engine: EngineConfiguration{
		MaxWorkerNumber: 30,
	},

	Scaling: ScalingConfiguration{
		BlockQueueSize: 10000,
		BatchSize:      1000,
		FetchTimeoutMS: 1000,
		Concurrency:    3,
		PollIntervalMS: 500,
	},

	ResumeBreakPoint: ResumeBreakPointConfiguration{
		Store:    CheckpointPebble,
		Bucket:   "scaling-positions",
		Schedule: "@every 1m",
	},

	ConnectionPool: ConnectionPoolConfiguration{
		PoolSize:           8,
		MaxIdleTimeSeconds: 60,
		MaxLifetimeSeconds: 300,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    8888,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if DataDirFlag != "" {
		Config.DataDir = DataDirFlag
	}
	if NodeIDFlag != 0 {
		Config.NodeID = NodeIDFlag
	}
	if AdminPortFlag != 0 {
		Config.Admin.Port = AdminPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("marmot-scaling")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Engine.MaxWorkerNumber < 1 {
		return fmt.Errorf("engine max worker number must be >= 1")
	}

	if Config.Scaling.BlockQueueSize < 1 {
		return fmt.Errorf("block queue size must be >= 1")
	}

	if Config.Scaling.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1")
	}

	if Config.Scaling.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1")
	}

	if Config.Scaling.FetchTimeoutMS < 1 {
		return fmt.Errorf("fetch timeout must be >= 1ms")
	}

	if Config.Scaling.PollIntervalMS < 1 {
		return fmt.Errorf("poll interval must be >= 1ms")
	}

	switch Config.ResumeBreakPoint.Store {
	case CheckpointNone, CheckpointPebble:
	case CheckpointNats:
		if Config.ResumeBreakPoint.NatsURL == "" {
			return fmt.Errorf("nats checkpoint store requires nats_url")
		}
		if Config.ResumeBreakPoint.Bucket == "" {
			return fmt.Errorf("nats checkpoint store requires bucket")
		}
	default:
		return fmt.Errorf("invalid checkpoint store: %s", Config.ResumeBreakPoint.Store)
	}

	if _, err := cron.ParseStandard(Config.ResumeBreakPoint.Schedule); err != nil {
		return fmt.Errorf("invalid checkpoint schedule %q: %w", Config.ResumeBreakPoint.Schedule, err)
	}

	if Config.ConnectionPool.PoolSize < 1 {
		return fmt.Errorf("connection pool size must be >= 1")
	}

	if Config.ConnectionPool.MaxIdleTimeSeconds < 0 {
		return fmt.Errorf("connection pool max idle time must be >= 0")
	}

	if Config.ConnectionPool.MaxLifetimeSeconds < 0 {
		return fmt.Errorf("connection pool max lifetime must be >= 0")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// FetchTimeout returns the importer fetch timeout as a duration
func FetchTimeout() time.Duration {
	return time.Duration(Config.Scaling.FetchTimeoutMS) * time.Millisecond
}

// PollInterval returns the change stream poll interval as a duration
func PollInterval() time.Duration {
	return time.Duration(Config.Scaling.PollIntervalMS) * time.Millisecond
}

// GetCheckpointPath returns the directory for the pebble checkpoint store
func GetCheckpointPath() string {
	if Config.ResumeBreakPoint.Path != "" {
		return Config.ResumeBreakPoint.Path
	}
	return filepath.Join(Config.DataDir, "checkpoints")
}
