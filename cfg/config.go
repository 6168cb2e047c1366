package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PostgresConfiguration for the shared database the engine watches
type PostgresConfiguration struct {
	DSN                string `toml:"dsn"`
	PoolSize           int    `toml:"pool_size"`
	MaxIdleTimeSeconds int    `toml:"max_idle_time_seconds"`
	MaxLifetimeSeconds int    `toml:"max_lifetime_seconds"`
}

// RegistryConfiguration controls the shared trigger registry
type RegistryConfiguration struct {
	Schema                   string `toml:"schema"`                     // Control schema name
	HeartbeatIntervalSeconds int    `toml:"heartbeat_interval_seconds"` // Process liveness refresh
	StaleAfterMissed         int    `toml:"stale_after_missed"`         // Missed heartbeats before GC
	DeadlockMaxRetries       int    `toml:"deadlock_max_retries"`       // Retries on 40P01/40001
	DeadlockBackoffMS        int    `toml:"deadlock_backoff_ms"`        // Base backoff between retries
	WatchSchema              bool   `toml:"watch_schema"`               // Opt into DDL notifications
}

// ListenerConfiguration controls the dedicated LISTEN connection
type ListenerConfiguration struct {
	ReconnectDelayMS     int `toml:"reconnect_delay_ms"`
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
	PingIntervalSeconds  int `toml:"ping_interval_seconds"`
}

// SubscriptionConfiguration controls result-set subscriptions
type SubscriptionConfiguration struct {
	DefaultThrottleMS int `toml:"default_throttle_ms"`
	ViewCacheSize     int `toml:"view_cache_size"` // Decomposed view conditions kept in LRU
}

// SyncConfiguration controls two-way sync sessions
type SyncConfiguration struct {
	DefaultBatchSize   int `toml:"default_batch_size"`
	DefaultThrottleMS  int `toml:"default_throttle_ms"`
	RoundTripTimeoutMS int `toml:"round_trip_timeout_ms"` // Deadline per remote round trip
}

// HTTPConfiguration for the metrics and consumer channel endpoint
type HTTPConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// SinkConfiguration describes one downstream change-event sink
type SinkConfiguration struct {
	Name         string   `toml:"name"`
	Type         string   `toml:"type"`   // "nats" or "kafka"
	Format       string   `toml:"format"` // "json" or "msgpack"
	NatsURL      string   `toml:"nats_url"`
	Brokers      []string `toml:"brokers"`
	TopicPrefix  string   `toml:"topic_prefix"`
	FilterTables []string `toml:"filter_tables"` // Glob patterns, empty = all
	QueueSize    int      `toml:"queue_size"`
	BatchSize    int      `toml:"batch_size"`
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

// Configuration is the main configuration structure
type Configuration struct {
	NodeID    uint64 `toml:"node_id"`
	ProcessID string `toml:"process_id"` // Normally auto-generated per run

	Postgres      PostgresConfiguration     `toml:"postgres"`
	Registry      RegistryConfiguration     `toml:"registry"`
	Listener      ListenerConfiguration     `toml:"listener"`
	Subscriptions SubscriptionConfiguration `toml:"subscriptions"`
	Sync          SyncConfiguration         `toml:"sync"`
	HTTP          HTTPConfiguration         `toml:"http"`
	Sinks         []SinkConfiguration       `toml:"sinks"`
	Logging       LoggingConfiguration      `toml:"logging"`
	Prometheus    PrometheusConfiguration   `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DSNFlag        = flag.String("dsn", "", "Postgres DSN (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	HTTPPortFlag   = flag.Int("http-port", 0, "HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID: 0, // Auto-generate from machine id

	Postgres: PostgresConfiguration{
		DSN:                "postgres://localhost:5432/postgres?sslmode=disable",
		PoolSize:           4,
		MaxIdleTimeSeconds: 10,
		MaxLifetimeSeconds: 300,
	},

	Registry: RegistryConfiguration{
		Schema:                   "pgpulse",
		HeartbeatIntervalSeconds: 10,
		StaleAfterMissed:         3,
		DeadlockMaxRetries:       5,
		DeadlockBackoffMS:        50,
		WatchSchema:              false,
	},

	Listener: ListenerConfiguration{
		ReconnectDelayMS:     2000,
		MaxReconnectAttempts: 10,
		PingIntervalSeconds:  30,
	},

	Subscriptions: SubscriptionConfiguration{
		DefaultThrottleMS: 100,
		ViewCacheSize:     256,
	},

	Sync: SyncConfiguration{
		DefaultBatchSize:   50,
		DefaultThrottleMS:  100,
		RoundTripTimeoutMS: 30000,
	},

	HTTP: HTTPConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8355,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
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

	// Apply CLI overrides
	if *DSNFlag != "" {
		Config.Postgres.DSN = *DSNFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// A fresh process id per run. Configured ids are honored to support
	// deterministic channel names in tests.
	if Config.ProcessID == "" {
		Config.ProcessID = uuid.NewString()
	}

	return nil
}

// generateNodeID creates a stable node ID from the machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("pgpulse")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Postgres.DSN == "" {
		return fmt.Errorf("postgres DSN is required")
	}

	if Config.Postgres.PoolSize < 1 {
		return fmt.Errorf("postgres pool size must be >= 1")
	}

	if Config.Registry.Schema == "" {
		return fmt.Errorf("registry schema name is required")
	}

	if Config.Registry.HeartbeatIntervalSeconds < 1 {
		return fmt.Errorf("heartbeat interval must be >= 1 second")
	}

	if Config.Registry.StaleAfterMissed < 1 {
		return fmt.Errorf("stale-after-missed must be >= 1")
	}

	if Config.Registry.DeadlockMaxRetries < 0 {
		return fmt.Errorf("deadlock max retries must be >= 0")
	}

	if Config.Listener.ReconnectDelayMS < 1 {
		return fmt.Errorf("listener reconnect delay must be >= 1ms")
	}

	if Config.Listener.MaxReconnectAttempts < 1 {
		return fmt.Errorf("listener max reconnect attempts must be >= 1")
	}

	if Config.Subscriptions.DefaultThrottleMS < 0 {
		return fmt.Errorf("subscription throttle must be >= 0")
	}

	if Config.Subscriptions.ViewCacheSize < 1 {
		return fmt.Errorf("view cache size must be >= 1")
	}

	if Config.Sync.DefaultBatchSize < 1 {
		return fmt.Errorf("sync batch size must be >= 1")
	}

	if Config.Sync.RoundTripTimeoutMS < 1 {
		return fmt.Errorf("sync round trip timeout must be >= 1ms")
	}

	if Config.HTTP.Enabled && (Config.HTTP.Port < 1 || Config.HTTP.Port > 65535) {
		return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
	}

	for _, sink := range Config.Sinks {
		switch sink.Type {
		case "nats":
			if sink.NatsURL == "" {
				return fmt.Errorf("sink %q: nats sink requires nats_url", sink.Name)
			}
		case "kafka":
			if len(sink.Brokers) == 0 {
				return fmt.Errorf("sink %q: kafka sink requires brokers", sink.Name)
			}
		default:
			return fmt.Errorf("sink %q: unknown type %q", sink.Name, sink.Type)
		}
		switch sink.Format {
		case "", "json", "msgpack":
		default:
			return fmt.Errorf("sink %q: unknown format %q", sink.Name, sink.Format)
		}
	}

	return nil
}
