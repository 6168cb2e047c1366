package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Configuration {
	return &Configuration{
		NodeID:    1,
		ProcessID: "test-process",
		Postgres: PostgresConfiguration{
			DSN:      "postgres://localhost:5432/app?sslmode=disable",
			PoolSize: 4,
		},
		Registry: RegistryConfiguration{
			Schema:                   "pgpulse",
			HeartbeatIntervalSeconds: 10,
			StaleAfterMissed:         3,
			DeadlockMaxRetries:       5,
			DeadlockBackoffMS:        50,
		},
		Listener: ListenerConfiguration{
			ReconnectDelayMS:     2000,
			MaxReconnectAttempts: 10,
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
			Enabled: true,
			Port:    8355,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_MissingDSN(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Postgres.DSN = ""

	if err := Validate(); err == nil {
		t.Error("Expected error for missing DSN")
	}
}

func TestValidate_InvalidHTTPPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{-1, 0, 70000} {
		Config = validConfig()
		Config.HTTP.Port = port

		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid HTTP port %d", port)
		}
	}
}

func TestValidate_InvalidIntervals(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	mutations := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"zero heartbeat", func(c *Configuration) { c.Registry.HeartbeatIntervalSeconds = 0 }},
		{"zero stale-after", func(c *Configuration) { c.Registry.StaleAfterMissed = 0 }},
		{"negative deadlock retries", func(c *Configuration) { c.Registry.DeadlockMaxRetries = -1 }},
		{"zero reconnect delay", func(c *Configuration) { c.Listener.ReconnectDelayMS = 0 }},
		{"zero reconnect attempts", func(c *Configuration) { c.Listener.MaxReconnectAttempts = 0 }},
		{"zero sync batch", func(c *Configuration) { c.Sync.DefaultBatchSize = 0 }},
		{"zero round trip timeout", func(c *Configuration) { c.Sync.RoundTripTimeoutMS = 0 }},
		{"negative throttle", func(c *Configuration) { c.Subscriptions.DefaultThrottleMS = -1 }},
	}

	for _, m := range mutations {
		Config = validConfig()
		m.mutate(Config)
		if err := Validate(); err == nil {
			t.Errorf("Expected error for %s", m.name)
		}
	}
}

func TestValidate_Sinks(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Sinks = []SinkConfiguration{{Name: "events", Type: "nats"}}
	if err := Validate(); err == nil {
		t.Error("Expected error for nats sink without URL")
	}

	Config = validConfig()
	Config.Sinks = []SinkConfiguration{{Name: "events", Type: "kafka"}}
	if err := Validate(); err == nil {
		t.Error("Expected error for kafka sink without brokers")
	}

	Config = validConfig()
	Config.Sinks = []SinkConfiguration{{Name: "events", Type: "pulsar"}}
	if err := Validate(); err == nil {
		t.Error("Expected error for unknown sink type")
	}

	Config = validConfig()
	Config.Sinks = []SinkConfiguration{{
		Name:    "events",
		Type:    "nats",
		NatsURL: "nats://localhost:4222",
		Format:  "msgpack",
	}}
	if err := Validate(); err != nil {
		t.Errorf("Expected valid sink to pass, got: %v", err)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.NodeID = 0
	Config.ProcessID = ""

	if err := Load("non-existent-file.toml"); err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	if Config.NodeID == 0 {
		t.Error("Expected node ID to be auto-generated")
	}
	if Config.ProcessID == "" {
		t.Error("Expected process ID to be auto-generated")
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
node_id = 7

[postgres]
dsn = "postgres://db:5432/app"

[sync]
default_batch_size = 200
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	Config = validConfig()

	if err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.NodeID != 7 {
		t.Errorf("Expected node_id 7, got %d", Config.NodeID)
	}
	if Config.Postgres.DSN != "postgres://db:5432/app" {
		t.Errorf("DSN not loaded: %q", Config.Postgres.DSN)
	}
	if Config.Sync.DefaultBatchSize != 200 {
		t.Errorf("Sync batch size not loaded: %d", Config.Sync.DefaultBatchSize)
	}
}
