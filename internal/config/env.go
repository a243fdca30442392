// Package config defines environment configuration structs and loaders.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type AppConfig struct {
	APIEnvConfig
	DeviceEnvConfig
	DispatchEnvConfig
	BeaconEnvConfig
	RepositoryEnvConfig
	StoreEnvConfig
	RedisEnvConfig
	NATSEnvConfig
	MetricsEnvConfig
	Environment string `env:"ENVIRONMENT" envDefault:"prod"`
}

func LoadConfig() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// APIEnvConfig locates the remote API.
type APIEnvConfig struct {
	BaseURL string `env:"API_BASE_URL" envDefault:"http://127.0.0.1:8080/"`
	APIKey  string `env:"API_KEY"`
	Zstd    bool   `env:"API_ZSTD" envDefault:"false"`
	HTTP2   bool   `env:"API_HTTP2" envDefault:"false"`
	// AuthEmail is used to obtain a token on first run.
	AuthEmail string `env:"AUTH_EMAIL"`
}

// DeviceEnvConfig describes the host. An empty UUID is generated and
// persisted on first run.
type DeviceEnvConfig struct {
	UUID      string `env:"DEVICE_UUID"`
	OS        string `env:"DEVICE_OS" envDefault:"linux"`
	OSVersion string `env:"DEVICE_OS_VERSION"`
	Model     string `env:"DEVICE_MODEL"`
}

// DispatchEnvConfig configures the request queue.
type DispatchEnvConfig struct {
	MaxQueue      int           `env:"DISPATCH_MAX_QUEUE" envDefault:"500"`
	TxTimeout     time.Duration `env:"DISPATCH_TX_TIMEOUT" envDefault:"15s"`
	QueueTimeout  time.Duration `env:"DISPATCH_QUEUE_TIMEOUT" envDefault:"15s"`
	SuspendPeriod time.Duration `env:"DISPATCH_SUSPEND_PERIOD" envDefault:"1m"`
	RetryBackoff  time.Duration `env:"DISPATCH_RETRY_BACKOFF" envDefault:"500ms"`
	// ProbeRetryMax of 0 sends the echo request over the agent's own
	// transport instead of a retrying client.
	ProbeRetryMax int `env:"PROBE_RETRY_MAX" envDefault:"2"`
}

// BeaconEnvConfig configures presence tracking.
type BeaconEnvConfig struct {
	Namespace       string        `env:"BEACON_NAMESPACE" envDefault:"edd1ebeac04e5defa017"`
	RSSIFloor       int           `env:"BEACON_RSSI_FLOOR" envDefault:"-90"`
	WaitTime        time.Duration `env:"BEACON_WAIT_TIME" envDefault:"1400ms"`
	LostFactor      int           `env:"BEACON_LOST_FACTOR" envDefault:"5"`
	TidyInterval    time.Duration `env:"BEACON_TIDY_INTERVAL" envDefault:"700ms"`
	RestartInterval time.Duration `env:"BEACON_RESTART_INTERVAL" envDefault:"5m"`
	StopPolicy      string        `env:"BEACON_STOP_POLICY" envDefault:"lose"`
}

// RepositoryEnvConfig configures the periodic reports.
type RepositoryEnvConfig struct {
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"1h"`
	RegionInterval    time.Duration `env:"REGION_INTERVAL" envDefault:"24h"`
}

// StoreEnvConfig selects the persistence backend.
type StoreEnvConfig struct {
	StoreBackend string `env:"STORE_BACKEND" envDefault:"file"`
	StorePath    string `env:"STORE_PATH" envDefault:"proximity.json"`
}

// RedisEnvConfig configures Redis connection.
type RedisEnvConfig struct {
	RedisHost     string `env:"REDIS_HOST" envDefault:"127.0.0.1"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"proximity:"`
}

// NATSEnvConfig configures the JetStream key-value store.
type NATSEnvConfig struct {
	NATSURL    string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSBucket string `env:"NATS_BUCKET" envDefault:"proximity"`
}

// MetricsEnvConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsEnvConfig struct {
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9100"`
}
