// Package config loads and validates the daemon configuration. Values are
// resolved in three layers: compiled-in defaults, an optional YAML file,
// then FLEET_* environment overrides, one variable per leaf key.
package config

import "time"

// BrokerConfig locates the MQTT broker the ingest pipeline subscribes to.
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// UseTLS switches the broker URL scheme from tcp to ssl.
	UseTLS bool `yaml:"useTls"`
	// RejectUnauthorized controls TLS certificate verification. False
	// sets InsecureSkipVerify on the broker connection.
	RejectUnauthorized bool `yaml:"rejectUnauthorized"`
	// ClientID overrides the generated MQTT client id.
	ClientID string `yaml:"clientId"`
}

// TelemetryDBConfig configures the SQLite event log and its rollups.
type TelemetryDBConfig struct {
	Path                string  `yaml:"path"`
	RollupWindowSeconds int64   `yaml:"rollupWindowSeconds"`
	RollupWindows       []int64 `yaml:"rollupWindows"`
	RollupIntervalMs    int     `yaml:"rollupIntervalMs"`
	// RollupCatchUpWindows is how many finalized buckets each incremental
	// pass re-scans to absorb late events.
	RollupCatchUpWindows int `yaml:"rollupCatchUpWindows"`
	// AggregateCacheSize bounds the aggregate response cache entry count.
	// Zero disables the cache.
	AggregateCacheSize  int `yaml:"aggregateCacheSize"`
	AggregateCacheTTLMs int `yaml:"aggregateCacheTtlMs"`
}

func (c TelemetryDBConfig) RollupInterval() time.Duration { return msToDuration(c.RollupIntervalMs) }

func (c TelemetryDBConfig) AggregateCacheTTL() time.Duration {
	return msToDuration(c.AggregateCacheTTLMs)
}

// GRPCConfig configures the fleet.v1.FleetTelemetry listener.
type GRPCConfig struct {
	Enabled bool `yaml:"enabled"`
	// Host is the bind address; empty binds all interfaces.
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	StreamIntervalMs   int    `yaml:"streamIntervalMs"`
	StreamHeartbeatMs  int    `yaml:"streamHeartbeatMs"`
	KeepaliveTimeMs    int    `yaml:"keepaliveTimeMs"`
	KeepaliveTimeoutMs int    `yaml:"keepaliveTimeoutMs"`
}

func (g GRPCConfig) StreamInterval() time.Duration   { return msToDuration(g.StreamIntervalMs) }
func (g GRPCConfig) StreamHeartbeat() time.Duration  { return msToDuration(g.StreamHeartbeatMs) }
func (g GRPCConfig) KeepaliveTime() time.Duration    { return msToDuration(g.KeepaliveTimeMs) }
func (g GRPCConfig) KeepaliveTimeout() time.Duration { return msToDuration(g.KeepaliveTimeoutMs) }

// WebsocketConfig configures the live fan-out endpoint.
type WebsocketConfig struct {
	Path           string `yaml:"path"`
	PayloadVersion int    `yaml:"payloadVersion"`
	// BufferLimitBytes is the per-subscriber outbound buffer cap. A
	// subscriber over the cap is dropped.
	BufferLimitBytes int64 `yaml:"bufferLimitBytes"`
}

// Config is the full daemon configuration.
type Config struct {
	Broker            BrokerConfig `yaml:"broker"`
	SubscriptionTopic string       `yaml:"subscriptionTopic"`
	HTTPPort          int          `yaml:"httpPort"`
	CacheLimit        int          `yaml:"cacheLimit"`
	// VehicleTTLMs expires cached vehicles; 0 disables expiry.
	VehicleTTLMs    int               `yaml:"vehicleTtlMs"`
	MessageWindowMs int               `yaml:"messageWindowMs"`
	TelemetryDB     TelemetryDBConfig `yaml:"telemetryDb"`
	GRPC            GRPCConfig        `yaml:"grpc"`
	Websocket       WebsocketConfig   `yaml:"websocket"`
	// MaintenanceSchedule is a cron expression for the nightly DB
	// maintenance pass; empty disables it.
	MaintenanceSchedule string `yaml:"maintenanceSchedule"`
}

func (c *Config) VehicleTTL() time.Duration    { return msToDuration(c.VehicleTTLMs) }
func (c *Config) MessageWindow() time.Duration { return msToDuration(c.MessageWindowMs) }

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:               "localhost",
			Port:               1883,
			RejectUnauthorized: true,
		},
		SubscriptionTopic: "fleet/+/telemetry",
		HTTPPort:          8080,
		CacheLimit:        1000,
		VehicleTTLMs:      60000,
		MessageWindowMs:   60000,
		TelemetryDB: TelemetryDBConfig{
			Path:                 "fleet-telemetry.db",
			RollupWindowSeconds:  300,
			RollupWindows:        []int64{},
			RollupIntervalMs:     60000,
			RollupCatchUpWindows: 1,
			AggregateCacheSize:   256,
			AggregateCacheTTLMs:  15000,
		},
		GRPC: GRPCConfig{
			Enabled:            true,
			Port:               50051,
			StreamIntervalMs:   1000,
			StreamHeartbeatMs:  15000,
			KeepaliveTimeMs:    30000,
			KeepaliveTimeoutMs: 10000,
		},
		Websocket: WebsocketConfig{
			Path:             "/stream",
			PayloadVersion:   1,
			BufferLimitBytes: 512 * 1024,
		},
		MaintenanceSchedule: "0 4 * * *",
	}
}

// Sanitized returns a copy safe for the startup log: the broker password
// is redacted.
func (c *Config) Sanitized() Config {
	out := *c
	if out.Broker.Password != "" {
		out.Broker.Password = "[redacted]"
	}
	return out
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
