package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Load resolves the configuration: defaults, then the YAML file at path
// (or FLEET_CONFIG when path is empty, missing meaning no file), then
// FLEET_* environment overrides. All validation problems are reported in
// one error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("FLEET_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	var errs []string
	applyEnv(cfg, &errs)
	cfg.validate(&errs)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	if IsWeakPassword(cfg.Broker.Password) {
		log.Printf("[config] broker password is weak; consider a longer or less guessable credential")
	}
	return cfg, nil
}

// validate appends one message per problem. Keys are named by their
// config-file path since a bad value may come from YAML or environment.
func (c *Config) validate(errs *[]string) {
	if strings.TrimSpace(c.Broker.Host) == "" {
		*errs = append(*errs, "broker.host must not be empty")
	}
	validatePort("broker.port", c.Broker.Port, errs)
	if strings.TrimSpace(c.SubscriptionTopic) == "" {
		*errs = append(*errs, "subscriptionTopic must not be empty")
	}
	validatePort("httpPort", c.HTTPPort, errs)
	validatePositive("cacheLimit", c.CacheLimit, errs)
	if c.VehicleTTLMs < 0 {
		*errs = append(*errs, fmt.Sprintf("vehicleTtlMs: must be zero or positive, got %d", c.VehicleTTLMs))
	}
	validatePositive("messageWindowMs", c.MessageWindowMs, errs)

	if strings.TrimSpace(c.TelemetryDB.Path) == "" {
		*errs = append(*errs, "telemetryDb.path must not be empty")
	}
	if c.TelemetryDB.RollupWindowSeconds <= 0 {
		*errs = append(*errs, fmt.Sprintf("telemetryDb.rollupWindowSeconds: must be positive, got %d", c.TelemetryDB.RollupWindowSeconds))
	}
	for _, w := range c.TelemetryDB.RollupWindows {
		if w <= 0 {
			*errs = append(*errs, fmt.Sprintf("telemetryDb.rollupWindows: window %d must be positive", w))
		}
	}
	validatePositive("telemetryDb.rollupIntervalMs", c.TelemetryDB.RollupIntervalMs, errs)
	if c.TelemetryDB.RollupCatchUpWindows < 0 {
		*errs = append(*errs, fmt.Sprintf("telemetryDb.rollupCatchUpWindows: must be zero or positive, got %d", c.TelemetryDB.RollupCatchUpWindows))
	}
	if c.TelemetryDB.AggregateCacheSize < 0 {
		*errs = append(*errs, fmt.Sprintf("telemetryDb.aggregateCacheSize: must be zero or positive, got %d", c.TelemetryDB.AggregateCacheSize))
	}
	if c.TelemetryDB.AggregateCacheTTLMs < 0 {
		*errs = append(*errs, fmt.Sprintf("telemetryDb.aggregateCacheTtlMs: must be zero or positive, got %d", c.TelemetryDB.AggregateCacheTTLMs))
	}

	validatePort("grpc.port", c.GRPC.Port, errs)
	validatePositive("grpc.streamIntervalMs", c.GRPC.StreamIntervalMs, errs)
	validatePositive("grpc.streamHeartbeatMs", c.GRPC.StreamHeartbeatMs, errs)
	validatePositive("grpc.keepaliveTimeMs", c.GRPC.KeepaliveTimeMs, errs)
	validatePositive("grpc.keepaliveTimeoutMs", c.GRPC.KeepaliveTimeoutMs, errs)

	if !strings.HasPrefix(c.Websocket.Path, "/") {
		*errs = append(*errs, fmt.Sprintf("websocket.path: must start with '/', got %q", c.Websocket.Path))
	}
	validatePositive("websocket.payloadVersion", c.Websocket.PayloadVersion, errs)
	if c.Websocket.BufferLimitBytes <= 0 {
		*errs = append(*errs, fmt.Sprintf("websocket.bufferLimitBytes: must be positive, got %d", c.Websocket.BufferLimitBytes))
	}

	if c.MaintenanceSchedule != "" {
		if _, err := cron.ParseStandard(c.MaintenanceSchedule); err != nil {
			*errs = append(*errs, fmt.Sprintf("maintenanceSchedule: invalid cron expression %q: %v", c.MaintenanceSchedule, err))
		}
	}
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
