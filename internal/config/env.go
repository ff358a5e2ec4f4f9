package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// applyEnv overlays FLEET_* environment variables onto cfg, one variable
// per leaf key. Unparseable values are reported and leave the current
// value in place.
func applyEnv(cfg *Config, errs *[]string) {
	cfg.Broker.Host = envStr("FLEET_BROKER_HOST", cfg.Broker.Host)
	cfg.Broker.Port = envInt("FLEET_BROKER_PORT", cfg.Broker.Port, errs)
	cfg.Broker.Username = envStr("FLEET_BROKER_USERNAME", cfg.Broker.Username)
	cfg.Broker.Password = envStr("FLEET_BROKER_PASSWORD", cfg.Broker.Password)
	cfg.Broker.UseTLS = envBool("FLEET_BROKER_USE_TLS", cfg.Broker.UseTLS, errs)
	cfg.Broker.RejectUnauthorized = envBool("FLEET_BROKER_REJECT_UNAUTHORIZED", cfg.Broker.RejectUnauthorized, errs)
	cfg.Broker.ClientID = envStr("FLEET_BROKER_CLIENT_ID", cfg.Broker.ClientID)

	cfg.SubscriptionTopic = envStr("FLEET_SUBSCRIPTION_TOPIC", cfg.SubscriptionTopic)
	cfg.HTTPPort = envInt("FLEET_HTTP_PORT", cfg.HTTPPort, errs)
	cfg.CacheLimit = envInt("FLEET_CACHE_LIMIT", cfg.CacheLimit, errs)
	cfg.VehicleTTLMs = envInt("FLEET_VEHICLE_TTL_MS", cfg.VehicleTTLMs, errs)
	cfg.MessageWindowMs = envInt("FLEET_MESSAGE_WINDOW_MS", cfg.MessageWindowMs, errs)

	cfg.TelemetryDB.Path = envStr("FLEET_TELEMETRY_DB_PATH", cfg.TelemetryDB.Path)
	cfg.TelemetryDB.RollupWindowSeconds = envInt64("FLEET_TELEMETRY_DB_ROLLUP_WINDOW_SECONDS", cfg.TelemetryDB.RollupWindowSeconds, errs)
	cfg.TelemetryDB.RollupWindows = envInt64Slice("FLEET_TELEMETRY_DB_ROLLUP_WINDOWS", cfg.TelemetryDB.RollupWindows, errs)
	cfg.TelemetryDB.RollupIntervalMs = envInt("FLEET_TELEMETRY_DB_ROLLUP_INTERVAL_MS", cfg.TelemetryDB.RollupIntervalMs, errs)
	cfg.TelemetryDB.RollupCatchUpWindows = envInt("FLEET_TELEMETRY_DB_ROLLUP_CATCH_UP_WINDOWS", cfg.TelemetryDB.RollupCatchUpWindows, errs)
	cfg.TelemetryDB.AggregateCacheSize = envInt("FLEET_TELEMETRY_DB_AGGREGATE_CACHE_SIZE", cfg.TelemetryDB.AggregateCacheSize, errs)
	cfg.TelemetryDB.AggregateCacheTTLMs = envInt("FLEET_TELEMETRY_DB_AGGREGATE_CACHE_TTL_MS", cfg.TelemetryDB.AggregateCacheTTLMs, errs)

	cfg.GRPC.Enabled = envBool("FLEET_GRPC_ENABLED", cfg.GRPC.Enabled, errs)
	cfg.GRPC.Host = envStr("FLEET_GRPC_HOST", cfg.GRPC.Host)
	cfg.GRPC.Port = envInt("FLEET_GRPC_PORT", cfg.GRPC.Port, errs)
	cfg.GRPC.StreamIntervalMs = envInt("FLEET_GRPC_STREAM_INTERVAL_MS", cfg.GRPC.StreamIntervalMs, errs)
	cfg.GRPC.StreamHeartbeatMs = envInt("FLEET_GRPC_STREAM_HEARTBEAT_MS", cfg.GRPC.StreamHeartbeatMs, errs)
	cfg.GRPC.KeepaliveTimeMs = envInt("FLEET_GRPC_KEEPALIVE_TIME_MS", cfg.GRPC.KeepaliveTimeMs, errs)
	cfg.GRPC.KeepaliveTimeoutMs = envInt("FLEET_GRPC_KEEPALIVE_TIMEOUT_MS", cfg.GRPC.KeepaliveTimeoutMs, errs)

	cfg.Websocket.Path = envStr("FLEET_WEBSOCKET_PATH", cfg.Websocket.Path)
	cfg.Websocket.PayloadVersion = envInt("FLEET_WEBSOCKET_PAYLOAD_VERSION", cfg.Websocket.PayloadVersion, errs)
	cfg.Websocket.BufferLimitBytes = envInt64("FLEET_WEBSOCKET_BUFFER_LIMIT_BYTES", cfg.Websocket.BufferLimitBytes, errs)

	cfg.MaintenanceSchedule = envStr("FLEET_MAINTENANCE_SCHEDULE", cfg.MaintenanceSchedule)
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envInt64(key string, defaultVal int64, errs *[]string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envInt64Slice(key string, defaultVal []int64, errs *[]string) []int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []int64
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON integer array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []int64{}
	}
	return out
}
