package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Global configuration defaults.
const (
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultHealthPort            = 0
	DefaultConnectOnStart        = false
	DefaultConnectTimeout        = 30 * time.Second
	DefaultKeepaliveInterval     = 15 * time.Second
	DefaultStrictHostKeyChecking = false
)

// GlobalConfig holds application-wide settings.
type GlobalConfig struct {
	// Logging configuration
	LogLevel  string // debug, info, warn, error
	LogFormat string // json, text

	// HealthPort serves /health, /ready and /metrics. 0 disables the server.
	HealthPort int

	// SSH behavior
	ConnectOnStart        bool          // Connect at startup and exit if that fails
	ConnectTimeout        time.Duration // Dial and handshake timeout
	KeepaliveInterval     time.Duration // 0 disables keepalives
	KnownHosts            string        // known_hosts file for strict checking
	StrictHostKeyChecking bool          // Verify the device's host key
}

// defaultGlobalConfig returns a GlobalConfig populated with defaults.
func defaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		LogLevel:              DefaultLogLevel,
		LogFormat:             DefaultLogFormat,
		HealthPort:            DefaultHealthPort,
		ConnectOnStart:        DefaultConnectOnStart,
		ConnectTimeout:        DefaultConnectTimeout,
		KeepaliveInterval:     DefaultKeepaliveInterval,
		StrictHostKeyChecking: DefaultStrictHostKeyChecking,
	}
}

// mergeGlobalConfig applies DROIDSSH_* environment overrides to base.
// Environment variables always take precedence over file config.
// Returns a list of validation errors (may be empty).
func mergeGlobalConfig(base *GlobalConfig) (*GlobalConfig, []string) {
	if base == nil {
		base = defaultGlobalConfig()
	}

	var errs []string
	cfg := *base

	if v := getEnv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := getEnv(EnvPrefix + "LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	if v := getEnv(EnvPrefix + "HEALTH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sHEALTH_PORT: invalid integer %q", EnvPrefix, v))
		} else {
			cfg.HealthPort = port
		}
	}

	if v := getEnv(EnvPrefix + "CONNECT_ON_START"); v != "" {
		cfg.ConnectOnStart = parseBool(v, cfg.ConnectOnStart)
	}

	if v := getEnv(EnvPrefix + "CONNECT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sCONNECT_TIMEOUT: invalid duration %q (use format like 30s, 1m)", EnvPrefix, v))
		} else {
			cfg.ConnectTimeout = d
		}
	}

	if v := getEnv(EnvPrefix + "KEEPALIVE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sKEEPALIVE_INTERVAL: invalid duration %q (use format like 15s, 0 to disable)", EnvPrefix, v))
		} else {
			cfg.KeepaliveInterval = d
		}
	}

	if v := getEnv(EnvPrefix + "KNOWN_HOSTS"); v != "" {
		cfg.KnownHosts = ExpandHome(v)
	}

	if v := getEnv(EnvPrefix + "STRICT_HOST_KEY_CHECKING"); v != "" {
		cfg.StrictHostKeyChecking = parseBool(v, cfg.StrictHostKeyChecking)
	}

	return &cfg, errs
}

// validateGlobal checks value ranges after all sources are merged.
func validateGlobal(cfg *GlobalConfig) []string {
	var errs []string

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log_level: invalid value %q (must be debug, info, warn, or error)", cfg.LogLevel))
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log_format: invalid value %q (must be json or text)", cfg.LogFormat))
	}

	if cfg.HealthPort < 0 || cfg.HealthPort > 65535 {
		errs = append(errs, fmt.Sprintf("health_port: must be between 0 and 65535, got %d", cfg.HealthPort))
	}

	if cfg.ConnectTimeout < time.Second {
		errs = append(errs, "connect_timeout: must be at least 1s")
	}

	if cfg.KeepaliveInterval < 0 {
		errs = append(errs, "keepalive_interval: must not be negative")
	}

	if cfg.StrictHostKeyChecking && cfg.KnownHosts == "" {
		errs = append(errs, "strict_host_key_checking: requires known_hosts")
	}

	return errs
}
