package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads DROIDSSH_* variables from a .env file if one exists.
// Variables already present in the environment are not overridden.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load reads configuration with precedence defaults < file < environment.
//
// When the config file does not exist a commented template is written in its
// place and Created is set. Device stays nil until a host or user is known,
// which lets the server start and accept the setup tool.
func Load() (*Config, error) {
	path, err := GetConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadPath(path)
}

// LoadPath is Load with an explicit config file path.
func LoadPath(path string) (*Config, error) {
	var errs []string
	cfg := &Config{Path: path}

	var (
		global *GlobalConfig
		device *DeviceConfig
	)

	fileCfg, err := LoadFile(path)
	switch {
	case err == nil:
		slog.Debug("loaded configuration from file", slog.String("path", path))
		var fileErrs []string
		global, fileErrs = fileCfg.ToGlobalConfig()
		errs = append(errs, fileErrs...)
		device = fileCfg.ToDeviceConfig()
	case errors.Is(err, fs.ErrNotExist):
		if werr := WriteTemplate(path, false); werr != nil {
			cfg.Warnings = append(cfg.Warnings, "could not write config template: "+werr.Error())
		} else {
			cfg.Created = true
		}
	default:
		errs = append(errs, "config file: "+err.Error())
	}

	global, envErrs := mergeGlobalConfig(global)
	errs = append(errs, envErrs...)
	errs = append(errs, validateGlobal(global)...)
	cfg.Global = global

	device, devErrs := mergeDeviceConfig(device)
	errs = append(errs, devErrs...)
	if device != nil {
		errs = append(errs, validateDevice(device)...)
		if warning := checkKeyPermissions(device.KeyPath); warning != "" {
			cfg.Warnings = append(cfg.Warnings, warning)
		}
	}
	cfg.Device = device

	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	return cfg, nil
}

// mergeDeviceConfig applies DROIDSSH_* device overrides to base.
func mergeDeviceConfig(base *DeviceConfig) (*DeviceConfig, []string) {
	var errs []string

	var cfg DeviceConfig
	if base != nil {
		cfg = *base
	}
	touched := base != nil

	set := func(dst *string, key string, fromFile bool) {
		var v string
		if fromFile {
			v = getEnvWithFileFallback(key)
		} else {
			v = getEnv(EnvPrefix + key)
		}
		if v != "" {
			*dst = v
			touched = true
		}
	}

	set(&cfg.Host, "HOST", false)
	set(&cfg.User, "USER", false)
	set(&cfg.KeyPath, "KEY_PATH", false)
	set(&cfg.KeyPassphrase, "KEY_PASSPHRASE", true)
	set(&cfg.Password, "PASSWORD", true)
	cfg.KeyPath = ExpandHome(cfg.KeyPath)

	if v := getEnv(EnvPrefix + "PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sPORT: invalid integer %q", EnvPrefix, v))
		} else {
			cfg.Port = port
			touched = true
		}
	}

	if !touched {
		return nil, errs
	}
	return &cfg, errs
}

// checkKeyPermissions returns a warning when the private key is readable by
// group or others. A missing key is reported at connect time instead.
func checkKeyPermissions(path string) string {
	if path == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Sprintf("private key %s has permissions %#o, should be 0600 (run: chmod 600 %s)", path, mode, path)
	}
	return ""
}
