// Package config loads droidssh settings from a TOML or YAML file, the
// environment and secret files.
package config

import (
	"gitlab.bluewillows.net/root/droidssh/pkg/sshutil"
)

// Config is the complete runtime configuration.
type Config struct {
	Global *GlobalConfig

	// Device is nil until a host or user has been configured.
	Device *DeviceConfig

	// Path is the config file that was read or created.
	Path string

	// Created is true when Load wrote a fresh template to Path.
	Created bool

	// Warnings are non-fatal problems, such as loose key file permissions.
	Warnings []string
}

// DeviceConfig describes the SSH endpoint on the device.
type DeviceConfig struct {
	Host          string
	Port          int
	User          string
	KeyPath       string
	KeyPassphrase string
	Password      string
}

// Missing returns the names of required fields that are unset.
func (d *DeviceConfig) Missing() []string {
	var missing []string
	if d.Host == "" {
		missing = append(missing, "host")
	}
	if d.User == "" {
		missing = append(missing, "user")
	}
	if d.KeyPath == "" && d.Password == "" {
		missing = append(missing, "key_path or password")
	}
	return missing
}

// Complete reports whether the device can be connected to.
func (d *DeviceConfig) Complete() bool {
	return len(d.Missing()) == 0
}

// GetPort returns the configured port or the default.
func (d *DeviceConfig) GetPort() int {
	if d.Port > 0 {
		return d.Port
	}
	return sshutil.DefaultSSHPort
}

// AuthSummary describes which credential will be tried first.
func (d *DeviceConfig) AuthSummary() string {
	switch {
	case d.KeyPath != "" && d.Password != "":
		return "SSH key, then password"
	case d.KeyPath != "":
		return "SSH key"
	case d.Password != "":
		return "Password"
	default:
		return "none"
	}
}

// SSHConfig builds the connection descriptor.
func (d *DeviceConfig) SSHConfig(global *GlobalConfig) *sshutil.Config {
	if global == nil {
		global = defaultGlobalConfig()
	}

	keepalive := global.KeepaliveInterval
	if keepalive == 0 {
		keepalive = -1
	}

	return &sshutil.Config{
		Host:                  d.Host,
		Port:                  d.GetPort(),
		User:                  d.User,
		KeyFile:               d.KeyPath,
		KeyPassphrase:         d.KeyPassphrase,
		Password:              d.Password,
		Timeout:               global.ConnectTimeout,
		KeepaliveInterval:     keepalive,
		KnownHostsFile:        global.KnownHosts,
		StrictHostKeyChecking: global.StrictHostKeyChecking,
	}
}
