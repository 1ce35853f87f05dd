package sshutil

import (
	"net"
	"strconv"
	"time"
)

// Default SSH client configuration values.
const (
	// DefaultSSHPort is the port Termux's sshd listens on.
	DefaultSSHPort = 8022

	// DefaultSSHTimeout is the default dial and handshake timeout.
	DefaultSSHTimeout = 30 * time.Second

	// DefaultKeepaliveInterval is the default SSH keepalive interval.
	DefaultKeepaliveInterval = 15 * time.Second
)

// Config describes how to reach and authenticate to the device.
// It is produced by the config layer and never modified by this package.
type Config struct {
	// Host is the SSH server hostname or IP address (required).
	Host string

	// Port is the SSH server port (default: 8022).
	Port int

	// User is the SSH username (required).
	User string

	// KeyFile is the path to the SSH private key file.
	// Key authentication is tried before password authentication.
	KeyFile string

	// KeyPassphrase is the passphrase for an encrypted KeyFile (optional).
	KeyPassphrase string

	// Password is the SSH password, used when key authentication is
	// unavailable or rejected.
	Password string

	// Timeout bounds the TCP dial and SSH handshake (default: 30s).
	Timeout time.Duration

	// KeepaliveInterval is the interval for SSH keepalive messages (default: 15s).
	// Negative disables keepalives.
	KeepaliveInterval time.Duration

	// KnownHostsFile is an OpenSSH known_hosts file used when
	// StrictHostKeyChecking is enabled.
	KnownHostsFile string

	// StrictHostKeyChecking verifies the server key against KnownHostsFile.
	// When false any host key is accepted.
	StrictHostKeyChecking bool
}

// Validate checks that all required configuration is present and valid,
// including that at least one credential is configured.
func (c *Config) Validate() error {
	problems := c.transportProblems()
	if !c.HasCredentials() {
		problems = append(problems, "at least one authentication method required (key_path or password)")
	}
	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// validateTransport checks everything except credentials. A missing credential
// is reported by the authenticator as an authentication failure instead.
func (c *Config) validateTransport() error {
	if problems := c.transportProblems(); len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

func (c *Config) transportProblems() []string {
	var problems []string

	if c.Host == "" {
		problems = append(problems, "host is required")
	}

	if c.User == "" {
		problems = append(problems, "user is required")
	}

	if c.Port < 0 || c.Port > 65535 {
		problems = append(problems, "port must be between 1 and 65535")
	}

	if c.Timeout < 0 {
		problems = append(problems, "timeout must be non-negative")
	}

	if c.StrictHostKeyChecking && c.KnownHostsFile == "" {
		problems = append(problems, "strict host key checking requires a known_hosts file")
	}

	return problems
}

// HasCredentials reports whether a key file or password is configured.
func (c *Config) HasCredentials() bool {
	return c.KeyFile != "" || c.Password != ""
}

// GetPort returns the configured port or the default.
func (c *Config) GetPort() int {
	if c.Port > 0 {
		return c.Port
	}
	return DefaultSSHPort
}

// Address returns the SSH server address in host:port format.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.GetPort()))
}

// GetTimeout returns the configured timeout or the default.
func (c *Config) GetTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultSSHTimeout
}

// GetKeepaliveInterval returns the configured keepalive interval, the default
// when unset, or zero when keepalives are disabled.
func (c *Config) GetKeepaliveInterval() time.Duration {
	switch {
	case c.KeepaliveInterval > 0:
		return c.KeepaliveInterval
	case c.KeepaliveInterval < 0:
		return 0
	default:
		return DefaultKeepaliveInterval
	}
}
