package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileConfig represents the configuration file structure.
// Device fields sit at the top level; everything else is grouped in tables.
type FileConfig struct {
	Host          string `toml:"host" yaml:"host"`
	Port          int    `toml:"port,omitempty" yaml:"port,omitempty"`
	User          string `toml:"user" yaml:"user"`
	KeyPath       string `toml:"key_path,omitempty" yaml:"key_path,omitempty"`
	KeyPassphrase string `toml:"key_passphrase,omitempty" yaml:"key_passphrase,omitempty"`
	Password      string `toml:"password,omitempty" yaml:"password,omitempty"`

	// Logging configuration
	Logging *FileLoggingConfig `toml:"logging,omitempty" yaml:"logging,omitempty"`

	// Health and metrics server
	Server *FileServerConfig `toml:"server,omitempty" yaml:"server,omitempty"`

	// SSH behavior
	SSH *FileSSHConfig `toml:"ssh,omitempty" yaml:"ssh,omitempty"`
}

// FileLoggingConfig holds logging settings.
type FileLoggingConfig struct {
	Level  string `toml:"level,omitempty" yaml:"level,omitempty"`   // debug, info, warn, error
	Format string `toml:"format,omitempty" yaml:"format,omitempty"` // json, text
}

// FileServerConfig holds health/metrics server settings.
type FileServerConfig struct {
	HealthPort *int `toml:"health_port,omitempty" yaml:"health_port,omitempty"` // 0 disables
}

// FileSSHConfig holds connection behavior settings.
type FileSSHConfig struct {
	ConnectOnStart        *bool  `toml:"connect_on_start,omitempty" yaml:"connect_on_start,omitempty"`
	ConnectTimeout        string `toml:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`       // Go duration format
	KeepaliveInterval     string `toml:"keepalive_interval,omitempty" yaml:"keepalive_interval,omitempty"` // "0" disables
	KnownHosts            string `toml:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`
	StrictHostKeyChecking *bool  `toml:"strict_host_key_checking,omitempty" yaml:"strict_host_key_checking,omitempty"`
}

// Format is a configuration file encoding.
type Format string

// Supported file formats.
const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatOf picks the encoding from the file extension. Anything that is not
// .yaml or .yml is treated as TOML.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// envVarPattern matches ${VAR} or ${VAR:-default} syntax.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnvVars replaces ${VAR} patterns with environment variable values.
// Supports ${VAR:-default} syntax for default values.
func InterpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 3 {
			defaultValue = groups[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// interpolateEnvVars interpolates environment variables in all string fields.
func (c *FileConfig) interpolateEnvVars() {
	c.Host = InterpolateEnvVars(c.Host)
	c.User = InterpolateEnvVars(c.User)
	c.KeyPath = InterpolateEnvVars(c.KeyPath)
	c.KeyPassphrase = InterpolateEnvVars(c.KeyPassphrase)
	c.Password = InterpolateEnvVars(c.Password)

	if c.Logging != nil {
		c.Logging.Level = InterpolateEnvVars(c.Logging.Level)
		c.Logging.Format = InterpolateEnvVars(c.Logging.Format)
	}

	if c.SSH != nil {
		c.SSH.ConnectTimeout = InterpolateEnvVars(c.SSH.ConnectTimeout)
		c.SSH.KeepaliveInterval = InterpolateEnvVars(c.SSH.KeepaliveInterval)
		c.SSH.KnownHosts = InterpolateEnvVars(c.SSH.KnownHosts)
	}
}

// decodeFile reads path without interpolation.
func decodeFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg FileConfig
	switch FormatOf(path) {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML config: %w", err)
		}
	}

	return &cfg, nil
}

// LoadFile reads and parses a configuration file.
// Environment variables in ${VAR} format are interpolated.
func LoadFile(path string) (*FileConfig, error) {
	cfg, err := decodeFile(path)
	if err != nil {
		return nil, err
	}

	cfg.interpolateEnvVars()

	return cfg, nil
}

// ToGlobalConfig converts file config to GlobalConfig, applying defaults.
// Values from file take precedence over defaults; env vars override later.
func (c *FileConfig) ToGlobalConfig() (*GlobalConfig, []string) {
	var errs []string
	cfg := defaultGlobalConfig()

	if c.Logging != nil {
		if c.Logging.Level != "" {
			cfg.LogLevel = strings.ToLower(c.Logging.Level)
		}
		if c.Logging.Format != "" {
			cfg.LogFormat = strings.ToLower(c.Logging.Format)
		}
	}

	if c.Server != nil && c.Server.HealthPort != nil {
		cfg.HealthPort = *c.Server.HealthPort
	}

	if c.SSH != nil {
		if c.SSH.ConnectOnStart != nil {
			cfg.ConnectOnStart = *c.SSH.ConnectOnStart
		}
		if c.SSH.ConnectTimeout != "" {
			if d, err := time.ParseDuration(c.SSH.ConnectTimeout); err == nil {
				cfg.ConnectTimeout = d
			} else {
				errs = append(errs, fmt.Sprintf("ssh.connect_timeout: invalid duration %q", c.SSH.ConnectTimeout))
			}
		}
		if c.SSH.KeepaliveInterval != "" {
			if d, err := time.ParseDuration(c.SSH.KeepaliveInterval); err == nil {
				cfg.KeepaliveInterval = d
			} else {
				errs = append(errs, fmt.Sprintf("ssh.keepalive_interval: invalid duration %q", c.SSH.KeepaliveInterval))
			}
		}
		if c.SSH.KnownHosts != "" {
			cfg.KnownHosts = ExpandHome(c.SSH.KnownHosts)
		}
		if c.SSH.StrictHostKeyChecking != nil {
			cfg.StrictHostKeyChecking = *c.SSH.StrictHostKeyChecking
		}
	}

	return cfg, errs
}

// ToDeviceConfig returns the device fields, or nil when none are set.
func (c *FileConfig) ToDeviceConfig() *DeviceConfig {
	if c.Host == "" && c.User == "" && c.KeyPath == "" && c.Password == "" {
		return nil
	}

	return &DeviceConfig{
		Host:          c.Host,
		Port:          c.Port,
		User:          c.User,
		KeyPath:       ExpandHome(c.KeyPath),
		KeyPassphrase: c.KeyPassphrase,
		Password:      c.Password,
	}
}

// encode serializes c in the format implied by path.
func (c *FileConfig) encode(path string) ([]byte, error) {
	if FormatOf(path) == FormatYAML {
		return yaml.Marshal(c)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes dev into the config file at path, keeping the file's other
// settings. The file is created with 0600 permissions since it may hold a
// password.
func Save(path string, dev DeviceConfig) error {
	cfg, err := decodeFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = &FileConfig{}
	} else if err != nil {
		return err
	}

	cfg.Host = dev.Host
	cfg.Port = dev.GetPort()
	cfg.User = dev.User
	cfg.KeyPath = dev.KeyPath
	cfg.KeyPassphrase = dev.KeyPassphrase
	cfg.Password = dev.Password

	data, err := cfg.encode(path)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return writePrivate(path, data)
}

// writePrivate atomically replaces path with data, mode 0600.
func writePrivate(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("setting config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing config: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

const tomlTemplate = `# droidssh configuration
#
# Find the phone's IP address in Termux:   ifconfig wlan0
# Find the Termux username:                whoami
# Start the SSH server in Termux:          sshd   (listens on port 8022)

host = ""
port = 8022
user = ""

# Authentication: the key is tried first, then the password.
# Generate a key:   ssh-keygen -t ed25519
# Install it:       ssh-copy-id -p 8022 <user>@<host>
# key_path = "~/.ssh/id_ed25519"
# password = ""

[logging]
level = "info"
format = "text"

[server]
# Port for /health, /ready and /metrics. 0 disables the server.
health_port = 0

[ssh]
connect_on_start = false
connect_timeout = "30s"
keepalive_interval = "15s"
# known_hosts = "~/.ssh/known_hosts"
strict_host_key_checking = false
`

const yamlTemplate = `# droidssh configuration
#
# Find the phone's IP address in Termux:   ifconfig wlan0
# Find the Termux username:                whoami
# Start the SSH server in Termux:          sshd   (listens on port 8022)

host: ""
port: 8022
user: ""

# Authentication: the key is tried first, then the password.
# Generate a key:   ssh-keygen -t ed25519
# Install it:       ssh-copy-id -p 8022 <user>@<host>
# key_path: ~/.ssh/id_ed25519
# password: ""

logging:
  level: info
  format: text

server:
  # Port for /health, /ready and /metrics. 0 disables the server.
  health_port: 0

ssh:
  connect_on_start: false
  connect_timeout: 30s
  keepalive_interval: 15s
  # known_hosts: ~/.ssh/known_hosts
  strict_host_key_checking: false
`

// Template returns the commented starter file for path's format.
func Template(path string) string {
	if FormatOf(path) == FormatYAML {
		return yamlTemplate
	}
	return tomlTemplate
}

// WriteTemplate writes the starter file to path. An existing file is only
// replaced when overwrite is true.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s: %w", path, os.ErrExist)
		}
	}
	return writePrivate(path, []byte(Template(path)))
}

// DefaultPath returns ~/.config/droidssh/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "droidssh", "config.toml"), nil
}

// GetConfigFilePath returns $DROIDSSH_CONFIG when set, otherwise DefaultPath.
func GetConfigFilePath() (string, error) {
	if p := getEnv(EnvPrefix + "CONFIG"); p != "" {
		return ExpandHome(p), nil
	}
	return DefaultPath()
}
