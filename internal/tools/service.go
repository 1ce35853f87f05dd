// Package tools implements the droidssh tool surface: command execution with
// an optional read-only gate, live reconfiguration through setup, and public
// key installation over SFTP. Results are rendered as text for MCP clients.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gitlab.bluewillows.net/root/droidssh/internal/config"
	"gitlab.bluewillows.net/root/droidssh/internal/gate"
	"gitlab.bluewillows.net/root/droidssh/pkg/sshutil"
)

// Tool names.
const (
	ToolExecuteRead = "execute_read"
	ToolExecute     = "execute"
	ToolSetup       = "setup"
	ToolInstallKey  = "install_key"
)

// NotConfiguredError is returned when a tool needs a device that has not been
// set up yet.
type NotConfiguredError struct {
	Path    string
	Missing []string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("device not configured (config file %s)", e.Path)
}

// NotReadOnlyError is returned by ExecuteRead for commands outside the gate.
type NotReadOnlyError struct {
	Program string
}

func (e *NotReadOnlyError) Error() string {
	return fmt.Sprintf("command %q is not whitelisted as read-only", e.Program)
}

// Service owns the current SSH client. The client is replaced when setup
// changes the device, so callers always go through the service.
type Service struct {
	logger     *slog.Logger
	configPath string
	global     *config.GlobalConfig
	clientOpts []sshutil.ClientOption

	mu     sync.Mutex
	device *config.DeviceConfig
	client *sshutil.Client
}

// Option is a functional option for configuring the Service.
type Option func(*Service)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClientOptions passes options to every sshutil.Client the service builds.
func WithClientOptions(opts ...sshutil.ClientOption) Option {
	return func(s *Service) {
		s.clientOpts = append(s.clientOpts, opts...)
	}
}

// NewService creates a Service for cfg. A nil or incomplete device is fine;
// tools then report how to finish setup.
func NewService(cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		logger:     slog.Default(),
		configPath: cfg.Path,
		global:     cfg.Global,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.install(cfg.Device)
	return s
}

// install replaces the device and its client. The previous client is
// disconnected after the swap, outside the service lock.
func (s *Service) install(device *config.DeviceConfig) {
	var client *sshutil.Client
	if device != nil {
		opts := append([]sshutil.ClientOption{sshutil.WithLogger(s.logger)}, s.clientOpts...)
		c, err := sshutil.NewClient(device.SSHConfig(s.global), opts...)
		if err != nil {
			s.logger.Debug("device not usable yet", slog.String("error", err.Error()))
		} else {
			client = c
		}
	}

	s.mu.Lock()
	old := s.client
	s.device = device
	s.client = client
	s.mu.Unlock()

	if old != nil {
		_ = old.Disconnect()
	}
}

// current returns the live client or a NotConfiguredError.
func (s *Service) current() (*sshutil.Client, *config.DeviceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil, nil, &NotConfiguredError{Path: s.configPath, Missing: s.missingLocked()}
	}
	return s.client, s.device, nil
}

func (s *Service) missingLocked() []string {
	if s.device == nil {
		return (&config.DeviceConfig{}).Missing()
	}
	return s.device.Missing()
}

// Missing lists device fields that still need to be configured.
func (s *Service) Missing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missingLocked()
}

// State reports the current session state without blocking on commands.
func (s *Service) State() sshutil.State {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return sshutil.StateAbsent
	}
	return client.State()
}

// Connect opens the session now instead of on first use.
func (s *Service) Connect(ctx context.Context) error {
	client, _, err := s.current()
	if err != nil {
		return err
	}
	return client.Connect(ctx)
}

// Execute runs command on the device.
func (s *Service) Execute(ctx context.Context, command string, timeout time.Duration) (*sshutil.CommandResult, error) {
	client, _, err := s.current()
	if err != nil {
		return nil, err
	}
	return client.Execute(ctx, command, timeout)
}

// ExecuteRead runs command only if its program is on the read-only list.
// The check looks at the first word alone and is advisory.
func (s *Service) ExecuteRead(ctx context.Context, command string, timeout time.Duration) (*sshutil.CommandResult, error) {
	client, _, err := s.current()
	if err != nil {
		return nil, err
	}
	if !gate.IsReadOnly(command) {
		return nil, &NotReadOnlyError{Program: gate.FirstToken(command)}
	}
	return client.Execute(ctx, command, timeout)
}

// Close disconnects the current client.
func (s *Service) Close() error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Disconnect()
}

// isRejected reports whether err came from the gate rather than the device.
func isRejected(err error) bool {
	var notRO *NotReadOnlyError
	return errors.As(err, &notRO)
}
