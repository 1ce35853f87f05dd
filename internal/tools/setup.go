package tools

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"

	"gitlab.bluewillows.net/root/droidssh/internal/config"
)

// SetupRequest carries the fields provided to the setup tool. Nil fields keep
// the value already in the config file.
type SetupRequest struct {
	Host     *string
	Port     *int
	User     *string
	KeyPath  *string
	Password *string
}

// SetupResult describes a saved and applied device configuration.
type SetupResult struct {
	Path   string
	Device config.DeviceConfig
}

// SetupIncompleteError lists what setup still needs. Current holds the merged
// values so far.
type SetupIncompleteError struct {
	Missing []string
	Current config.DeviceConfig
}

func (e *SetupIncompleteError) Error() string {
	return "setup incomplete, missing " + strings.Join(e.Missing, ", ")
}

// Setup merges req over the config file, saves the result and switches the
// service to the new device without a restart.
func (s *Service) Setup(req SetupRequest) (*SetupResult, error) {
	dev, err := s.fileDevice()
	if err != nil {
		return nil, err
	}

	assign(&dev.Host, req.Host)
	assign(&dev.User, req.User)
	assign(&dev.KeyPath, req.KeyPath)
	assign(&dev.Password, req.Password)
	if req.Port != nil {
		if *req.Port < 1 || *req.Port > 65535 {
			return nil, fmt.Errorf("port must be between 1 and 65535, got %d", *req.Port)
		}
		dev.Port = *req.Port
	}

	if missing := dev.Missing(); len(missing) > 0 {
		return nil, &SetupIncompleteError{Missing: missing, Current: dev}
	}

	if err := config.Save(s.configPath, dev); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}

	// Reload so environment overrides keep their precedence over the file.
	cfg, err := config.LoadPath(s.configPath)
	if err != nil {
		return nil, fmt.Errorf("reloading config: %w", err)
	}
	for _, w := range cfg.Warnings {
		s.logger.Warn("configuration warning", slog.String("warning", w))
	}
	s.install(cfg.Device)

	s.logger.Info("device configured",
		slog.String("host", dev.Host),
		slog.Int("port", dev.GetPort()),
		slog.String("user", dev.User),
		slog.String("auth", dev.AuthSummary()),
	)

	dev.Port = dev.GetPort()
	return &SetupResult{Path: s.configPath, Device: dev}, nil
}

// fileDevice returns the device stored in the config file, without
// environment overrides.
func (s *Service) fileDevice() (config.DeviceConfig, error) {
	fc, err := config.LoadFile(s.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return config.DeviceConfig{}, nil
	}
	if err != nil {
		return config.DeviceConfig{}, fmt.Errorf("reading existing config: %w", err)
	}
	if dev := fc.ToDeviceConfig(); dev != nil {
		return *dev, nil
	}
	return config.DeviceConfig{}, nil
}

func assign(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}

// RenderSetup formats a successful setup.
func RenderSetup(r *SetupResult) string {
	return fmt.Sprintf(`✓ Configuration saved to: %s

Connection details:
• Host: %s:%d
• User: %s
• Auth: %s

The new settings are active, no restart needed.
Then try: "list files in /sdcard"`,
		r.Path, r.Device.Host, r.Device.GetPort(), r.Device.User, r.Device.AuthSummary())
}

func renderIncomplete(e *SetupIncompleteError) string {
	var b strings.Builder
	b.WriteString("Setup incomplete. Missing:\n\n")

	if slices.Contains(e.Missing, "host") {
		b.WriteString("• host - Your Android device IP\n")
		b.WriteString("  Find it: Run 'ifconfig wlan0' in Termux\n\n")
	}
	if slices.Contains(e.Missing, "user") {
		b.WriteString("• user - Your Termux username\n")
		b.WriteString("  Find it: Run 'whoami' in Termux\n\n")
	}
	if slices.Contains(e.Missing, "key_path or password") {
		b.WriteString("• Authentication - Choose one:\n")
		b.WriteString("  SSH key (recommended):\n")
		b.WriteString("    Generate: ssh-keygen -t ed25519 -f ~/.ssh/id_ed25519\n")
		b.WriteString("    Copy to device: ssh-copy-id -p 8022 -i ~/.ssh/id_ed25519.pub USER@HOST\n")
		b.WriteString("    Then provide: key_path = \"~/.ssh/id_ed25519\"\n\n")
		b.WriteString("  OR password (less secure):\n")
		b.WriteString("    Set Termux password: Run 'passwd' in Termux\n")
		b.WriteString("    Then provide: password = \"your_password\"\n\n")
	}

	cur := e.Current
	if cur.Host != "" {
		fmt.Fprintf(&b, "Current: host = %q\n", cur.Host)
	}
	if cur.User != "" {
		fmt.Fprintf(&b, "Current: user = %q\n", cur.User)
	}
	if cur.KeyPath != "" {
		fmt.Fprintf(&b, "Current: key_path = %q\n", cur.KeyPath)
	}
	if cur.Password != "" {
		b.WriteString("Current: password = \"***\"\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}
