package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"gitlab.bluewillows.net/root/droidssh/internal/config"
	"gitlab.bluewillows.net/root/droidssh/internal/sshtest"
	"gitlab.bluewillows.net/root/droidssh/pkg/sshutil"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// clearEnv blanks device overrides so setup reloads see only the file.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HOST", "PORT", "USER", "KEY_PATH", "KEY_PASSPHRASE", "KEY_PASSPHRASE_FILE",
		"PASSWORD", "PASSWORD_FILE", "LOG_LEVEL", "LOG_FORMAT", "HEALTH_PORT",
		"CONNECT_ON_START", "CONNECT_TIMEOUT", "KEEPALIVE_INTERVAL", "KNOWN_HOSTS",
		"STRICT_HOST_KEY_CHECKING",
	} {
		t.Setenv(config.EnvPrefix+key, "")
	}
}

func testGlobal() *config.GlobalConfig {
	return &config.GlobalConfig{
		LogLevel:       "info",
		LogFormat:      "text",
		ConnectTimeout: 5 * time.Second,
	}
}

func newTestService(t *testing.T, device *config.DeviceConfig) *Service {
	t.Helper()
	clearEnv(t)

	cfg := &config.Config{
		Global: testGlobal(),
		Device: device,
		Path:   filepath.Join(t.TempDir(), "config.toml"),
	}
	svc := NewService(cfg, WithClientOptions(sshutil.WithSleep(noSleep)))
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func deviceFor(srv *sshtest.Server) *config.DeviceConfig {
	return &config.DeviceConfig{Host: srv.Host, Port: srv.Port, User: "u0_a123"}
}

func TestService_ExecuteEcho(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"), sshtest.WithHandler(sshtest.Echo))
	dev := deviceFor(srv)
	dev.Password = "secret"
	svc := newTestService(t, dev)

	result, err := svc.Execute(t.Context(), "echo hello", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := RenderResult(result); got != "hello\n\n✓ Success" {
		t.Errorf("RenderResult() = %q", got)
	}
	if svc.State() != sshutil.StateLive {
		t.Errorf("State() = %v, want live", svc.State())
	}
}

func TestService_ExecuteFalse(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"), sshtest.WithHandler(sshtest.Echo))
	dev := deviceFor(srv)
	dev.Password = "secret"
	svc := newTestService(t, dev)

	result, err := svc.Execute(t.Context(), "false", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := RenderResult(result); got != "✗ Failed (exit code: 1)" {
		t.Errorf("RenderResult() = %q", got)
	}
}

func TestService_KeyRejectedNoPassword(t *testing.T) {
	keyPath, _ := sshtest.WriteKey(t, t.TempDir())
	_, otherKey := sshtest.WriteKey(t, t.TempDir())
	srv := sshtest.NewServer(t, sshtest.WithAuthorizedKey(otherKey), sshtest.WithHandler(sshtest.Echo))

	dev := deviceFor(srv)
	dev.KeyPath = keyPath
	svc := newTestService(t, dev)

	_, err := svc.Execute(t.Context(), "echo hello", 5*time.Second)
	if kind := sshutil.KindOf(err); kind != sshutil.KindAuthenticationFailed {
		t.Fatalf("KindOf(%v) = %v, want AuthenticationFailed", err, kind)
	}

	var authErr *sshutil.AuthError
	if !errors.As(err, &authErr) || !authErr.Tried(sshutil.AuthPublicKey) {
		t.Errorf("error %v does not name public-key authentication", err)
	}
	if msg := RenderError(err); !strings.Contains(msg, "publickey") {
		t.Errorf("RenderError() = %q, want it to name publickey", msg)
	}
	if len(srv.Commands()) != 0 {
		t.Errorf("commands ran: %v", srv.Commands())
	}
}

func TestService_ExecuteReadGate(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"), sshtest.WithHandler(sshtest.Echo))
	dev := deviceFor(srv)
	dev.Password = "secret"
	svc := newTestService(t, dev)

	_, err := svc.ExecuteRead(t.Context(), "rm -rf /sdcard", 5*time.Second)
	var notRO *NotReadOnlyError
	if !errors.As(err, &notRO) || notRO.Program != "rm" {
		t.Fatalf("ExecuteRead() error = %v, want NotReadOnlyError for rm", err)
	}
	if srv.Accepted() != 0 {
		t.Errorf("gate rejection opened %d connection(s)", srv.Accepted())
	}

	result, err := svc.ExecuteRead(t.Context(), "echo ok", 5*time.Second)
	if err != nil {
		t.Fatalf("ExecuteRead() error = %v", err)
	}
	if result.Stdout != "ok\n" {
		t.Errorf("Stdout = %q", result.Stdout)
	}
}

func TestService_NotConfigured(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.Execute(t.Context(), "ls", 5*time.Second)
	var notCfg *NotConfiguredError
	if !errors.As(err, &notCfg) {
		t.Fatalf("Execute() error = %v, want NotConfiguredError", err)
	}
	if len(notCfg.Missing) != 3 {
		t.Errorf("Missing = %v", notCfg.Missing)
	}
	if svc.State() != sshutil.StateAbsent {
		t.Errorf("State() = %v", svc.State())
	}

	// The gate is not consulted before the device exists.
	_, err = svc.ExecuteRead(t.Context(), "rm x", 5*time.Second)
	if !errors.As(err, &notCfg) {
		t.Errorf("ExecuteRead() error = %v, want NotConfiguredError", err)
	}
}

func TestService_NoCredentials(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"))
	svc := newTestService(t, deviceFor(srv))

	_, err := svc.Execute(t.Context(), "ls", 5*time.Second)
	var authErr *sshutil.AuthError
	if !errors.As(err, &authErr) || authErr.Reason != sshutil.ReasonNoMethod {
		t.Fatalf("Execute() error = %v, want ReasonNoMethod", err)
	}
}

func TestService_Setup(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"), sshtest.WithHandler(sshtest.Echo))
	svc := newTestService(t, nil)

	host, user := srv.Host, "u0_a123"
	_, err := svc.Setup(SetupRequest{Host: &host, User: &user})
	var incomplete *SetupIncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("Setup() error = %v, want SetupIncompleteError", err)
	}
	if len(incomplete.Missing) != 1 || incomplete.Missing[0] != "key_path or password" {
		t.Errorf("Missing = %v", incomplete.Missing)
	}
	if _, statErr := os.Stat(svc.configPath); !os.IsNotExist(statErr) {
		t.Error("incomplete setup wrote the config file")
	}

	port, password := srv.Port, "secret"
	result, err := svc.Setup(SetupRequest{Host: &host, Port: &port, User: &user, Password: &password})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if result.Device.Port != srv.Port || result.Path != svc.configPath {
		t.Errorf("Setup() = %+v", result)
	}
	if msg := RenderSetup(result); !strings.Contains(msg, "Auth: Password") || strings.Contains(msg, "secret") {
		t.Errorf("RenderSetup() = %q", msg)
	}

	info, err := os.Stat(svc.configPath)
	if err != nil {
		t.Fatalf("config not saved: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}

	// Applied live: no restart needed.
	out, err := svc.Execute(t.Context(), "echo live", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute() after setup error = %v", err)
	}
	if out.Stdout != "live\n" {
		t.Errorf("Stdout = %q", out.Stdout)
	}
}

func TestService_SetupMergesExistingFile(t *testing.T) {
	svc := newTestService(t, nil)
	if err := config.Save(svc.configPath, config.DeviceConfig{Host: "10.0.0.5", User: "u0_a1", KeyPath: "/keys/id"}); err != nil {
		t.Fatal(err)
	}

	newHost := "10.0.0.6"
	result, err := svc.Setup(SetupRequest{Host: &newHost})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	want := config.DeviceConfig{Host: "10.0.0.6", Port: 8022, User: "u0_a1", KeyPath: "/keys/id"}
	if result.Device != want {
		t.Errorf("Device = %+v, want %+v", result.Device, want)
	}
}

func TestService_SetupInvalidPort(t *testing.T) {
	svc := newTestService(t, nil)
	port := 70000
	if _, err := svc.Setup(SetupRequest{Port: &port}); err == nil || !strings.Contains(err.Error(), "port") {
		t.Errorf("Setup() error = %v, want port error", err)
	}
}

func TestService_InstallKey(t *testing.T) {
	keyPath, pub := sshtest.WriteKey(t, t.TempDir())
	root := t.TempDir()
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"), sshtest.WithSFTP(root))

	dev := deviceFor(srv)
	dev.KeyPath = keyPath
	dev.Password = "secret"
	svc := newTestService(t, dev)

	result, err := svc.InstallKey(t.Context(), "")
	if err != nil {
		t.Fatalf("InstallKey() error = %v", err)
	}
	if result.AlreadyPresent || result.KeyPath != keyPath+".pub" {
		t.Errorf("InstallKey() = %+v", result)
	}

	authorized := filepath.Join(root, ".ssh", "authorized_keys")
	data, err := os.ReadFile(authorized)
	if err != nil {
		t.Fatalf("authorized_keys not written: %v", err)
	}
	if !hasKey(data, pub) {
		t.Errorf("authorized_keys = %q, missing installed key", data)
	}
	info, _ := os.Stat(authorized)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("authorized_keys mode = %v, want 0600", info.Mode().Perm())
	}
	dirInfo, _ := os.Stat(filepath.Join(root, ".ssh"))
	if dirInfo.Mode().Perm() != 0o700 {
		t.Errorf(".ssh mode = %v, want 0700", dirInfo.Mode().Perm())
	}

	again, err := svc.InstallKey(t.Context(), "")
	if err != nil {
		t.Fatalf("second InstallKey() error = %v", err)
	}
	if !again.AlreadyPresent {
		t.Error("second InstallKey() did not detect the existing key")
	}
	data2, _ := os.ReadFile(authorized)
	if string(data2) != string(data) {
		t.Error("second InstallKey() modified authorized_keys")
	}
}

func TestService_InstallKeyAppends(t *testing.T) {
	_, first := sshtest.WriteKey(t, t.TempDir())
	keyPath, second := sshtest.WriteKey(t, t.TempDir())
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".ssh"), 0o700); err != nil {
		t.Fatal(err)
	}
	existing := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(first)), "\n")
	if err := os.WriteFile(filepath.Join(root, ".ssh", "authorized_keys"), []byte(existing), 0o600); err != nil {
		t.Fatal(err)
	}

	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"), sshtest.WithSFTP(root))
	dev := deviceFor(srv)
	dev.Password = "secret"
	svc := newTestService(t, dev)

	if _, err := svc.InstallKey(t.Context(), keyPath+".pub"); err != nil {
		t.Fatalf("InstallKey() error = %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(root, ".ssh", "authorized_keys"))
	if !hasKey(data, first) || !hasKey(data, second) {
		t.Errorf("authorized_keys = %q, want both keys", data)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("authorized_keys has %d lines, want 2", lines)
	}
}

func TestService_InstallKeyNoKey(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"))
	dev := deviceFor(srv)
	dev.Password = "secret"
	svc := newTestService(t, dev)

	if _, err := svc.InstallKey(t.Context(), ""); !errors.Is(err, ErrNoPublicKey) {
		t.Errorf("InstallKey() error = %v, want ErrNoPublicKey", err)
	}

	_, err := svc.InstallKey(t.Context(), filepath.Join(t.TempDir(), "missing.pub"))
	if sshutil.KindOf(err) != sshutil.KindIO {
		t.Errorf("InstallKey() error = %v, want KindIO", err)
	}
	if srv.Accepted() != 0 {
		t.Errorf("unreadable key still opened %d connection(s)", srv.Accepted())
	}
}
