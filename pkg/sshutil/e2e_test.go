package sshutil

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"gitlab.bluewillows.net/root/droidssh/internal/sshtest"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type countingDialer struct {
	net.Dialer
	mu    sync.Mutex
	dials int
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return d.Dialer.DialContext(ctx, network, address)
}

func (d *countingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func clientFor(t *testing.T, srv *sshtest.Server, mutate func(*Config), opts ...ClientOption) *Client {
	t.Helper()

	cfg := &Config{
		Host:              srv.Host,
		Port:              srv.Port,
		User:              "u0_a123",
		Timeout:           5 * time.Second,
		KeepaliveInterval: -1,
	}
	if mutate != nil {
		mutate(cfg)
	}

	c, err := NewClient(cfg, append([]ClientOption{WithSleep(noSleep)}, opts...)...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestE2E_KeyAuthentication(t *testing.T) {
	keyPath, pub := sshtest.WriteKey(t, t.TempDir())
	srv := sshtest.NewServer(t, sshtest.WithAuthorizedKey(pub), sshtest.WithHandler(sshtest.Echo))
	c := clientFor(t, srv, func(cfg *Config) { cfg.KeyFile = keyPath })

	result, err := c.Execute(t.Context(), "echo hello", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Stdout != "hello\n" || result.ExitCode != 0 || result.Stderr != "" {
		t.Errorf("Execute() = %+v", result)
	}
	if c.State() != StateLive {
		t.Errorf("State() = %v, want live", c.State())
	}
}

func TestE2E_PasswordAuthentication(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"), sshtest.WithHandler(sshtest.Echo))
	c := clientFor(t, srv, func(cfg *Config) { cfg.Password = "secret" })

	result, err := c.Execute(t.Context(), "echo hi", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Stdout != "hi\n" {
		t.Errorf("Stdout = %q", result.Stdout)
	}
}

func TestE2E_RejectedKeyFallsBackToPassword(t *testing.T) {
	dir := t.TempDir()
	keyPath, _ := sshtest.WriteKey(t, dir)
	_, otherPub := sshtest.WriteKey(t, t.TempDir())

	srv := sshtest.NewServer(t,
		sshtest.WithAuthorizedKey(otherPub),
		sshtest.WithPassword("secret"),
		sshtest.WithHandler(sshtest.Echo),
	)
	c := clientFor(t, srv, func(cfg *Config) {
		cfg.KeyFile = keyPath
		cfg.Password = "secret"
	})

	if _, err := c.Execute(t.Context(), "echo ok", 5*time.Second); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestE2E_UnusableKeyFallsBackToPassword(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"), sshtest.WithHandler(sshtest.Echo))
	c := clientFor(t, srv, func(cfg *Config) {
		cfg.KeyFile = filepath.Join(t.TempDir(), "missing")
		cfg.Password = "secret"
	})

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
}

func TestE2E_UnusableKeyWithoutPassword(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"))
	dialer := &countingDialer{}
	c := clientFor(t, srv, func(cfg *Config) {
		cfg.KeyFile = filepath.Join(t.TempDir(), "missing")
	}, WithDialer(dialer))

	err := c.Connect(t.Context())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Connect() error = %v, want *AuthError", err)
	}
	if authErr.Reason != ReasonKeyUnusable || !authErr.Tried(AuthPublicKey) {
		t.Errorf("AuthError = %+v", authErr)
	}
	var keyErr *KeyError
	if !errors.As(authErr.Attempts[0].Err, &keyErr) {
		t.Errorf("attempt error = %v, want *KeyError", authErr.Attempts[0].Err)
	}
	if !strings.Contains(err.Error(), "publickey") {
		t.Errorf("error %q does not name key authentication", err)
	}
	if dialer.count() != 1 {
		t.Errorf("dialed %d times, want 1", dialer.count())
	}
}

func TestE2E_NoCredentials(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"))
	dialer := &countingDialer{}
	c := clientFor(t, srv, nil, WithDialer(dialer))

	_, err := c.Execute(t.Context(), "ls", 5*time.Second)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Execute() error = %v, want *AuthError", err)
	}
	if authErr.Reason != ReasonNoMethod {
		t.Errorf("Reason = %v, want ReasonNoMethod", authErr.Reason)
	}
	if dialer.count() != 1 {
		t.Errorf("dialed %d times, want 1", dialer.count())
	}
	if len(srv.Commands()) != 0 {
		t.Errorf("server received commands %v", srv.Commands())
	}
}

func TestE2E_WrongPassword(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"))
	c := clientFor(t, srv, func(cfg *Config) { cfg.Password = "wrong" })

	err := c.Connect(t.Context())
	if KindOf(err) != KindAuthenticationFailed {
		t.Fatalf("Connect() error = %v, want AuthenticationFailed", err)
	}
	if !strings.Contains(err.Error(), "password: rejected by server") {
		t.Errorf("error = %q", err)
	}
	if srv.Accepted() != MaxConnectAttempts {
		t.Errorf("server accepted %d connections, want %d", srv.Accepted(), MaxConnectAttempts)
	}
}

func TestE2E_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	c, err := NewClient(&Config{
		Host:     "127.0.0.1",
		Port:     port,
		User:     "u0_a123",
		Password: "secret",
	}, WithSleep(noSleep))
	if err != nil {
		t.Fatal(err)
	}

	err = c.Connect(t.Context())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Attempts != MaxConnectAttempts {
		t.Fatalf("Connect() error = %v, want ConnectionError after %d attempts", err, MaxConnectAttempts)
	}
	if KindOf(err) != KindConnectionFailed {
		t.Errorf("KindOf() = %v", KindOf(err))
	}
}

func TestE2E_ExitStatusAndStreams(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"), sshtest.WithHandler(func(cmd string) sshtest.Reply {
		switch cmd {
		case "failing":
			return sshtest.Reply{Stdout: "partial\n", Stderr: "boom\n", Exit: 3}
		case "silent":
			return sshtest.Reply{Stdout: "no status\n", NoExitStatus: true}
		case "early":
			return sshtest.Reply{Stdout: "after exit\n", Exit: 4, ExitBeforeOutput: true}
		case "binary":
			return sshtest.Reply{Raw: []byte{'a', 0xff, 'b'}}
		default:
			return sshtest.Reply{}
		}
	}))
	c := clientFor(t, srv, func(cfg *Config) { cfg.Password = "secret" })

	tests := []struct {
		command string
		want    CommandResult
	}{
		{command: "failing", want: CommandResult{ExitCode: 3, Stdout: "partial\n", Stderr: "boom\n"}},
		{command: "silent", want: CommandResult{ExitCode: 0, Stdout: "no status\n"}},
		{command: "early", want: CommandResult{ExitCode: 4, Stdout: "after exit\n"}},
		{command: "binary", want: CommandResult{Stdout: "a�b"}},
		{command: "nothing", want: CommandResult{}},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got, err := c.Execute(t.Context(), tt.command, 5*time.Second)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if *got != tt.want {
				t.Errorf("Execute() = %+v, want %+v", *got, tt.want)
			}
		})
	}

	if srv.Accepted() != 1 {
		t.Errorf("server accepted %d connections, want 1", srv.Accepted())
	}
}

func TestE2E_TimeoutKeepsSession(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"), sshtest.WithHandler(func(cmd string) sshtest.Reply {
		if cmd == "sleep 100" {
			return sshtest.Reply{Delay: 5 * time.Second}
		}
		return sshtest.Echo(cmd)
	}))
	c := clientFor(t, srv, func(cfg *Config) { cfg.Password = "secret" })

	start := time.Now()
	_, err := c.Execute(t.Context(), "sleep 100", 150*time.Millisecond)
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Execute() error = %v, want *TimeoutError", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if timeoutErr.Timeout != 150*time.Millisecond {
		t.Errorf("Timeout = %v", timeoutErr.Timeout)
	}

	result, err := c.Execute(t.Context(), "echo again", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute() after timeout error = %v", err)
	}
	if result.Stdout != "again\n" {
		t.Errorf("Stdout = %q", result.Stdout)
	}
	if srv.Accepted() != 1 {
		t.Errorf("server accepted %d connections, want 1 (session reused)", srv.Accepted())
	}
}

func TestE2E_ReconnectAfterDrop(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"), sshtest.WithHandler(sshtest.Echo))
	c := clientFor(t, srv, func(cfg *Config) { cfg.Password = "secret" })

	if _, err := c.Execute(t.Context(), "echo one", 5*time.Second); err != nil {
		t.Fatal(err)
	}

	srv.DropConnections()
	waitForState(t, c, StateStale)

	result, err := c.Execute(t.Context(), "echo two", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute() after drop error = %v", err)
	}
	if result.Stdout != "two\n" {
		t.Errorf("Stdout = %q", result.Stdout)
	}
	if srv.Accepted() != 2 {
		t.Errorf("server accepted %d connections, want 2", srv.Accepted())
	}
}

func TestE2E_ConcurrentExecuteSharesSession(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"), sshtest.WithHandler(sshtest.Echo))
	c := clientFor(t, srv, func(cfg *Config) { cfg.Password = "secret" })

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := c.Execute(context.Background(), "echo same", 5*time.Second)
			if err == nil && result.Stdout != "same\n" {
				err = errors.New("unexpected output " + result.Stdout)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
	if srv.Accepted() != 1 {
		t.Errorf("server accepted %d connections, want 1", srv.Accepted())
	}
	if len(srv.Commands()) != 8 {
		t.Errorf("server ran %d commands, want 8", len(srv.Commands()))
	}
}

func TestE2E_SFTPFileSystem(t *testing.T) {
	home := t.TempDir()
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"), sshtest.WithSFTP(home))
	c := clientFor(t, srv, func(cfg *Config) { cfg.Password = "secret" })

	err := c.WithConn(t.Context(), func(conn Conn) error {
		fs := NewSFTPFileSystem()
		if err := fs.Connect(conn); err != nil {
			return err
		}
		defer func() { _ = fs.Close() }()

		if ok, err := fs.Exists(".ssh/authorized_keys"); err != nil || ok {
			t.Errorf("Exists() = %v, %v before creation", ok, err)
		}
		if err := fs.MkdirAll(".ssh", 0o700); err != nil {
			return err
		}
		if err := fs.WriteFile(".ssh/authorized_keys", []byte("first\n"), 0o600); err != nil {
			return err
		}
		if err := fs.AppendFile(".ssh/authorized_keys", []byte("second\n"), 0o600); err != nil {
			return err
		}
		data, err := fs.ReadFile(".ssh/authorized_keys")
		if err != nil {
			return err
		}
		if string(data) != "first\nsecond\n" {
			t.Errorf("ReadFile() = %q", data)
		}
		info, err := fs.Stat(".ssh")
		if err != nil {
			return err
		}
		if !info.IsDir() {
			t.Error("Stat(.ssh) is not a directory")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithConn() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, ".ssh", "authorized_keys"))
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(data) != "first\nsecond\n" {
		t.Errorf("file content = %q", data)
	}
	info, err := os.Stat(filepath.Join(home, ".ssh", "authorized_keys"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestE2E_StrictHostKeyChecking(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("secret"), sshtest.WithHandler(sshtest.Echo))
	other := sshtest.NewServer(t)
	address := net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port))

	writeKnownHosts := func(t *testing.T, key ssh.PublicKey) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "known_hosts")
		line := knownhosts.Line([]string{knownhosts.Normalize(address)}, key)
		if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	strict := func(path string) func(*Config) {
		return func(cfg *Config) {
			cfg.Password = "secret"
			cfg.StrictHostKeyChecking = true
			cfg.KnownHostsFile = path
		}
	}

	t.Run("known key", func(t *testing.T) {
		c := clientFor(t, srv, strict(writeKnownHosts(t, srv.HostKey)))
		if _, err := c.Execute(t.Context(), "echo ok", 5*time.Second); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	})

	t.Run("mismatched key", func(t *testing.T) {
		c := clientFor(t, srv, strict(writeKnownHosts(t, other.HostKey)))
		_, err := c.Execute(t.Context(), "echo ok", 5*time.Second)
		if err == nil {
			t.Fatal("Execute() succeeded against an unknown host key")
		}
		if KindOf(err) != KindConnectionFailed {
			t.Errorf("KindOf() = %v, want ConnectionFailed", KindOf(err))
		}
	})

	t.Run("missing known_hosts", func(t *testing.T) {
		c := clientFor(t, srv, strict(filepath.Join(t.TempDir(), "absent")))
		_, err := c.Execute(t.Context(), "echo ok", 5*time.Second)
		if KindOf(err) != KindConfigurationInvalid {
			t.Errorf("KindOf() = %v, want ConfigurationInvalid", KindOf(err))
		}
	})
}
