package sshutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// Connection retry policy.
const (
	// MaxConnectAttempts is the number of establishment attempts per connect.
	MaxConnectAttempts = 3

	// RetryDelay is the fixed pause between failed attempts.
	RetryDelay = 2 * time.Second
)

// Conn is the part of an SSH connection used by this package.
// *ssh.Client implements it.
type Conn interface {
	OpenChannel(name string, data []byte) (ssh.Channel, <-chan *ssh.Request, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Wait() error
	Close() error
}

// Dialer opens the TCP transport. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Observer receives connection lifecycle events, typically for metrics.
type Observer interface {
	ConnectAttempt(success bool)
	Reconnect()
	SessionUp(up bool)
}

type nopObserver struct{}

func (nopObserver) ConnectAttempt(bool) {}
func (nopObserver) Reconnect()          {}
func (nopObserver) SessionUp(bool)      {}

// State describes the session slot.
type State int

// Session states.
const (
	StateAbsent State = iota
	StateLive
	StateStale
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateStale:
		return "stale"
	default:
		return "absent"
	}
}

// session is one established connection plus its watchers.
type session struct {
	conn   Conn
	closed chan struct{}
	cancel context.CancelFunc
}

func newSession(conn Conn) *session {
	s := &session{
		conn:   conn,
		closed: make(chan struct{}),
	}
	go func() {
		_ = conn.Wait()
		close(s.closed)
	}()
	return s
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.conn.Close()
}

// Client owns at most one SSH session to the device. Every operation that
// touches the session runs under a single lock, so commands from concurrent
// callers are serialized.
type Client struct {
	config   *Config
	logger   *slog.Logger
	dialer   Dialer
	sleep    func(context.Context, time.Duration) error
	prompt   PassphrasePrompt
	observer Observer
	executor *Executor
	auth     *Authenticator

	// establish creates one connection. Replaced in tests.
	establish func(ctx context.Context) (Conn, error)

	mu   sync.Mutex
	sess atomic.Pointer[session]
}

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client)

// WithLogger sets a custom logger for the SSH client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer sets the transport dialer.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithSleep replaces the pause used between connection attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) ClientOption {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithPassphrasePrompt sets the prompt used for encrypted keys.
func WithPassphrasePrompt(prompt PassphrasePrompt) ClientOption {
	return func(c *Client) {
		c.prompt = prompt
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// NewClient creates a new SSH client with the given configuration.
// No connection is made until Connect, EnsureConnected or Execute is called.
// Missing credentials are not rejected here; they surface as an
// authentication failure on first connect.
func NewClient(config *Config, opts ...ClientOption) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	if err := config.validateTransport(); err != nil {
		return nil, err
	}

	c := &Client{
		config:   config,
		logger:   slog.Default(),
		dialer:   &net.Dialer{},
		sleep:    sleepContext,
		observer: nopObserver{},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.auth = NewAuthenticator(c.logger, c.prompt)
	c.executor = NewExecutor(WithCommandLogger(c.logger))
	c.establish = c.dialAndAuthenticate

	return c, nil
}

// Config returns the descriptor the client was built from.
func (c *Client) Config() *Config {
	return c.config
}

// State reports the session slot without waiting for a running command.
func (c *Client) State() State {
	s := c.sess.Load()
	switch {
	case s == nil:
		return StateAbsent
	case s.isClosed():
		return StateStale
	default:
		return StateLive
	}
}

// IsConnected returns true if the client holds a live session.
func (c *Client) IsConnected() bool {
	return c.State() == StateLive
}

// Connect establishes a new session, replacing any existing one. Up to
// MaxConnectAttempts attempts are made with RetryDelay between them.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropLocked()
	return c.connectLocked(ctx)
}

// EnsureConnected reuses a live session, or establishes one when the slot is
// empty or its connection has closed.
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ensureConnectedLocked(ctx)
}

// Disconnect closes the session if one is held. Safe to call multiple times.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dropLocked()
}

// Close is an alias for Disconnect.
func (c *Client) Close() error {
	return c.Disconnect()
}

// Execute ensures a session and runs command on it. The lock is held across
// both steps.
func (c *Client) Execute(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(ctx); err != nil {
		return nil, err
	}

	return c.executor.Run(ctx, c.sess.Load().conn, command, timeout)
}

// WithConn ensures a session and calls fn with its connection while holding
// the lock. fn must not retain conn.
func (c *Client) WithConn(ctx context.Context, fn func(Conn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(ctx); err != nil {
		return err
	}

	return fn(c.sess.Load().conn)
}

func (c *Client) ensureConnectedLocked(ctx context.Context) error {
	s := c.sess.Load()
	if s != nil && !s.isClosed() {
		return nil
	}

	if s != nil {
		c.logger.Info("session closed, reconnecting",
			slog.String("host", c.config.Host),
		)
		c.observer.Reconnect()
		c.dropLocked()
	} else {
		c.logger.Debug("no active session, connecting",
			slog.String("host", c.config.Host),
		)
	}

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	var lastErr error

	for attempt := 1; attempt <= MaxConnectAttempts; attempt++ {
		conn, err := c.establish(ctx)
		if err == nil && conn != nil {
			c.install(conn)
			c.observer.ConnectAttempt(true)
			c.logger.Info("SSH connection established",
				slog.String("host", c.config.Host),
				slog.Int("port", c.config.GetPort()),
				slog.Int("attempt", attempt),
			)
			return nil
		}

		c.observer.ConnectAttempt(false)
		if err != nil {
			lastErr = err
		}

		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Terminal() {
			return c.connectionError(attempt, err)
		}
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			return err
		}

		if attempt < MaxConnectAttempts {
			c.logger.Warn("connection attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", MaxConnectAttempts),
				slog.Duration("retry_in", RetryDelay),
				slog.Any("error", err),
			)
			if sleepErr := c.sleep(ctx, RetryDelay); sleepErr != nil {
				return c.connectionError(attempt, sleepErr)
			}
		}
	}

	if lastErr == nil {
		lastErr = ErrNoCause
	}
	return c.connectionError(MaxConnectAttempts, lastErr)
}

func (c *Client) connectionError(attempts int, err error) *ConnectionError {
	return &ConnectionError{
		Host:     c.config.Host,
		Port:     c.config.GetPort(),
		Attempts: attempts,
		Err:      err,
	}
}

func (c *Client) install(conn Conn) {
	s := newSession(conn)
	if interval := c.config.GetKeepaliveInterval(); interval > 0 {
		var ctx context.Context
		ctx, s.cancel = context.WithCancel(context.Background())
		go c.keepalive(ctx, s, interval)
	}
	c.sess.Store(s)
	c.observer.SessionUp(true)
}

// dropLocked clears the slot and closes the connection it held.
func (c *Client) dropLocked() error {
	s := c.sess.Swap(nil)
	if s == nil {
		return nil
	}
	c.observer.SessionUp(false)

	stale := s.isClosed()
	err := s.shutdown()
	if stale {
		err = nil
	}

	c.logger.Debug("SSH connection closed",
		slog.String("host", c.config.Host),
	)

	return err
}

func (c *Client) dialAndAuthenticate(ctx context.Context) (Conn, error) {
	timeout := c.config.GetTimeout()
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger.Debug("connecting to SSH server",
		slog.String("host", c.config.Host),
		slog.Int("port", c.config.GetPort()),
		slog.String("user", c.config.User),
	)

	netConn, err := c.dialer.DialContext(dialCtx, "tcp", c.config.Address())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("dialing %s: %w", c.config.Address(), ErrConnectionTimeout)
		}
		return nil, fmt.Errorf("dialing %s: %w", c.config.Address(), err)
	}

	client, err := c.auth.Authenticate(ctx, netConn, c.config)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	return client, nil
}

// keepalive sends periodic keepalive messages. A failure is logged and left
// for the next operation to discover.
func (c *Client) keepalive(ctx context.Context, s *session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			if _, _, err := s.conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn("keepalive failed",
					slog.String("host", c.config.Host),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
