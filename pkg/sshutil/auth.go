package sshutil

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Authenticator runs the SSH handshake over an established transport and
// authenticates with the configured key, then the configured password.
type Authenticator struct {
	logger *slog.Logger
	prompt PassphrasePrompt
}

// NewAuthenticator creates an Authenticator. A nil prompt means encrypted keys
// without a configured passphrase are treated as unusable.
func NewAuthenticator(logger *slog.Logger, prompt PassphrasePrompt) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{logger: logger, prompt: prompt}
}

// authRecorder tracks which methods the handshake actually invoked.
type authRecorder struct {
	mu       sync.Mutex
	tried    []AuthMethod
	failures []AuthAttempt
}

func (r *authRecorder) try(m AuthMethod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tried = append(r.tried, m)
}

func (r *authRecorder) fail(m AuthMethod, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, AuthAttempt{Method: m, Err: err})
}

func (r *authRecorder) last() AuthMethod {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tried) == 0 {
		return ""
	}
	return r.tried[len(r.tried)-1]
}

// attempts returns local failures followed by one entry per configured method.
func (r *authRecorder) attempts(configured []AuthMethod) []AuthAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := append([]AuthAttempt(nil), r.failures...)
	for _, m := range configured {
		err := ErrNotOffered
		for _, t := range r.tried {
			if t == m {
				err = ErrRejected
				break
			}
		}
		out = append(out, AuthAttempt{Method: m, Err: err})
	}
	return out
}

// Authenticate performs the handshake on conn. On failure conn is left open
// and the caller is responsible for closing it.
func (a *Authenticator) Authenticate(ctx context.Context, conn net.Conn, cfg *Config) (*ssh.Client, error) {
	rec := &authRecorder{}
	authErr := func(reason AuthReason, attempts []AuthAttempt) *AuthError {
		return &AuthError{
			User:     cfg.User,
			Host:     cfg.Host,
			Port:     cfg.GetPort(),
			Reason:   reason,
			Attempts: attempts,
		}
	}

	var (
		methods    []ssh.AuthMethod
		configured []AuthMethod
	)

	if cfg.KeyFile != "" {
		signer, err := LoadPrivateKey(cfg.KeyFile, cfg.KeyPassphrase, a.prompt)
		if err != nil {
			keyErr := &KeyError{Path: cfg.KeyFile, Err: err}
			if cfg.Password == "" {
				return nil, authErr(ReasonKeyUnusable, []AuthAttempt{{Method: AuthPublicKey, Err: keyErr}})
			}
			a.logger.Warn("private key unusable, falling back to password",
				slog.String("key_path", cfg.KeyFile),
				slog.String("error", err.Error()),
			)
			rec.fail(AuthPublicKey, keyErr)
		} else {
			configured = append(configured, AuthPublicKey)
			methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
				rec.try(AuthPublicKey)
				return []ssh.Signer{signer}, nil
			}))
		}
	}

	if cfg.Password != "" {
		password := cfg.Password
		configured = append(configured, AuthPassword)
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			rec.try(AuthPassword)
			return password, nil
		}))
	}

	if len(methods) == 0 {
		return nil, authErr(ReasonNoMethod, []AuthAttempt{
			{Method: AuthPublicKey, Err: ErrNotConfigured},
			{Method: AuthPassword, Err: ErrNotConfigured},
		})
	}

	hostKeyCallback, err := buildHostKeyCallback(cfg, a.logger)
	if err != nil {
		return nil, err
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.GetTimeout(),
	}

	deadline := time.Now().Add(cfg.GetTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.Address(), sshConfig)
	if err != nil {
		if isAuthError(err) {
			return nil, authErr(ReasonRejected, rec.attempts(configured))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssh handshake: %w", ctxErr)
		}
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	if !stop() {
		_ = sshConn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", ctx.Err())
	}
	_ = conn.SetDeadline(time.Time{})

	a.logger.Debug("ssh authentication succeeded",
		slog.String("host", cfg.Host),
		slog.String("user", cfg.User),
		slog.String("method", string(rec.last())),
	)

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// isAuthError reports whether the handshake failed during user authentication
// rather than at the transport layer.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}
