package sshutil

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for SSH operations.
var (
	// ErrNotConnected is returned when an operation needs a session and none is held.
	ErrNotConnected = errors.New("ssh client is not connected")

	// ErrNoCause is used when every connection attempt failed without a specific error.
	ErrNoCause = errors.New("failed to connect after retries")

	// ErrPassphraseRequired is returned when a private key is encrypted and no passphrase is available.
	ErrPassphraseRequired = errors.New("passphrase required for private key")

	// ErrRejected marks an authentication method the server refused.
	ErrRejected = errors.New("rejected by server")

	// ErrNotConfigured marks an authentication method with no credential configured.
	ErrNotConfigured = errors.New("not configured")

	// ErrNotOffered marks a configured method the server did not accept.
	ErrNotOffered = errors.New("not offered by server")

	// ErrConnectionTimeout is returned when dialing does not complete in time.
	ErrConnectionTimeout = errors.New("ssh connection timeout")
)

// Kind classifies errors produced by this package.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindConnectionFailed
	KindAuthenticationFailed
	KindExecutionFailed
	KindTimeout
	KindConfigurationInvalid
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "ConnectionFailed"
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindExecutionFailed:
		return "ExecutionFailed"
	case KindTimeout:
		return "Timeout"
	case KindConfigurationInvalid:
		return "ConfigurationInvalid"
	case KindIO:
		return "Io"
	default:
		return "Unknown"
	}
}

// KindOf reports the kind of err. Authentication failures are checked before
// connection failures so an exhausted connect whose last cause was an auth
// rejection still classifies as KindAuthenticationFailed.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var (
		authErr    *AuthError
		connErr    *ConnectionError
		timeoutErr *TimeoutError
		execErr    *ExecError
		cfgErr     *ConfigError
		keyErr     *KeyError
	)

	switch {
	case errors.As(err, &authErr):
		return KindAuthenticationFailed
	case errors.As(err, &timeoutErr):
		return KindTimeout
	case errors.As(err, &connErr):
		return KindConnectionFailed
	case errors.As(err, &execErr):
		return KindExecutionFailed
	case errors.As(err, &cfgErr):
		return KindConfigurationInvalid
	case errors.As(err, &keyErr):
		return KindIO
	default:
		return KindUnknown
	}
}

// ConnectionError is returned when no session could be established after all attempts.
type ConnectionError struct {
	Host     string
	Port     int
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ssh connection to %s:%d failed after %d attempt(s): %v", e.Host, e.Port, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthMethod names an authentication method.
type AuthMethod string

// Authentication methods, in the order they are tried.
const (
	AuthPublicKey AuthMethod = "publickey"
	AuthPassword  AuthMethod = "password"
)

// AuthReason explains why authentication failed as a whole.
type AuthReason int

// Authentication failure reasons.
const (
	// ReasonRejected means every offered method was refused by the server.
	ReasonRejected AuthReason = iota
	// ReasonNoMethod means neither a key nor a password was configured.
	ReasonNoMethod
	// ReasonKeyUnusable means the key could not be loaded and no password was configured.
	ReasonKeyUnusable
)

func (r AuthReason) String() string {
	switch r {
	case ReasonNoMethod:
		return "no authentication method configured"
	case ReasonKeyUnusable:
		return "private key unusable and no password configured"
	default:
		return "all methods rejected"
	}
}

// AuthAttempt records one authentication method and why it failed.
type AuthAttempt struct {
	Method AuthMethod
	Err    error
}

// AuthError is returned when the transport was established but no credential succeeded.
type AuthError struct {
	User     string
	Host     string
	Port     int
	Reason   AuthReason
	Attempts []AuthAttempt
}

func (e *AuthError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ssh authentication failed for %s@%s:%d: %s", e.User, e.Host, e.Port, e.Reason)
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %v", a.Method, a.Err)
	}
	return b.String()
}

// Tried reports whether method was attempted.
func (e *AuthError) Tried(method AuthMethod) bool {
	for _, a := range e.Attempts {
		if a.Method == method {
			return true
		}
	}
	return false
}

// Terminal reports whether retrying cannot change the outcome.
func (e *AuthError) Terminal() bool {
	return e.Reason == ReasonNoMethod || e.Reason == ReasonKeyUnusable
}

// ExecError is a channel-level failure unrelated to the remote command's exit status.
type ExecError struct {
	Command string
	Op      string
	Err     error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// TimeoutError is returned when a command did not finish within its deadline.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout >= time.Second && e.Timeout%time.Second == 0 {
		return fmt.Sprintf("command timed out after %d seconds", int(e.Timeout/time.Second))
	}
	return fmt.Sprintf("command timed out after %s", e.Timeout)
}

// ConfigError reports descriptor problems detected before any I/O.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ssh config validation failed: %s", strings.Join(e.Problems, "; "))
}

// KeyError is returned when the private key file cannot be read or parsed.
type KeyError struct {
	Path string
	Err  error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("loading private key %s: %v", e.Path, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }
