package sshutil

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"
)

// CommandResult holds the result of a command execution.
type CommandResult struct {
	// ExitCode is the exit status of the command, 0 when the server sent none.
	ExitCode int

	// Stdout is the standard output of the command.
	Stdout string

	// Stderr is the standard error of the command.
	Stderr string
}

// Success reports whether the command exited with status 0.
func (r *CommandResult) Success() bool {
	return r.ExitCode == 0
}

// Executor runs single commands on exec channels of an established session.
type Executor struct {
	logger *slog.Logger
}

// ExecutorOption is a functional option for configuring the Executor.
type ExecutorOption func(*Executor)

// WithCommandLogger sets a custom logger for command execution.
func WithCommandLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor creates a new Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

type execMsg struct {
	Command string
}

// Run opens an exec channel on conn, runs command, and collects its output
// and exit status. A non-zero exit status is not an error. If timeout elapses
// first a *TimeoutError is returned; the channel is closed but conn is left
// untouched.
func (e *Executor) Run(ctx context.Context, conn Conn, command string, timeout time.Duration) (*CommandResult, error) {
	if conn == nil {
		return nil, ErrNotConnected
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	e.logger.Debug("executing command",
		slog.String("command", command),
		slog.Duration("timeout", timeout),
	)

	type opened struct {
		ch   ssh.Channel
		reqs <-chan *ssh.Request
		err  error
	}
	openCh := make(chan opened, 1)
	go func() {
		ch, reqs, err := openExec(conn, command)
		openCh <- opened{ch: ch, reqs: reqs, err: err}
	}()

	var o opened
	select {
	case <-runCtx.Done():
		go func() {
			if late := <-openCh; late.err == nil {
				_ = late.ch.Close()
			}
		}()
		return nil, e.contextError(runCtx, command, timeout)
	case o = <-openCh:
	}
	if o.err != nil {
		return nil, o.err
	}

	done := make(chan struct{})
	defer func() {
		close(done)
		_ = o.ch.Close()
	}()

	result, err := drain(runCtx, channelEvents(o.ch, o.reqs, done))
	if err != nil {
		return nil, e.contextError(runCtx, command, timeout)
	}

	e.logger.Debug("command completed",
		slog.String("command", command),
		slog.Int("exit_code", result.ExitCode),
		slog.Int("stdout_len", len(result.Stdout)),
		slog.Int("stderr_len", len(result.Stderr)),
		slog.Duration("duration", time.Since(start)),
	)

	return result, nil
}

func (e *Executor) contextError(ctx context.Context, command string, timeout time.Duration) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		e.logger.Warn("command timed out",
			slog.String("command", command),
			slog.Duration("timeout", timeout),
		)
		return &TimeoutError{Command: command, Timeout: timeout}
	}
	return &ExecError{Command: command, Op: "waiting for command", Err: err}
}

// openExec opens a session channel and starts command on it.
func openExec(conn Conn, command string) (ssh.Channel, <-chan *ssh.Request, error) {
	ch, reqs, err := conn.OpenChannel("session", nil)
	if err != nil {
		return nil, nil, &ExecError{Command: command, Op: "failed to open channel", Err: err}
	}

	ok, err := ch.SendRequest("exec", true, ssh.Marshal(execMsg{Command: command}))
	if err == nil && !ok {
		err = errors.New("exec request rejected")
	}
	if err != nil {
		_ = ch.Close()
		return nil, nil, &ExecError{Command: command, Op: "failed to exec command", Err: err}
	}

	return ch, reqs, nil
}
