package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gitlab.bluewillows.net/root/droidssh/internal/tools"
	"gitlab.bluewillows.net/root/droidssh/pkg/sshutil"
)

func newExecCmd(opts *rootOptions) *cobra.Command {
	var (
		timeout  int
		readOnly bool
	)

	cmd := &cobra.Command{
		Use:   "exec [flags] -- COMMAND [ARGS...]",
		Short: "Run one command on the device and print the rendered result",
		Long: "Run one command on the device through the same connection, retry and " +
			"rendering path the MCP tools use. Useful to check a configuration by hand.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			logger := setupLogger(cfg.Global.LogLevel, cfg.Global.LogFormat, cmd.ErrOrStderr())
			for _, w := range cfg.Warnings {
				logger.Warn("configuration warning", slog.String("warning", w))
			}

			d, err := tools.ParseTimeout(map[string]any{"timeout": timeout})
			if err != nil {
				return fmt.Errorf("--timeout: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc := tools.NewService(cfg,
				tools.WithLogger(logger),
				tools.WithClientOptions(sshutil.WithPassphrasePrompt(sshutil.TerminalPassphrasePrompt)),
			)
			defer func() { _ = svc.Close() }()

			run := svc.Execute
			if readOnly {
				run = svc.ExecuteRead
			}
			return execute(ctx, cmd, run, strings.Join(args, " "), d)
		},
	}

	cmd.Flags().IntVarP(&timeout, "timeout", "t", tools.DefaultTimeoutSeconds, "command timeout in seconds (1-300)")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "refuse commands outside the read-only list")

	return cmd
}

type runFunc func(ctx context.Context, command string, timeout time.Duration) (*sshutil.CommandResult, error)

// execute prints the rendered result to stdout and errors to stderr. A
// non-zero remote exit becomes the process exit status.
func execute(ctx context.Context, cmd *cobra.Command, run runFunc, command string, timeout time.Duration) error {
	result, err := run(ctx, command, timeout)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), tools.RenderError(err))
		return &exitCodeError{code: 1}
	}

	fmt.Fprintln(cmd.OutOrStdout(), tools.RenderResult(result))
	if !result.Success() {
		return &exitCodeError{code: result.ExitCode}
	}
	return nil
}
