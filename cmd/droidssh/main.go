// droidssh exposes shell access to an Android device running Termux sshd as
// MCP tools over stdio. It keeps one SSH session, reconnects lazily when the
// device drops it, and can install a public key for password-free access.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"gitlab.bluewillows.net/root/droidssh/internal/config"
)

// Version and BuildDate are set via ldflags during build.
// Example: -ldflags="-X main.Version=v1.0.0 -X main.BuildDate=2026-01-03"
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// exitCodeError carries a remote exit status out of the exec command.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		slog.Error("fatal error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	envFile    string
}

// load reads the configuration from the --config path or the default
// location.
func (o *rootOptions) load() (*config.Config, error) {
	path, err := o.path()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadPath(path)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) path() (string, error) {
	if o.configPath != "" {
		return config.ExpandHome(o.configPath), nil
	}
	return config.GetConfigFilePath()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "droidssh",
		Short:         "MCP server for running shell commands on an Android device over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return config.LoadDotEnv(opts.envFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $DROIDSSH_CONFIG or ~/.config/droidssh/config.toml)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with DROIDSSH_* variables, ignored if missing")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// setupLogger builds the process logger. Output goes to w, which is stderr
// in practice: stdout carries the MCP stream.
func setupLogger(level, format string, w io.Writer) *slog.Logger {
	logLevel := parseLogLevel(level)

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}

	return slog.New(handler)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
