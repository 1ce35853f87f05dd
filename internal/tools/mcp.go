package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"gitlab.bluewillows.net/root/droidssh/internal/gate"
	"gitlab.bluewillows.net/root/droidssh/internal/metrics"
	"gitlab.bluewillows.net/root/droidssh/pkg/sshutil"
)

// ServerName is reported to MCP clients during initialization.
const ServerName = "droidssh"

// NewMCPServer registers the tools of svc on a new MCP server.
func NewMCPServer(svc *Service, version string) *server.MCPServer {
	s := server.NewMCPServer(ServerName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	h := &handlers{svc: svc}
	s.AddTool(executeReadTool(), h.executeRead)
	s.AddTool(executeTool(), h.execute)
	s.AddTool(setupTool(), h.setup)
	s.AddTool(installKeyTool(), h.installKey)

	return s
}

func timeoutOption() mcp.ToolOption {
	return mcp.WithNumber("timeout",
		mcp.Description(fmt.Sprintf("Command timeout in seconds (default: %d, max: %d)", DefaultTimeoutSeconds, MaxTimeoutSeconds)),
		mcp.Min(MinTimeoutSeconds),
		mcp.Max(MaxTimeoutSeconds),
	)
}

func executeReadTool() mcp.Tool {
	cmds := gate.Commands()
	return mcp.NewTool(ToolExecuteRead,
		mcp.WithDescription(fmt.Sprintf(
			"Execute safe read-only shell commands on Android via SSH (%d whitelisted commands: %s)",
			len(cmds), strings.Join(cmds, ", "))),
		mcp.WithString("command", mcp.Required(), mcp.Description("The shell command to execute")),
		timeoutOption(),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool(ToolExecute,
		mcp.WithDescription("Execute any shell command on Android via SSH, including write/modify/delete operations"),
		mcp.WithString("command", mcp.Required(), mcp.Description("The shell command to execute")),
		timeoutOption(),
	)
}

func setupTool() mcp.Tool {
	return mcp.NewTool(ToolSetup,
		mcp.WithDescription("Configure Android SSH connection - provide credentials to connect to your Android device"),
		mcp.WithString("host", mcp.Description("Android device IP address (e.g., 192.168.1.100)")),
		mcp.WithNumber("port", mcp.Description("SSH port (default: 8022 for Termux)")),
		mcp.WithString("user", mcp.Description("Termux username (run 'whoami' in Termux)")),
		mcp.WithString("key_path", mcp.Description("Path to SSH private key (recommended, e.g., ~/.ssh/id_ed25519)")),
		mcp.WithString("password", mcp.Description("SSH password (alternative to key_path, not recommended)")),
	)
}

func installKeyTool() mcp.Tool {
	return mcp.NewTool(ToolInstallKey,
		mcp.WithDescription("Install a local SSH public key into ~/.ssh/authorized_keys on the Android device (uses the configured password)"),
		mcp.WithString("public_key_path", mcp.Description("Public key to install (default: key_path + .pub)")),
	)
}

type handlers struct {
	svc *Service
}

// requestLogger tags every log line of one tool call with an exec_id.
func (h *handlers) requestLogger(tool string) *slog.Logger {
	return h.svc.logger.With(
		slog.String("tool", tool),
		slog.String("exec_id", uuid.NewString()),
	)
}

type runFunc func(ctx context.Context, command string, timeout time.Duration) (*sshutil.CommandResult, error)

func (h *handlers) executeRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.runCommand(ctx, req, ToolExecuteRead, h.svc.ExecuteRead)
}

func (h *handlers) execute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.runCommand(ctx, req, ToolExecute, h.svc.Execute)
}

func (h *handlers) runCommand(ctx context.Context, req mcp.CallToolRequest, tool string, run runFunc) (*mcp.CallToolResult, error) {
	logger := h.requestLogger(tool)

	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("command is required"), nil
	}
	timeout, err := ParseTimeout(req.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(RenderError(err)), nil
	}

	logger.Info("executing command",
		slog.String("command", command),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	result, err := run(ctx, command, timeout)
	elapsed := time.Since(start)

	if err != nil {
		outcome := metrics.OutcomeError
		if isRejected(err) {
			outcome = metrics.OutcomeRejected
		}
		metrics.ObserveCommand(tool, outcome, elapsed)
		logger.Warn("command failed",
			slog.String("kind", sshutil.KindOf(err).String()),
			slog.String("error", err.Error()),
		)
		return mcp.NewToolResultError(RenderError(err)), nil
	}

	outcome := metrics.OutcomeSuccess
	if !result.Success() {
		outcome = metrics.OutcomeNonZero
	}
	metrics.ObserveCommand(tool, outcome, elapsed)
	logger.Info("command finished",
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("elapsed", elapsed),
	)

	return mcp.NewToolResultText(RenderResult(result)), nil
}

func (h *handlers) setup(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	logger := h.requestLogger(ToolSetup)
	args := req.GetArguments()

	sreq := SetupRequest{
		Host:     optionalString(args, "host"),
		User:     optionalString(args, "user"),
		KeyPath:  optionalString(args, "key_path"),
		Password: optionalString(args, "password"),
	}
	if v, ok := args["port"]; ok && v != nil {
		port, ok := v.(float64)
		if !ok || port != float64(int(port)) {
			return mcp.NewToolResultError("port must be an integer between 1 and 65535"), nil
		}
		p := int(port)
		sreq.Port = &p
	}

	result, err := h.svc.Setup(sreq)
	if err != nil {
		logger.Warn("setup not applied", slog.String("error", err.Error()))
		return mcp.NewToolResultError(RenderError(err)), nil
	}

	return mcp.NewToolResultText(RenderSetup(result)), nil
}

func (h *handlers) installKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	logger := h.requestLogger(ToolInstallKey)

	path := ""
	if p := optionalString(req.GetArguments(), "public_key_path"); p != nil {
		path = *p
	}

	result, err := h.svc.InstallKey(ctx, path)
	if err != nil {
		logger.Warn("install_key failed", slog.String("error", err.Error()))
		return mcp.NewToolResultError(RenderError(err)), nil
	}

	return mcp.NewToolResultText(RenderInstallKey(result)), nil
}

func optionalString(args map[string]any, key string) *string {
	if s, ok := args[key].(string); ok {
		return &s
	}
	return nil
}
