package tools

import (
	"errors"
	"fmt"
	"strings"

	"gitlab.bluewillows.net/root/droidssh/pkg/sshutil"
)

// RenderResult formats a finished command for display: stdout, then stderr
// under a "stderr:" heading, then a status line.
func RenderResult(r *sshutil.CommandResult) string {
	var b strings.Builder

	if r.Stdout != "" {
		b.WriteString(r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			b.WriteByte('\n')
		}
	}

	if r.Stderr != "" {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("stderr:\n")
		b.WriteString(r.Stderr)
		if !strings.HasSuffix(r.Stderr, "\n") {
			b.WriteByte('\n')
		}
	}

	if b.Len() > 0 {
		b.WriteByte('\n')
	}

	if r.ExitCode == 0 {
		b.WriteString("✓ Success")
	} else {
		fmt.Fprintf(&b, "✗ Failed (exit code: %d)", r.ExitCode)
	}

	return b.String()
}

// RenderError turns any tool error into user-facing text with remediation
// hints where they apply.
func RenderError(err error) string {
	var (
		notConfigured *NotConfiguredError
		incomplete    *SetupIncompleteError
		notReadOnly   *NotReadOnlyError
	)

	switch {
	case errors.Is(err, ErrInvalidTimeout):
		return "Timeout must be between 1 and 300 seconds"
	case errors.As(err, &notReadOnly):
		return fmt.Sprintf("Command '%s' is not whitelisted as read-only. Use execute tool instead.", notReadOnly.Program)
	case errors.As(err, &notConfigured):
		return renderNotConfigured(notConfigured)
	case errors.As(err, &incomplete):
		return renderIncomplete(incomplete)
	}

	switch sshutil.KindOf(err) {
	case sshutil.KindAuthenticationFailed:
		var authErr *sshutil.AuthError
		errors.As(err, &authErr)
		return withHints("Authentication failed: "+authErr.Error(), authHints(authErr))
	case sshutil.KindConnectionFailed:
		var connErr *sshutil.ConnectionError
		errors.As(err, &connErr)
		return withHints("SSH connection failed: "+err.Error(), []string{
			fmt.Sprintf("Check the device is on the same network and reachable at %s:%d", connErr.Host, connErr.Port),
			"Start the SSH server in Termux: sshd",
			"Keep Termux running in the background: termux-wake-lock",
		})
	case sshutil.KindTimeout:
		return withHints("Command execution failed: "+err.Error(), []string{
			fmt.Sprintf("Raise the timeout argument (max %d seconds)", MaxTimeoutSeconds),
			"Run long tasks in the background, e.g. nohup CMD > /sdcard/out.log 2>&1 &",
		})
	case sshutil.KindConfigurationInvalid:
		return withHints("Configuration error: "+err.Error(), []string{
			"Fix the settings with the setup tool or edit the config file",
		})
	case sshutil.KindIO:
		return "I/O error: " + err.Error()
	default:
		return "Command execution failed: " + err.Error()
	}
}

func authHints(e *sshutil.AuthError) []string {
	if e.Reason == sshutil.ReasonNoMethod {
		return []string{"Configure key_path or password with the setup tool"}
	}

	var hints []string
	for _, a := range e.Attempts {
		var keyErr *sshutil.KeyError
		switch {
		case errors.As(a.Err, &keyErr) && errors.Is(keyErr, sshutil.ErrPassphraseRequired):
			hints = append(hints, "The private key is encrypted: set key_passphrase or DROIDSSH_KEY_PASSPHRASE")
		case errors.As(a.Err, &keyErr):
			hints = append(hints, fmt.Sprintf("Check key_path points to a readable private key: %s", keyErr.Path))
		case a.Method == sshutil.AuthPublicKey && !errors.Is(a.Err, sshutil.ErrNotConfigured):
			hints = append(hints,
				fmt.Sprintf("Check the key was installed on the remote device: ssh-copy-id -p %d %s@%s", e.Port, e.User, e.Host),
				"Or configure a password and run the install_key tool")
		case a.Method == sshutil.AuthPassword && !errors.Is(a.Err, sshutil.ErrNotConfigured):
			hints = append(hints, "Check the password; set a new one in Termux with 'passwd'")
		}
	}
	return hints
}

func withHints(msg string, hints []string) string {
	if len(hints) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	b.WriteString("\n\nTry:\n")
	for _, h := range hints {
		b.WriteString("• ")
		b.WriteString(h)
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func renderNotConfigured(e *NotConfiguredError) string {
	var b strings.Builder
	b.WriteString("Configuration Setup Required\n\n")
	fmt.Fprintf(&b, "Config file: %s\n", e.Path)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, "Missing: %s\n", strings.Join(e.Missing, ", "))
	}
	b.WriteString(`
Use the setup tool with your device details, or edit the config file:
- host: Your device IP (run 'ifconfig wlan0' in Termux)
- user: Your Termux username (run 'whoami' in Termux)
- key_path: Path to SSH key (recommended: ~/.ssh/id_ed25519)
- password: Only if not using key auth

Quick SSH key setup:
1. ssh-keygen -t ed25519 -f ~/.ssh/id_ed25519 -N ""
2. ssh-copy-id -p 8022 -i ~/.ssh/id_ed25519.pub USER@HOST
3. Run setup with key_path = "~/.ssh/id_ed25519"

Alternatively, set environment variables:
DROIDSSH_HOST, DROIDSSH_USER, DROIDSSH_KEY_PATH`)
	return b.String()
}
