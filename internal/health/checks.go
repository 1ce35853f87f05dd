package health

import (
	"context"
	"strings"

	"gitlab.bluewillows.net/root/droidssh/pkg/sshutil"
)

// SessionChecker reports degraded while no live SSH session is held.
// Sessions are opened lazily, so an absent session is not a failure.
func SessionChecker(state func() sshutil.State) DegradedChecker {
	return func(context.Context) (bool, string) {
		switch st := state(); st {
		case sshutil.StateLive:
			return false, ""
		case sshutil.StateStale:
			return true, "ssh session closed by peer; reconnects on next command"
		default:
			return true, "no ssh session; connects on first command"
		}
	}
}

// DeviceChecker reports degraded until the device has a host, user and
// credential.
func DeviceChecker(missing func() []string) DegradedChecker {
	return func(context.Context) (bool, string) {
		if m := missing(); len(m) > 0 {
			return true, "device not configured; missing " + strings.Join(m, ", ") + " (use the setup tool)"
		}
		return false, ""
	}
}
