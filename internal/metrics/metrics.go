// Package metrics provides Prometheus metrics for droidssh.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names use the droidssh_ prefix.
const (
	Namespace = "droidssh"
)

// Command outcomes used as the outcome label of CommandsTotal.
const (
	OutcomeSuccess  = "success"  // exit code 0
	OutcomeNonZero  = "nonzero"  // ran, non-zero exit code
	OutcomeError    = "error"    // could not run or timed out
	OutcomeRejected = "rejected" // refused by the read-only gate
)

var (
	// BuildInfo exposes the binary version. Always 1.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version", "go_version"})

	// ConnectAttemptsTotal counts dial and authentication attempts.
	ConnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "connect_attempts_total",
		Help:      "SSH connection attempts by result.",
	}, []string{"result"})

	// ReconnectsTotal counts sessions replaced after the transport closed.
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "reconnects_total",
		Help:      "Reconnections after a stale session was detected.",
	})

	// SessionUp is 1 while an SSH session is held.
	SessionUp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "session_up",
		Help:      "Whether an SSH session to the device is currently held.",
	})

	// CommandsTotal counts tool invocations that ran or tried to run a command.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "commands_total",
		Help:      "Remote commands by tool and outcome.",
	}, []string{"tool", "outcome"})

	// CommandDuration observes wall time of remote commands, connect included.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "command_duration_seconds",
		Help:      "Remote command duration in seconds.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"tool"})
)

// SetBuildInfo sets the build_info gauge.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// ObserveCommand records one finished command.
func ObserveCommand(tool, outcome string, elapsed time.Duration) {
	CommandsTotal.WithLabelValues(tool, outcome).Inc()
	if outcome != OutcomeRejected {
		CommandDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
	}
}

// SessionObserver feeds connection events from sshutil.Client into the
// package collectors.
type SessionObserver struct{}

// ConnectAttempt records one connection attempt.
func (SessionObserver) ConnectAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	ConnectAttemptsTotal.WithLabelValues(result).Inc()
}

// Reconnect records a stale session being replaced.
func (SessionObserver) Reconnect() {
	ReconnectsTotal.Inc()
}

// SessionUp sets the session gauge.
func (SessionObserver) SessionUp(up bool) {
	if up {
		SessionUp.Set(1)
		return
	}
	SessionUp.Set(0)
}
