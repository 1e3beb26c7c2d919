package shell

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsActive is a gauge of commands currently running.
	CommandsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "remote_shell",
			Subsystem: "shell",
			Name:      "commands_active",
			Help:      "Number of commands currently running",
		},
	)

	// CommandsTotal counts executed commands by result.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remote_shell",
			Subsystem: "shell",
			Name:      "commands_total",
			Help:      "Total number of commands by result",
		},
		[]string{"result"},
	)

	// CommandDurationSeconds measures command run time.
	CommandDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "remote_shell",
			Subsystem: "shell",
			Name:      "command_duration_seconds",
			Help:      "Duration of commands in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 15), // 5ms to ~80s
		},
	)

	// OutputBytesTotal counts command output returned to hosts.
	OutputBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remote_shell",
			Subsystem: "shell",
			Name:      "output_bytes_total",
			Help:      "Total bytes of command output",
		},
	)
)

// Result constants for metrics.
const (
	ResultSuccess     = "success"      // Exit status zero
	ResultNonZeroExit = "nonzero_exit" // Ran, exited non-zero
	ResultError       = "error"        // Could not run or bad output
	ResultTimeout     = "timeout"      // Killed after the configured timeout
	ResultRejected    = "rejected"     // Empty or unparsable command
)

// CommandStarted records a command starting.
func CommandStarted() {
	CommandsActive.Inc()
}

// CommandEnded records a command finishing.
func CommandEnded(result string, duration float64) {
	CommandsActive.Dec()
	CommandsTotal.WithLabelValues(result).Inc()
	CommandDurationSeconds.Observe(duration)
}

// RecordOutputBytes records bytes of command output.
func RecordOutputBytes(bytes int) {
	OutputBytesTotal.Add(float64(bytes))
}
