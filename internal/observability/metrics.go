package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "c3sync"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	panelCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "panel",
			Name:      "commands_total",
			Help:      "Command exchanges with panels by outcome.",
		},
		[]string{"panel", "command", "outcome"},
	)
	panelCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "panel",
			Name:      "command_duration_seconds",
			Help:      "Panel command round-trip time in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"panel", "command"},
	)
	codecErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "panel",
			Name:      "codec_errors_total",
			Help:      "Frames dropped by the codec.",
		},
		[]string{"panel"},
	)
	sessionResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "panel",
			Name:      "session_resets_total",
			Help:      "Sessions invalidated, by reason.",
		},
		[]string{"panel", "reason"},
	)
	panelState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "panel",
			Name:      "state",
			Help:      "1 for the panel's current connection state.",
		},
		[]string{"panel", "state"},
	)
	eventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "delivered_total",
			Help:      "Event records released to subscribers.",
		},
		[]string{"panel"},
	)
	eventsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "skipped_total",
			Help:      "Event records that failed to decode and were stepped over.",
		},
		[]string{"panel"},
	)
	reconcileWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "records_total",
			Help:      "Records written or deleted by reconcile passes.",
		},
		[]string{"panel", "table", "op"},
	)
	reconcileConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "conflicts_total",
			Help:      "Panel-resident records overwritten because they drifted.",
		},
		[]string{"panel", "table"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			panelCommands, panelCommandDuration, codecErrors, sessionResets, panelState,
			eventsDelivered, eventsSkipped,
			reconcileWrites, reconcileConflicts,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPanelCommand(panel, command, outcome string, duration time.Duration) {
	RegisterMetrics()
	panelCommands.WithLabelValues(panel, command, outcome).Inc()
	panelCommandDuration.WithLabelValues(panel, command).Observe(duration.Seconds())
}

func RecordCodecError(panel string) {
	RegisterMetrics()
	codecErrors.WithLabelValues(panel).Inc()
}

func RecordSessionReset(panel, reason string) {
	RegisterMetrics()
	sessionResets.WithLabelValues(panel, reason).Inc()
}

var panelStates = []string{"connecting", "online", "offline", "degraded", "removed"}

// RecordPanelState sets the gauge for state to 1 and every other state to 0.
func RecordPanelState(panel, state string) {
	RegisterMetrics()
	for _, s := range panelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		panelState.WithLabelValues(panel, s).Set(v)
	}
}

func RecordEvents(panel string, delivered, skipped int) {
	RegisterMetrics()
	if delivered > 0 {
		eventsDelivered.WithLabelValues(panel).Add(float64(delivered))
	}
	if skipped > 0 {
		eventsSkipped.WithLabelValues(panel).Add(float64(skipped))
	}
}

func RecordReconcile(panel, table, op string, n int) {
	RegisterMetrics()
	if n > 0 {
		reconcileWrites.WithLabelValues(panel, table, op).Add(float64(n))
	}
}

func RecordConflict(panel, table string) {
	RegisterMetrics()
	reconcileConflicts.WithLabelValues(panel, table).Inc()
}
