// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles          prometheus.Counter
	PollFailures        prometheus.Counter
	SessionAcquisitions prometheus.Counter
	UpdatesReceived     prometheus.Counter
	CommandsProcessed   *prometheus.CounterVec
	CommandsRejected    prometheus.Counter
	FloodsDetected      prometheus.Counter
	MessagesDeleted     prometheus.Counter
	PropagationFanouts  prometheus.Counter
	PropagationFailures prometheus.Counter
	MutesExpired        prometheus.Counter

	// Histograms (seconds)
	PollDuration     prometheus.Observer
	DispatchDuration prometheus.Observer

	// Gauges
	UnifiedChatsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_poll_cycles_total", Help: "Number of long-poll cycles completed"})
		PollFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_poll_failures_total", Help: "Number of long-poll cycles that failed at the transport"})
		SessionAcquisitions = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_session_acquisitions_total", Help: "Number of long-poll session (re)acquisitions"})
		UpdatesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_updates_received_total", Help: "Number of long-poll updates received"})
		CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_commands_processed_total", Help: "Number of chat commands processed"}, []string{"command"})
		CommandsRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_commands_rejected_total", Help: "Number of chat commands rejected (authorization or resolution)"})
		FloodsDetected = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_floods_detected_total", Help: "Number of flood-control denials"})
		MessagesDeleted = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_messages_deleted_total", Help: "Number of messages removed by content filters"})
		PropagationFanouts = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_propagation_fanouts_total", Help: "Number of cross-chat propagation fan-outs started"})
		PropagationFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_propagation_failures_total", Help: "Number of per-room propagation replays that failed"})
		MutesExpired = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_mutes_expired_total", Help: "Number of mutes removed by the expiry sweeper"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_poll_duration_seconds", Help: "Long-poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_dispatch_duration_seconds", Help: "Update batch dispatch duration seconds", Buckets: prometheus.DefBuckets})
		UnifiedChatsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_unified_chats", Help: "Current number of unified chats"})
	})
}

// SetUnifiedChats records the current unified chat count.
func SetUnifiedChats(n int) {
	if UnifiedChatsGauge != nil {
		UnifiedChatsGauge.Set(float64(n))
	}
}

// CountCommand bumps the per-command counter when metrics are initialized.
func CountCommand(name string) {
	if CommandsProcessed != nil {
		CommandsProcessed.WithLabelValues(name).Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
