// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
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
	EnsureOutcomes   *prometheus.CounterVec
	ConnectAttempts  prometheus.Counter
	ConnectFailures  *prometheus.CounterVec
	LaunchFailures   prometheus.Counter
	WatchdogTicks    *prometheus.CounterVec
	PlaybackEnded    *prometheus.CounterVec
	DropReconnects   prometheus.Counter
	AdminRequests    *prometheus.CounterVec

	// Histograms (seconds)
	ConnectDuration prometheus.Observer
	LaunchDuration  prometheus.Observer

	// Gauges
	ConnectionStateGauge prometheus.Gauge
	AttemptCounterGauge  prometheus.Gauge
	BackoffGauge         prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EnsureOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_ensure_outcomes_total", Help: "Outcomes of ensure-connected-and-playing calls"}, []string{"outcome"})
		ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_connect_attempts_total", Help: "Voice connect calls issued"})
		ConnectFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_connect_failures_total", Help: "Voice connect failures by error class"}, []string{"class"})
		LaunchFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_launch_failures_total", Help: "Playback pipelines that failed to start"})
		WatchdogTicks = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_watchdog_ticks_total", Help: "Watchdog health checks by result"}, []string{"result"})
		PlaybackEnded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_playback_ended_total", Help: "Playback pipelines that ended"}, []string{"result"})
		DropReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_drop_reconnects_total", Help: "Reconnects scheduled after an unexpected voice drop"})
		AdminRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_admin_requests_total", Help: "Admin endpoint calls"}, []string{"action"})
		ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_connect_duration_seconds", Help: "Voice connect duration seconds", Buckets: prometheus.DefBuckets})
		LaunchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_launch_duration_seconds", Help: "Playback start-up duration seconds", Buckets: prometheus.DefBuckets})
		ConnectionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_connection_state", Help: "0=idle 1=connecting 2=connected-playing 3=connected-idle 4=failed"})
		AttemptCounterGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_attempt_counter", Help: "Consecutive failed attempts in the current budget"})
		BackoffGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_backoff_seconds", Help: "Current backoff before jitter"})
	})
}

// ObserveOutcome increments the outcome counter.
func ObserveOutcome(outcome string) {
	if EnsureOutcomes != nil {
		EnsureOutcomes.WithLabelValues(outcome).Inc()
	}
}

// SetConnectionState records the numeric connection state.
func SetConnectionState(state int) {
	if ConnectionStateGauge != nil {
		ConnectionStateGauge.Set(float64(state))
	}
}

// SetAttemptBudget records the attempt counter and current backoff.
func SetAttemptBudget(attempts int, backoff time.Duration) {
	if AttemptCounterGauge != nil {
		AttemptCounterGauge.Set(float64(attempts))
	}
	if BackoffGauge != nil {
		BackoffGauge.Set(backoff.Seconds())
	}
}

// Inc increments c if it has been registered.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// IncVec increments the labelled child of v if it has been registered.
func IncVec(v *prometheus.CounterVec, label string) {
	if v != nil {
		v.WithLabelValues(label).Inc()
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

// WithCorrelation returns a new context embedding correlation id.
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
