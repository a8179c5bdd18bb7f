// Package telemetry provides Prometheus metrics, correlation-id aware logging
// helpers, OpenTelemetry tracing setup, the per-call API stats stream, and the
// de-duplicated UI warning list.
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
	HelixCalls     *prometheus.CounterVec // identity, outcome
	TaskRuns       *prometheus.CounterVec // task, result
	TaskTimeouts   prometheus.Counter
	FollowEvents   prometheus.Counter
	UnfollowEvents prometheus.Counter

	// Histograms (seconds)
	TaskDuration prometheus.ObserverVec

	// Gauges
	StreamOnlineGauge    prometheus.Gauge
	CurrentViewersGauge  prometheus.Gauge
	CurrentFollowers     prometheus.Gauge
	CurrentSubscribers   prometheus.Gauge
	BudgetRemainingGauge *prometheus.GaugeVec // identity
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		HelixCalls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "channelwatch_helix_calls_total", Help: "Helix API calls by identity and outcome"}, []string{"identity", "outcome"})
		TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "channelwatch_task_runs_total", Help: "Scheduler task executions by result"}, []string{"task", "result"})
		TaskTimeouts = promauto.NewCounter(prometheus.CounterOpts{Name: "channelwatch_task_timeouts_total", Help: "Tasks that exceeded the watchdog deadline"})
		FollowEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "channelwatch_follow_events_total", Help: "New-follow events fired"})
		UnfollowEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "channelwatch_unfollow_events_total", Help: "Unfollow events fired"})
		TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "channelwatch_task_duration_seconds", Help: "Task body duration seconds", Buckets: prometheus.DefBuckets}, []string{"task"})
		StreamOnlineGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "channelwatch_stream_online", Help: "Stream online=1 offline=0"})
		CurrentViewersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "channelwatch_current_viewers", Help: "Current viewer count"})
		CurrentFollowers = promauto.NewGauge(prometheus.GaugeOpts{Name: "channelwatch_current_followers", Help: "Current follower total reported by Helix"})
		CurrentSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "channelwatch_current_subscribers", Help: "Current subscriber count (broadcaster excluded)"})
		BudgetRemainingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "channelwatch_rate_budget_remaining", Help: "Last known remaining Helix calls"}, []string{"identity"})
	})
}

// SetStreamOnline updates the online gauge.
func SetStreamOnline(online bool) {
	if StreamOnlineGauge == nil {
		return
	}
	if online {
		StreamOnlineGauge.Set(1)
	} else {
		StreamOnlineGauge.Set(0)
	}
}

// ObserveTask records one task execution.
func ObserveTask(task string, result string, d time.Duration) {
	if TaskRuns == nil {
		return
	}
	TaskRuns.WithLabelValues(task, result).Inc()
	TaskDuration.WithLabelValues(task).Observe(d.Seconds())
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
	if s, ok := ctx.Value(corrKey).(string); ok {
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
