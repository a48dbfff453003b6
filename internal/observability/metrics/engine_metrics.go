// Package metrics exposes prometheus instrumentation for the payment engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DropReasonInFlight   = "in_flight"
	DropReasonInactive   = "inactive"
	DropReasonSuperseded = "superseded"
	DropReasonQueue      = "queue_full"
)

const (
	TriggerOpArmed    = "armed"
	TriggerOpDisarmed = "disarmed"
	TriggerOpFired    = "fired"
)

// Config carries the constant labels stamped on every engine metric.
type Config struct {
	ServiceName string
	Environment string
}

// EngineMetrics captures payment engine health signals.
type EngineMetrics struct {
	dispatches          *prometheus.CounterVec
	dispatchDropped     *prometheus.CounterVec
	preflightRejections *prometheus.CounterVec
	scanRuns            prometheus.Counter
	scanErrors          prometheus.Counter
	scanDuration        prometheus.Observer
	confirmWait         prometheus.Observer
	inFlight            prometheus.Gauge
	triggerTimers       *prometheus.CounterVec
	pendingResolved     *prometheus.CounterVec
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
	engineMetricsMu   sync.Mutex
)

// Engine returns the singleton engine metrics registry.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{ServiceName: "paycadence"})
}

// EngineWithConfig builds the singleton with explicit constant labels. The
// first caller wins; later configs are ignored.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsMu.Lock()
	defer engineMetricsMu.Unlock()
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(cfg)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest clears the singleton so tests can install a
// fresh registry.
func ResetEngineMetricsForTest() {
	engineMetricsMu.Lock()
	defer engineMetricsMu.Unlock()
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

func newEngineMetrics(cfg Config) *EngineMetrics {
	constLabels := prometheus.Labels{
		"service": cfg.ServiceName,
		"env":     cfg.Environment,
	}

	return &EngineMetrics{
		dispatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "paycadence_dispatches_total",
			Help:        "Payment dispatches by discovery source and terminal outcome.",
			ConstLabels: constLabels,
		}, []string{"source", "outcome"}),
		dispatchDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "paycadence_dispatches_dropped_total",
			Help:        "Schedule entries dropped before execution.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		preflightRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "paycadence_preflight_rejections_total",
			Help:        "Preflight NO-GO decisions by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		scanRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "paycadence_scan_runs_total",
			Help:        "Due-payment scan ticks executed.",
			ConstLabels: constLabels,
		}),
		scanErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "paycadence_scan_errors_total",
			Help:        "Due-payment scan ticks that failed to read the ledger.",
			ConstLabels: constLabels,
		}),
		scanDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "paycadence_scan_duration_seconds",
			Help:        "Duration of due-payment scan ticks.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),
		confirmWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "paycadence_confirm_wait_seconds",
			Help:        "Time spent waiting for transaction confirmation.",
			Buckets:     []float64{1, 5, 15, 30, 60, 120, 300, 600},
			ConstLabels: constLabels,
		}),
		inFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "paycadence_in_flight_payments",
			Help:        "Payments currently dispatched and unresolved.",
			ConstLabels: constLabels,
		}),
		triggerTimers: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "paycadence_trigger_timers_total",
			Help:        "Event-trigger timer operations.",
			ConstLabels: constLabels,
		}, []string{"op"}),
		pendingResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "paycadence_pending_resolved_total",
			Help:        "Indeterminate payments settled by receipt polling.",
			ConstLabels: constLabels,
		}, []string{"result"}),
	}
}

func (m *EngineMetrics) IncDispatch(source, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(source, outcome).Inc()
}

func (m *EngineMetrics) IncDispatchDropped(reason string) {
	if m == nil {
		return
	}
	m.dispatchDropped.WithLabelValues(reason).Inc()
}

func (m *EngineMetrics) IncPreflightRejection(reason string) {
	if m == nil {
		return
	}
	m.preflightRejections.WithLabelValues(reason).Inc()
}

func (m *EngineMetrics) IncScanRun() {
	if m == nil {
		return
	}
	m.scanRuns.Inc()
}

func (m *EngineMetrics) IncScanError() {
	if m == nil {
		return
	}
	m.scanErrors.Inc()
}

func (m *EngineMetrics) ObserveScanDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(d.Seconds())
}

func (m *EngineMetrics) ObserveConfirmWait(d time.Duration) {
	if m == nil {
		return
	}
	m.confirmWait.Observe(d.Seconds())
}

func (m *EngineMetrics) IncInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *EngineMetrics) DecInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *EngineMetrics) IncTriggerTimer(op string) {
	if m == nil {
		return
	}
	m.triggerTimers.WithLabelValues(op).Inc()
}

func (m *EngineMetrics) IncPendingResolved(result string) {
	if m == nil {
		return
	}
	m.pendingResolved.WithLabelValues(result).Inc()
}
