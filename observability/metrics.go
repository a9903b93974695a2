package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics

	reconcilerMetricsOnce sync.Once
	reconcilerRegistry    *ReconcilerMetrics

	watcherMetricsOnce sync.Once
	watcherRegistry    *WatcherMetrics
)

// GatewayMetrics instruments ledger view and write traffic.
type GatewayMetrics struct {
	calls       *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	submissions *prometheus.CounterVec
}

// Gateway returns the lazily-initialised gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crowdwatch",
				Subsystem: "gateway",
				Name:      "calls_total",
				Help:      "Total ledger view calls segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "crowdwatch",
				Subsystem: "gateway",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for ledger calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crowdwatch",
				Subsystem: "gateway",
				Name:      "submissions_total",
				Help:      "Total write submissions segmented by method and outcome.",
			}, []string{"method", "outcome"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.calls,
			gatewayRegistry.latency,
			gatewayRegistry.submissions,
		)
	})
	return gatewayRegistry
}

// ObserveCall records one view call.
func (m *GatewayMetrics) ObserveCall(method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, outcomeLabel(err)).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveSubmission records one acknowledged or failed write.
func (m *GatewayMetrics) ObserveSubmission(method string, err error) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(method, outcomeLabel(err)).Inc()
}

// ReconcilerMetrics instruments snapshot refresh activity.
type ReconcilerMetrics struct {
	refreshes *prometheus.CounterVec
	coalesced prometheus.Counter
	builds    *prometheus.CounterVec
	discarded prometheus.Counter
}

// Reconciler returns the lazily-initialised reconciler metrics registry.
func Reconciler() *ReconcilerMetrics {
	reconcilerMetricsOnce.Do(func() {
		reconcilerRegistry = &ReconcilerMetrics{
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crowdwatch",
				Subsystem: "reconciler",
				Name:      "refreshes_total",
				Help:      "Refresh requests segmented by trigger.",
			}, []string{"trigger"}),
			coalesced: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "crowdwatch",
				Subsystem: "reconciler",
				Name:      "coalesced_total",
				Help:      "Refresh requests merged into an already pending rebuild.",
			}),
			builds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crowdwatch",
				Subsystem: "reconciler",
				Name:      "builds_total",
				Help:      "Snapshot builds segmented by outcome.",
			}, []string{"outcome"}),
			discarded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "crowdwatch",
				Subsystem: "reconciler",
				Name:      "discarded_total",
				Help:      "Build results discarded because identity or session moved on.",
			}),
		}
		prometheus.MustRegister(
			reconcilerRegistry.refreshes,
			reconcilerRegistry.coalesced,
			reconcilerRegistry.builds,
			reconcilerRegistry.discarded,
		)
	})
	return reconcilerRegistry
}

// ObserveRefresh records one refresh request and whether it merged into a
// pending rebuild instead of starting its own.
func (m *ReconcilerMetrics) ObserveRefresh(trigger string, coalesced bool) {
	if m == nil {
		return
	}
	if trigger == "" {
		trigger = "unknown"
	}
	m.refreshes.WithLabelValues(trigger).Inc()
	if coalesced {
		m.coalesced.Inc()
	}
}

// ObserveBuild records one completed build attempt.
func (m *ReconcilerMetrics) ObserveBuild(err error) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(outcomeLabel(err)).Inc()
}

// ObserveDiscard records a build result that was dropped unpublished.
func (m *ReconcilerMetrics) ObserveDiscard() {
	if m == nil {
		return
	}
	m.discarded.Inc()
}

// WatcherMetrics instruments the notification subscriptions.
type WatcherMetrics struct {
	events       *prometheus.CounterVec
	resubscribes prometheus.Counter
}

// Watcher returns the lazily-initialised watcher metrics registry.
func Watcher() *WatcherMetrics {
	watcherMetricsOnce.Do(func() {
		watcherRegistry = &WatcherMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crowdwatch",
				Subsystem: "watcher",
				Name:      "events_total",
				Help:      "Delivered contract notifications segmented by kind.",
			}, []string{"kind"}),
			resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "crowdwatch",
				Subsystem: "watcher",
				Name:      "resubscribes_total",
				Help:      "Subscriptions re-established after an upstream drop.",
			}),
		}
		prometheus.MustRegister(watcherRegistry.events, watcherRegistry.resubscribes)
	})
	return watcherRegistry
}

// ObserveEvent records one delivered notification.
func (m *WatcherMetrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// ObserveResubscribe records a dropped subscription being re-established.
func (m *WatcherMetrics) ObserveResubscribe() {
	if m == nil {
		return
	}
	m.resubscribes.Inc()
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
