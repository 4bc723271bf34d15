package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailpilot"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions    prometheus.Gauge
	submissionsTotal  *prometheus.CounterVec
	resetsTotal       prometheus.Counter
	staleRepliesTotal prometheus.Counter

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	providerCooldown *prometheus.GaugeVec

	historyArchiveTotal    *prometheus.CounterVec
	historyArchiveDuration prometheus.Histogram
	historyPrunedTotal     prometheus.Counter

	gatewayClients      prometheus.Gauge
	gatewayRequestTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Current chat session count.",
				},
			),
			submissionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "submissions_total",
					Help:      "Submit attempts by outcome (accepted, empty, pending, blocked).",
				},
				[]string{"outcome"},
			),
			resetsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_resets_total",
					Help:      "Total session resets.",
				},
			),
			staleRepliesTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "stale_replies_total",
					Help:      "Dispatch results discarded because the session generation moved on.",
				},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dispatch_total",
					Help:      "Total backend dispatches by backend and status.",
				},
				[]string{"backend", "status"},
			),
			dispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "dispatch_duration_seconds",
					Help:      "Backend dispatch duration in seconds by backend.",
					Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
				},
				[]string{"backend"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_cooldown_active",
					Help:      "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"profile"},
			),
			historyArchiveTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "history_archive_total",
					Help:      "Transcripts archived by store and status.",
				},
				[]string{"store", "status"},
			),
			historyArchiveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "history_archive_duration_seconds",
					Help:      "Transcript archive duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			historyPrunedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "history_pruned_total",
					Help:      "Transcripts removed by retention cleanup.",
				},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "gateway_clients",
					Help:      "Connected websocket clients.",
				},
			),
			gatewayRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gateway_requests_total",
					Help:      "Gateway RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.submissionsTotal,
			m.resetsTotal,
			m.staleRepliesTotal,
			m.dispatchTotal,
			m.dispatchDuration,
			m.providerCooldown,
			m.historyArchiveTotal,
			m.historyArchiveDuration,
			m.historyPrunedTotal,
			m.gatewayClients,
			m.gatewayRequestTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// ForgetQueueLane drops the per-lane series once a lane is closed, so
// short-lived session lanes do not accumulate label values.
func ForgetQueueLane(lane string) {
	m := getMetrics()
	m.queueSize.DeleteLabelValues(lane)
	m.enqueueTotal.DeleteLabelValues(lane)
	m.taskDuration.DeleteLabelValues(lane)
	m.dequeueTotal.DeleteLabelValues(lane, "success")
	m.dequeueTotal.DeleteLabelValues(lane, "error")
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSubmission(outcome string) {
	getMetrics().submissionsTotal.WithLabelValues(outcome).Inc()
}

func RecordReset() {
	getMetrics().resetsTotal.Inc()
}

func RecordStaleReply() {
	getMetrics().staleRepliesTotal.Inc()
}

func RecordDispatch(backend string, duration time.Duration, success bool) {
	m := getMetrics()
	m.dispatchTotal.WithLabelValues(backend, statusLabel(success)).Inc()
	m.dispatchDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func SetProviderCooldown(profile string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(profile).Set(value)
}

func RecordHistoryArchive(store string, duration time.Duration, success bool) {
	m := getMetrics()
	m.historyArchiveTotal.WithLabelValues(store, statusLabel(success)).Inc()
	m.historyArchiveDuration.Observe(duration.Seconds())
}

func RecordHistoryPruned(count int) {
	getMetrics().historyPrunedTotal.Add(float64(count))
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}

func RecordGatewayRequest(method string, success bool) {
	getMetrics().gatewayRequestTotal.WithLabelValues(method, statusLabel(success)).Inc()
}
