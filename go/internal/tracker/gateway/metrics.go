package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector defines the interface for collecting feed metrics
type MetricsCollector interface {
	SessionOpened()
	SessionClosed(reason CloseReason)
	SnapshotGenerated()
	SnapshotDelivered()
	SendFailed(kind ErrorKind)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) SessionOpened()                   {}
func (n *NoOpMetricsCollector) SessionClosed(reason CloseReason) {}
func (n *NoOpMetricsCollector) SnapshotGenerated()               {}
func (n *NoOpMetricsCollector) SnapshotDelivered()               {}
func (n *NoOpMetricsCollector) SendFailed(kind ErrorKind)        {}

// PrometheusMetrics implements MetricsCollector using Prometheus
type PrometheusMetrics struct {
	sessionsActive     prometheus.Gauge
	sessionsTotal      prometheus.Counter
	sessionsClosed     *prometheus.CounterVec
	snapshotsGenerated prometheus.Counter
	snapshotsDelivered prometheus.Counter
	sendFailures       *prometheus.CounterVec
}

// NewPrometheusMetrics registers the feed's collectors with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_sessions_active",
			Help: "Number of connected tracker sessions.",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sessions_total",
			Help: "Total number of tracker sessions started.",
		}),
		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_sessions_closed_total",
			Help: "Total number of tracker sessions closed, by reason.",
		}, []string{"reason"}),
		snapshotsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracker_snapshots_generated_total",
			Help: "Total number of item count snapshots generated.",
		}),
		snapshotsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracker_snapshots_delivered_total",
			Help: "Total number of item count snapshots written to a connection.",
		}),
		sendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_send_failures_total",
			Help: "Total number of failed ticks, by error kind.",
		}, []string{"kind"}),
	}
}

func (m *PrometheusMetrics) SessionOpened() {
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *PrometheusMetrics) SessionClosed(reason CloseReason) {
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(string(reason)).Inc()
}

func (m *PrometheusMetrics) SnapshotGenerated() {
	m.snapshotsGenerated.Inc()
}

func (m *PrometheusMetrics) SnapshotDelivered() {
	m.snapshotsDelivered.Inc()
}

func (m *PrometheusMetrics) SendFailed(kind ErrorKind) {
	m.sendFailures.WithLabelValues(kind.String()).Inc()
}
