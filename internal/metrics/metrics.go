// Package metrics provides the ambient Prometheus metrics surface for a
// Chaski-Confluent node: edge lifecycle, reconnect attempts, streaming
// backpressure, file-transfer throughput, and CA issuance/revocation
// counts. Grounded on the donor's internal/rpc/metrics.go and
// internal/shell/metrics.go struct-plus-Record* shape, generalized from a
// single-concern metrics file to one covering every component (C2-C9).
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chaski"

// Metrics holds every Prometheus collector a node emits (spec §9 Design
// Notes: "observability surface carried as part of the ambient stack").
type Metrics struct {
	EdgesConnected    prometheus.Gauge
	EdgesTotal        prometheus.Counter
	EdgeDisconnects   *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	HandshakeFailures prometheus.Counter
	KeepaliveRTT      prometheus.Histogram

	QueueOverflowTotal *prometheus.CounterVec
	DiscoveryMessages  prometheus.Counter
	PairingsActive     prometheus.Gauge

	ChunksSentTotal     prometheus.Counter
	ChunksReceivedTotal prometheus.Counter
	BytesSentTotal      prometheus.Counter
	BytesReceivedTotal  prometheus.Counter
	TransfersFailed     *prometheus.CounterVec

	CACertsIssuedTotal  prometheus.Counter
	CACertsRevokedTotal prometheus.Counter

	ProxyCallsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default returns the process-wide metrics instance, backed by its own
// registry so importing this package never collides with another
// process-wide Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.NewRegistry())
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a Metrics instance registered against reg,
// so tests can use an isolated registry instead of the process-wide one.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EdgesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "edges_connected",
			Help: "Number of currently connected edges",
		}),
		EdgesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "edges_total",
			Help: "Total number of edges ever established",
		}),
		EdgeDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "edge_disconnects_total",
			Help: "Total edge disconnections by reason",
		}, []string{"reason"}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_attempts_total",
			Help: "Total reconnect attempts scheduled by the reconnect budget",
		}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshake_failures_total",
			Help: "Total handshake failures on dial or accept",
		}),
		KeepaliveRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "keepalive_rtt_seconds",
			Help:    "Observed keepalive round-trip time",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),

		QueueOverflowTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_overflow_total",
			Help: "Total delivery-queue overflow drops by topic",
		}, []string{"topic"}),
		DiscoveryMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "discovery_messages_total",
			Help: "Total discovery gossip envelopes processed",
		}),
		PairingsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pairings_active",
			Help: "Number of currently paired (topic, peer) relationships",
		}),

		ChunksSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunks_sent_total",
			Help: "Total file chunks sent",
		}),
		ChunksReceivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunks_received_total",
			Help: "Total file chunks received",
		}),
		BytesSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "file_bytes_sent_total",
			Help: "Total file-transfer bytes sent",
		}),
		BytesReceivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "file_bytes_received_total",
			Help: "Total file-transfer bytes received",
		}),
		TransfersFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "file_transfers_failed_total",
			Help: "Total file transfers that failed, by reason",
		}, []string{"reason"}),

		CACertsIssuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ca_certs_issued_total",
			Help: "Total certificates issued by the embedded CA",
		}),
		CACertsRevokedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ca_certs_revoked_total",
			Help: "Total certificates revoked by the embedded CA",
		}),

		ProxyCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "proxy_calls_total",
			Help: "Total proxy_call requests served, by result",
		}, []string{"result"}),
	}
}

// RecordEdgeConnect records a new edge and increments the connected gauge.
func (m *Metrics) RecordEdgeConnect() {
	m.EdgesTotal.Inc()
	m.EdgesConnected.Inc()
}

// RecordEdgeDisconnect decrements the connected gauge and records reason.
func (m *Metrics) RecordEdgeDisconnect(reason string) {
	m.EdgesConnected.Dec()
	m.EdgeDisconnects.WithLabelValues(reason).Inc()
}

// RecordReconnectAttempt records one reconnect attempt being scheduled.
func (m *Metrics) RecordReconnectAttempt() {
	m.ReconnectAttempts.Inc()
}

// RecordHandshakeFailure records a failed handshake on dial or accept.
func (m *Metrics) RecordHandshakeFailure() {
	m.HandshakeFailures.Inc()
}

// ObserveKeepaliveRTT records a measured keepalive round-trip time.
func (m *Metrics) ObserveKeepaliveRTT(seconds float64) {
	m.KeepaliveRTT.Observe(seconds)
}

// RecordQueueOverflow records a dropped delivery for topic.
func (m *Metrics) RecordQueueOverflow(topic string) {
	m.QueueOverflowTotal.WithLabelValues(topic).Inc()
}

// RecordDiscoveryMessage records one gossip envelope processed.
func (m *Metrics) RecordDiscoveryMessage() {
	m.DiscoveryMessages.Inc()
}

// SetPairingsActive sets the current paired-relationship count.
func (m *Metrics) SetPairingsActive(n int) {
	m.PairingsActive.Set(float64(n))
}

// RecordChunkSent records one outbound file chunk of size bytes.
func (m *Metrics) RecordChunkSent(size int) {
	m.ChunksSentTotal.Inc()
	m.BytesSentTotal.Add(float64(size))
}

// RecordChunkReceived records one inbound file chunk of size bytes.
func (m *Metrics) RecordChunkReceived(size int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesReceivedTotal.Add(float64(size))
}

// RecordTransferFailed records a failed file transfer, by reason.
func (m *Metrics) RecordTransferFailed(reason string) {
	m.TransfersFailed.WithLabelValues(reason).Inc()
}

// RecordCertIssued records one certificate issued by the embedded CA.
func (m *Metrics) RecordCertIssued() {
	m.CACertsIssuedTotal.Inc()
}

// RecordCertRevoked records one certificate revoked by the embedded CA.
func (m *Metrics) RecordCertRevoked() {
	m.CACertsRevokedTotal.Inc()
}

// RecordProxyCall records one served proxy_call, by result
// ("ok", "busy", "forbidden", "auth", "error").
func (m *Metrics) RecordProxyCall(result string) {
	m.ProxyCallsTotal.WithLabelValues(result).Inc()
}

// Handler returns an http.Handler serving this instance's registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
