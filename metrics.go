package netsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Zereker/netsync/wire"
)

// Reasons a received snapshot was not applied, used as a metric label.
const (
	dropStale        = "stale"
	dropUnauthorized = "unauthorized"
	dropUnknown      = "unknown"
	dropOrphaned     = "orphaned"
)

// Metrics holds the Prometheus collectors for a host or client. A nil
// *Metrics records nothing.
type Metrics struct {
	framesSent       *prometheus.CounterVec
	framesReceived   *prometheus.CounterVec
	bytesSent        prometheus.Counter
	decodeErrors     prometheus.Counter
	sendDropped      prometheus.Counter
	snapshotsApplied prometheus.Counter
	snapshotsDropped *prometheus.CounterVec
	activePeers      prometheus.Gauge
	resourceRequests prometheus.Counter
	resourceBytes    prometheus.Counter
	transferFailures prometheus.Counter
	tickDuration     prometheus.Histogram
}

// NewMetrics registers the collectors with reg under namespace. If reg is
// nil a private registry is used, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "netsync"
	}
	factory := promauto.With(reg)

	return &Metrics{
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to peers, by message type.",
		}, []string{"type"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from peers, by message type.",
		}, []string{"type"}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to peers including frame headers.",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frames discarded because they could not be decoded.",
		}),
		sendDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_dropped_total",
			Help:      "Outbound frames dropped because the send queue was full.",
		}),
		snapshotsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_applied_total",
			Help:      "Remote entity snapshots merged into the world view.",
		}),
		snapshotsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_dropped_total",
			Help:      "Remote entity snapshots not applied, by reason.",
		}, []string{"reason"}),
		activePeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_peers",
			Help:      "Peers that finished negotiating and joined the session.",
		}),
		resourceRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_requests_total",
			Help:      "Resource requests served or issued during negotiation.",
		}),
		resourceBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_bytes_total",
			Help:      "Resource chunk bytes transferred.",
		}),
		transferFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_failures_total",
			Help:      "Resource transfers aborted before completion.",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one synchronization tick.",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05},
		}),
	}
}

func (m *Metrics) frameSent(tag wire.Tag, n int) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(tag.String()).Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) frameReceived(tag wire.Tag) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(tag.String()).Inc()
}

func (m *Metrics) decodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) sendDrop() {
	if m == nil {
		return
	}
	m.sendDropped.Inc()
}

func (m *Metrics) applied(n int) {
	if m == nil || n == 0 {
		return
	}
	m.snapshotsApplied.Add(float64(n))
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.snapshotsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) peers(n int) {
	if m == nil {
		return
	}
	m.activePeers.Set(float64(n))
}

func (m *Metrics) resourceRequest() {
	if m == nil {
		return
	}
	m.resourceRequests.Inc()
}

func (m *Metrics) resourceChunk(n int) {
	if m == nil {
		return
	}
	m.resourceBytes.Add(float64(n))
}

func (m *Metrics) transferFailed() {
	if m == nil {
		return
	}
	m.transferFailures.Inc()
}

func (m *Metrics) tick(start time.Time) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(time.Since(start).Seconds())
}
