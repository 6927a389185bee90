package prometheus

import (
	"strconv"
	"time"

	"github.com/marmos91/ferment/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// httpMetrics is the Prometheus implementation of metrics.HTTPMetrics.
type httpMetrics struct {
	requestsTotal          *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
	bytesSent              *prometheus.CounterVec
	bytesReceived          prometheus.Counter
	parseErrors            *prometheus.CounterVec
	timeouts               *prometheus.CounterVec
	activeConnections      prometheus.Gauge
	connectionsAccepted    prometheus.Counter
	connectionsClosed      prometheus.Counter
	connectionsReused      prometheus.Counter
	connectionsForceClosed prometheus.Counter
	queueDepth             prometheus.Gauge
}

// NewHTTPMetrics creates a Prometheus-backed HTTPMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewHTTPMetrics() metrics.HTTPMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopHTTPMetrics()
	}

	reg := metrics.GetRegistry()
	factory := promauto.With(reg)

	return &httpMetrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ferment_http_requests_total",
				Help: "Total number of HTTP requests by method and status code",
			},
			[]string{"method", "code"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "ferment_http_request_duration_seconds",
				Help: "Time from a complete request head to the end of the response",
				Buckets: []float64{
					0.0005, // 500us
					0.001,  // 1ms
					0.005,  // 5ms
					0.025,  // 25ms
					0.1,    // 100ms
					0.5,    // 500ms
					2.5,    // 2.5s
					10,     // 10s
				},
			},
			[]string{"method"},
		),
		bytesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ferment_http_bytes_sent_total",
				Help: "Response bytes written to sockets, by write path",
			},
			[]string{"path"},
		),
		bytesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ferment_http_bytes_received_total",
				Help: "Request bytes read from sockets",
			},
		),
		parseErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ferment_http_parse_errors_total",
				Help: "Requests rejected by the parser, by status code sent",
			},
			[]string{"code"},
		),
		timeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ferment_http_timeouts_total",
				Help: "Connections closed by a timer, by kind",
			},
			[]string{"kind"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ferment_http_active_connections",
				Help: "Current number of open HTTP connections",
			},
		),
		connectionsAccepted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ferment_http_connections_accepted_total",
				Help: "Total number of HTTP connections accepted",
			},
		),
		connectionsClosed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ferment_http_connections_closed_total",
				Help: "Total number of HTTP connections closed",
			},
		),
		connectionsReused: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ferment_http_connections_reused_total",
				Help: "Responses after which the connection was kept alive",
			},
		),
		connectionsForceClosed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ferment_http_connections_force_closed_total",
				Help: "Connections force-closed when the shutdown timeout expired",
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ferment_http_queue_depth",
				Help: "Connections and requests waiting for a worker",
			},
		),
	}
}

func (m *httpMetrics) RecordRequest(method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *httpMetrics) RecordBytesSent(path string, bytes int64) {
	m.bytesSent.WithLabelValues(path).Add(float64(bytes))
}

func (m *httpMetrics) RecordBytesReceived(bytes int64) {
	m.bytesReceived.Add(float64(bytes))
}

func (m *httpMetrics) RecordParseError(status int) {
	m.parseErrors.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *httpMetrics) RecordTimeout(kind string) {
	m.timeouts.WithLabelValues(kind).Inc()
}

func (m *httpMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *httpMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *httpMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *httpMetrics) RecordConnectionReused() {
	m.connectionsReused.Inc()
}

func (m *httpMetrics) RecordConnectionForceClosed() {
	m.connectionsForceClosed.Inc()
}

func (m *httpMetrics) SetQueueDepth(depth int64) {
	m.queueDepth.Set(float64(depth))
}
