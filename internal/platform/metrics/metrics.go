package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Order filler metrics
	messagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hl7_messages_received_total",
			Help: "Total number of inbound HL7 messages by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	accessionsGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accessions_generated_total",
			Help: "Total number of auto-generated accession numbers",
		},
	)

	reconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_duration_seconds",
			Help:    "Duration of a single reconciliation unit of work",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	mllpConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mllp_connections_open",
			Help: "Number of currently open MLLP connections",
		},
	)
)

// Handler returns the Prometheus metrics endpoint handler wrapped for echo.
func Handler() echo.HandlerFunc {
	h := promhttp.Handler()
	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// Middleware records request counts and latencies per route.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			// Route pattern, not the raw URL, to keep cardinality bounded.
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			status := c.Response().Status

			httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// RecordMessage records one inbound HL7 message outcome.
// Transport is "http" or "mllp"; outcome is "success" or an error kind.
func RecordMessage(transport, outcome string) {
	messagesReceived.WithLabelValues(transport, outcome).Inc()
}

// RecordAccessionGenerated records one auto-generated accession number.
func RecordAccessionGenerated() {
	accessionsGenerated.Inc()
}

// RecordReconcile records the duration of one reconciliation.
func RecordReconcile(d time.Duration) {
	reconcileDuration.Observe(d.Seconds())
}

// MLLPConnOpened and MLLPConnClosed track the open-connection gauge.
func MLLPConnOpened() { mllpConnections.Inc() }
func MLLPConnClosed() { mllpConnections.Dec() }
