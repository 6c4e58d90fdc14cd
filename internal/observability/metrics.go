package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "delivery_engine"

// Metrics stores Prometheus collectors used by the API and the dispatcher.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	enqueuedTotal       *prometheus.CounterVec
	dispatchRunsTotal   *prometheus.CounterVec
	claimedTotal        prometheus.Counter
	deliveriesTotal     *prometheus.CounterVec
	retriesScheduled    *prometheus.CounterVec
	deadLetteredTotal   *prometheus.CounterVec
	leaseLostTotal      *prometheus.CounterVec
	duplicateRiskTotal  *prometheus.CounterVec
	providerSendSeconds *prometheus.HistogramVec
	queueRequests       *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		enqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_enqueued_total",
				Help:      "Notification requests accepted into the queue by channel.",
			},
			[]string{"channel"},
		),
		dispatchRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_runs_total",
				Help:      "Dispatcher invocations by result.",
			},
			[]string{"result"},
		),
		claimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_claimed_total",
				Help:      "Requests moved from pending to processing.",
			},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Terminal provider responses by channel, provider and outcome.",
			},
			[]string{"channel", "provider", "outcome"},
		),
		retriesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_scheduled_total",
				Help:      "Requests returned to pending after a retryable failure.",
			},
			[]string{"channel"},
		),
		deadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_lettered_total",
				Help:      "Requests moved to dead by channel and cause.",
			},
			[]string{"channel", "cause"},
		),
		leaseLostTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_lost_total",
				Help:      "Completions rejected because the claim lease was no longer held.",
			},
			[]string{"channel"},
		),
		duplicateRiskTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_risk_total",
				Help:      "Successful sends whose status write failed and may be sent again.",
			},
			[]string{"channel"},
		),
		providerSendSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_send_duration_seconds",
				Help:      "Provider send duration in seconds grouped by channel and provider.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel", "provider"},
		),
		queueRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_requests",
				Help:      "Requests per status in the last stats window that was queried.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.enqueuedTotal,
		m.dispatchRunsTotal,
		m.claimedTotal,
		m.deliveriesTotal,
		m.retriesScheduled,
		m.deadLetteredTotal,
		m.leaseLostTotal,
		m.duplicateRiskTotal,
		m.providerSendSeconds,
		m.queueRequests,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncEnqueued(channel string) {
	if m == nil {
		return
	}
	m.enqueuedTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncDispatchRun(result string) {
	if m == nil {
		return
	}
	m.dispatchRunsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) AddClaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.claimedTotal.Add(float64(n))
}

func (m *Metrics) IncDelivery(channel, provider, outcome string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(provider), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncRetryScheduled(channel string) {
	if m == nil {
		return
	}
	m.retriesScheduled.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncDeadLettered(channel, cause string) {
	if m == nil {
		return
	}
	m.deadLetteredTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(cause)).Inc()
}

func (m *Metrics) IncLeaseLost(channel string) {
	if m == nil {
		return
	}
	m.leaseLostTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncDuplicateRisk(channel string) {
	if m == nil {
		return
	}
	m.duplicateRiskTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) ObserveProviderSend(channel, provider string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.providerSendSeconds.WithLabelValues(normalizeLabel(channel), normalizeLabel(provider)).Observe(seconds)
}

func (m *Metrics) SetQueueRequests(status string, count int64) {
	if m == nil {
		return
	}
	m.queueRequests.WithLabelValues(normalizeLabel(status)).Set(float64(count))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
