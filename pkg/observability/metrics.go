package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Gateway metrics
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec
	GatewayTokenRefreshes  prometheus.Counter

	// Billing metrics
	ChargesCreatedTotal    *prometheus.CounterVec
	PaymentsConfirmedTotal *prometheus.CounterVec
	ChargesCancelledTotal  *prometheus.CounterVec
	RenewalsGeneratedTotal prometheus.Counter
	SubscriptionsSuspended prometheus.Counter

	// Payout metrics
	PayoutsTotal        *prometheus.CounterVec
	PayoutAmountTotal   *prometheus.CounterVec
	KeyValidationsTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Redis metrics
	RedisConnectionsActive prometheus.Gauge
	RedisCommandsTotal     *prometheus.CounterVec
	RedisCommandDuration   *prometheus.HistogramVec

	// Business metrics
	SubscriptionsActive prometheus.Gauge
	RidersEnabled       prometheus.Gauge
	DriversTotal        prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kombina_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kombina_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kombina_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kombina_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Gateway metrics
		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kombina_gateway_requests_total",
				Help: "Total number of payment gateway API calls",
			},
			[]string{"provider", "operation", "status"},
		),
		GatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kombina_gateway_request_duration_seconds",
				Help:    "Payment gateway API call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"provider", "operation"},
		),
		GatewayTokenRefreshes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kombina_gateway_token_refreshes_total",
				Help: "Total number of gateway OAuth token refreshes",
			},
		),

		// Billing metrics
		ChargesCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kombina_charges_created_total",
				Help: "Total number of charges created",
			},
			[]string{"billing_type"},
		),
		PaymentsConfirmedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kombina_payments_confirmed_total",
				Help: "Total number of payment confirmations processed",
			},
			[]string{"result"},
		),
		ChargesCancelledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kombina_charges_cancelled_total",
				Help: "Total number of pending charges cancelled",
			},
			[]string{"reason"},
		),
		RenewalsGeneratedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kombina_renewals_generated_total",
				Help: "Total number of renewal charges generated",
			},
		),
		SubscriptionsSuspended: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kombina_subscriptions_suspended_total",
				Help: "Total number of subscriptions suspended for overdue payment",
			},
		),

		// Payout metrics
		PayoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kombina_payouts_total",
				Help: "Total number of payout transactions by final status",
			},
			[]string{"status"},
		),
		PayoutAmountTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kombina_payout_amount_total",
				Help: "Total amount transferred to drivers",
			},
			[]string{"status"},
		),
		KeyValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kombina_key_validations_total",
				Help: "Total number of PIX key validations by outcome",
			},
			[]string{"outcome"},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kombina_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kombina_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),
		CacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kombina_cache_evictions_total",
				Help: "Total number of cache evictions",
			},
			[]string{"cache_type", "reason"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kombina_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kombina_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kombina_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kombina_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		// Redis metrics
		RedisConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kombina_redis_connections_active",
				Help: "Number of active Redis connections",
			},
		),
		RedisCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kombina_redis_commands_total",
				Help: "Total number of Redis commands",
			},
			[]string{"command", "status"},
		),
		RedisCommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kombina_redis_command_duration_seconds",
				Help:    "Redis command duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"command"},
		),

		// Business metrics
		SubscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kombina_subscriptions_active",
				Help: "Number of active subscriptions",
			},
		),
		RidersEnabled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kombina_riders_enabled",
				Help: "Number of billing-enabled riders",
			},
		),
		DriversTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kombina_drivers_total",
				Help: "Total number of registered drivers",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
		m.GatewayTokenRefreshes,
		m.ChargesCreatedTotal,
		m.PaymentsConfirmedTotal,
		m.ChargesCancelledTotal,
		m.RenewalsGeneratedTotal,
		m.SubscriptionsSuspended,
		m.PayoutsTotal,
		m.PayoutAmountTotal,
		m.KeyValidationsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheEvictionsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.RedisConnectionsActive,
		m.RedisCommandsTotal,
		m.RedisCommandDuration,
		m.SubscriptionsActive,
		m.RidersEnabled,
		m.DriversTotal,
	)

	return m
}

// ObserveGatewayRequest records one payment gateway API call. A zero status
// means the request never reached the provider.
func (m *Metrics) ObserveGatewayRequest(provider, op string, status int, d time.Duration) {
	m.GatewayRequestsTotal.WithLabelValues(provider, op, strconv.Itoa(status)).Inc()
	m.GatewayRequestDuration.WithLabelValues(provider, op).Observe(d.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Record request size
			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			// Serve the request
			next.ServeHTTP(rw, r)

			// Record metrics
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
