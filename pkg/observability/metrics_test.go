package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates and registers all metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		if metrics == nil {
			t.Fatal("NewMetrics returned nil")
		}

		// Verify HTTP metrics are initialized
		if metrics.HTTPRequestsTotal == nil {
			t.Error("HTTPRequestsTotal is nil")
		}
		if metrics.HTTPRequestDuration == nil {
			t.Error("HTTPRequestDuration is nil")
		}
		if metrics.HTTPRequestSize == nil {
			t.Error("HTTPRequestSize is nil")
		}
		if metrics.HTTPResponseSize == nil {
			t.Error("HTTPResponseSize is nil")
		}

		// Verify gateway metrics are initialized
		if metrics.GatewayRequestsTotal == nil {
			t.Error("GatewayRequestsTotal is nil")
		}
		if metrics.GatewayRequestDuration == nil {
			t.Error("GatewayRequestDuration is nil")
		}
		if metrics.GatewayTokenRefreshes == nil {
			t.Error("GatewayTokenRefreshes is nil")
		}

		// Verify billing metrics are initialized
		if metrics.ChargesCreatedTotal == nil {
			t.Error("ChargesCreatedTotal is nil")
		}
		if metrics.PaymentsConfirmedTotal == nil {
			t.Error("PaymentsConfirmedTotal is nil")
		}
		if metrics.ChargesCancelledTotal == nil {
			t.Error("ChargesCancelledTotal is nil")
		}
		if metrics.RenewalsGeneratedTotal == nil {
			t.Error("RenewalsGeneratedTotal is nil")
		}
		if metrics.SubscriptionsSuspended == nil {
			t.Error("SubscriptionsSuspended is nil")
		}

		// Verify payout metrics are initialized
		if metrics.PayoutsTotal == nil {
			t.Error("PayoutsTotal is nil")
		}
		if metrics.PayoutAmountTotal == nil {
			t.Error("PayoutAmountTotal is nil")
		}
		if metrics.KeyValidationsTotal == nil {
			t.Error("KeyValidationsTotal is nil")
		}

		// Verify cache metrics are initialized
		if metrics.CacheHitsTotal == nil {
			t.Error("CacheHitsTotal is nil")
		}
		if metrics.CacheMissesTotal == nil {
			t.Error("CacheMissesTotal is nil")
		}
		if metrics.CacheEvictionsTotal == nil {
			t.Error("CacheEvictionsTotal is nil")
		}

		// Verify database metrics are initialized
		if metrics.DBConnectionsActive == nil {
			t.Error("DBConnectionsActive is nil")
		}
		if metrics.DBConnectionsIdle == nil {
			t.Error("DBConnectionsIdle is nil")
		}
		if metrics.DBConnectionsWaitCount == nil {
			t.Error("DBConnectionsWaitCount is nil")
		}
		if metrics.DBConnectionsWaitDuration == nil {
			t.Error("DBConnectionsWaitDuration is nil")
		}

		// Verify Redis metrics are initialized
		if metrics.RedisConnectionsActive == nil {
			t.Error("RedisConnectionsActive is nil")
		}
		if metrics.RedisCommandsTotal == nil {
			t.Error("RedisCommandsTotal is nil")
		}
		if metrics.RedisCommandDuration == nil {
			t.Error("RedisCommandDuration is nil")
		}

		// Verify business metrics are initialized
		if metrics.SubscriptionsActive == nil {
			t.Error("SubscriptionsActive is nil")
		}
		if metrics.RidersEnabled == nil {
			t.Error("RidersEnabled is nil")
		}
		if metrics.DriversTotal == nil {
			t.Error("DriversTotal is nil")
		}
	})

	t.Run("metrics are registered with registry", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		// Initialize some metrics to make them appear in Gather()
		metrics.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Add(0)
		metrics.ChargesCreatedTotal.WithLabelValues("activation").Add(0)
		metrics.PaymentsConfirmedTotal.WithLabelValues("confirmed").Add(0)
		metrics.PayoutsTotal.WithLabelValues("succeeded").Add(0)
		metrics.GatewayRequestsTotal.WithLabelValues("pix", "create_charge", "201").Add(0)
		metrics.DBConnectionsActive.Set(0)
		metrics.SubscriptionsActive.Set(0)

		// Gather metrics from registry to verify registration
		families, err := registry.Gather()
		if err != nil {
			t.Fatalf("Failed to gather metrics: %v", err)
		}

		if len(families) == 0 {
			t.Error("No metrics registered in registry")
		}

		// Verify some key metrics are present
		metricNames := make(map[string]bool)
		for _, family := range families {
			metricNames[family.GetName()] = true
		}

		expectedMetrics := []string{
			"kombina_http_requests_total",
			"kombina_charges_created_total",
			"kombina_payments_confirmed_total",
			"kombina_payouts_total",
			"kombina_gateway_requests_total",
			"kombina_db_connections_active",
			"kombina_subscriptions_active",
		}

		for _, name := range expectedMetrics {
			if !metricNames[name] {
				t.Errorf("Expected metric %s not found in registry", name)
			}
		}
	})

	t.Run("panics on duplicate registration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		NewMetrics(registry)

		// Attempting to register again should panic
		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic on duplicate registration, but didn't panic")
			}
		}()

		NewMetrics(registry)
	})
}

func TestMetrics_BillingMetrics(t *testing.T) {
	t.Run("increment charges created counter", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.ChargesCreatedTotal.WithLabelValues("activation").Inc()
		metrics.ChargesCreatedTotal.WithLabelValues("renewal").Inc()
		metrics.ChargesCreatedTotal.WithLabelValues("renewal").Inc()

		expected := `
# HELP kombina_charges_created_total Total number of charges created
# TYPE kombina_charges_created_total counter
kombina_charges_created_total{billing_type="activation"} 1
kombina_charges_created_total{billing_type="renewal"} 2
`
		if err := testutil.CollectAndCompare(metrics.ChargesCreatedTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected metric value: %v", err)
		}
	})

	t.Run("payment confirmations split by result", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.PaymentsConfirmedTotal.WithLabelValues("confirmed").Inc()
		metrics.PaymentsConfirmedTotal.WithLabelValues("duplicate").Inc()

		count := testutil.CollectAndCount(metrics.PaymentsConfirmedTotal)
		if count != 2 {
			t.Errorf("Expected 2 metrics, got %d", count)
		}
	})

	t.Run("payouts counted by final status", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.PayoutsTotal.WithLabelValues("succeeded").Inc()
		metrics.PayoutsTotal.WithLabelValues("failed").Inc()
		metrics.PayoutsTotal.WithLabelValues("pending_retry").Inc()

		count := testutil.CollectAndCount(metrics.PayoutsTotal)
		if count != 3 {
			t.Errorf("Expected 3 metrics, got %d", count)
		}
	})
}

func TestMetrics_ObserveGatewayRequest(t *testing.T) {
	t.Run("records counter and duration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.ObserveGatewayRequest("pix", "create_charge", 201, 150*time.Millisecond)
		metrics.ObserveGatewayRequest("pix", "create_charge", 201, 80*time.Millisecond)

		expected := `
# HELP kombina_gateway_requests_total Total number of payment gateway API calls
# TYPE kombina_gateway_requests_total counter
kombina_gateway_requests_total{operation="create_charge",provider="pix",status="201"} 2
`
		if err := testutil.CollectAndCompare(metrics.GatewayRequestsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected counter value: %v", err)
		}

		count := testutil.CollectAndCount(metrics.GatewayRequestDuration)
		if count != 1 {
			t.Errorf("Expected 1 duration metric family, got %d", count)
		}
	})

	t.Run("zero status marks unreachable provider", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.ObserveGatewayRequest("pix", "send_transfer", 0, time.Second)

		expected := `
# HELP kombina_gateway_requests_total Total number of payment gateway API calls
# TYPE kombina_gateway_requests_total counter
kombina_gateway_requests_total{operation="send_transfer",provider="pix",status="0"} 1
`
		if err := testutil.CollectAndCompare(metrics.GatewayRequestsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected counter value: %v", err)
		}
	})
}

func TestResponseWriter(t *testing.T) {
	t.Run("captures status code", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		rw := &responseWriter{
			ResponseWriter: recorder,
			statusCode:     http.StatusOK,
		}

		rw.WriteHeader(http.StatusCreated)

		if rw.statusCode != http.StatusCreated {
			t.Errorf("Expected status code %d, got %d", http.StatusCreated, rw.statusCode)
		}
	})

	t.Run("captures bytes written", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		rw := &responseWriter{
			ResponseWriter: recorder,
			statusCode:     http.StatusOK,
		}

		rw.Write([]byte("Hello, "))
		rw.Write([]byte("World!"))

		expected := len("Hello, ") + len("World!")
		if rw.bytesWritten != expected {
			t.Errorf("Expected %d bytes written, got %d", expected, rw.bytesWritten)
		}
	})

	t.Run("defaults to 200 status code", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		rw := &responseWriter{
			ResponseWriter: recorder,
			statusCode:     http.StatusOK,
		}

		// Write without calling WriteHeader
		rw.Write([]byte("test"))

		if rw.statusCode != http.StatusOK {
			t.Errorf("Expected default status code %d, got %d", http.StatusOK, rw.statusCode)
		}
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	t.Run("records HTTP metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})

		middleware := HTTPMetricsMiddleware(metrics)
		wrappedHandler := middleware(handler)

		req := httptest.NewRequest("GET", "/test", nil)
		rec := httptest.NewRecorder()

		wrappedHandler.ServeHTTP(rec, req)

		// Verify counter was incremented
		expected := `
# HELP kombina_http_requests_total Total number of HTTP requests
# TYPE kombina_http_requests_total counter
kombina_http_requests_total{method="GET",path="/test",status="200"} 1
`
		if err := testutil.CollectAndCompare(metrics.HTTPRequestsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected counter value: %v", err)
		}

		// Verify duration was recorded
		count := testutil.CollectAndCount(metrics.HTTPRequestDuration)
		if count != 1 {
			t.Errorf("Expected 1 duration metric, got %d", count)
		}

		// Verify response size was recorded
		count = testutil.CollectAndCount(metrics.HTTPResponseSize)
		if count != 1 {
			t.Errorf("Expected 1 response size metric, got %d", count)
		}
	})

	t.Run("records different status codes", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		testCases := []struct {
			statusCode int
			path       string
		}{
			{http.StatusOK, "/ok"},
			{http.StatusNotFound, "/notfound"},
			{http.StatusInternalServerError, "/error"},
		}

		middleware := HTTPMetricsMiddleware(metrics)

		for _, tc := range testCases {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
			})

			wrappedHandler := middleware(handler)
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()

			wrappedHandler.ServeHTTP(rec, req)
		}

		// Verify all status codes were recorded
		count := testutil.CollectAndCount(metrics.HTTPRequestsTotal)
		if count != 3 {
			t.Errorf("Expected 3 metrics, got %d", count)
		}
	})

	t.Run("records request size with content length", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		middleware := HTTPMetricsMiddleware(metrics)
		wrappedHandler := middleware(handler)

		body := strings.NewReader(`{"externalTransactionId":"abc123"}`)
		req := httptest.NewRequest("POST", "/webhooks/payments", body)
		req.ContentLength = int64(body.Len())
		rec := httptest.NewRecorder()

		wrappedHandler.ServeHTTP(rec, req)

		// Verify request size was recorded
		count := testutil.CollectAndCount(metrics.HTTPRequestSize)
		if count != 1 {
			t.Errorf("Expected 1 request size metric, got %d", count)
		}
	})

	t.Run("skips request size when content length is 0", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		middleware := HTTPMetricsMiddleware(metrics)
		wrappedHandler := middleware(handler)

		req := httptest.NewRequest("GET", "/test", nil)
		rec := httptest.NewRecorder()

		wrappedHandler.ServeHTTP(rec, req)

		// Request size should not be recorded for GET without body
		count := testutil.CollectAndCount(metrics.HTTPRequestSize)
		if count != 0 {
			t.Errorf("Expected 0 request size metrics, got %d", count)
		}
	})

	t.Run("handles multiple requests", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		middleware := HTTPMetricsMiddleware(metrics)
		wrappedHandler := middleware(handler)

		for i := 0; i < 5; i++ {
			req := httptest.NewRequest("GET", "/test", nil)
			rec := httptest.NewRecorder()
			wrappedHandler.ServeHTTP(rec, req)
		}

		expected := `
# HELP kombina_http_requests_total Total number of HTTP requests
# TYPE kombina_http_requests_total counter
kombina_http_requests_total{method="GET",path="/test",status="200"} 5
`
		if err := testutil.CollectAndCompare(metrics.HTTPRequestsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected counter value: %v", err)
		}
	})
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	t.Run("registers metrics endpoint", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		// Set some metric values
		metrics.SubscriptionsActive.Set(42)
		metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api", "200").Inc()

		mux := http.NewServeMux()
		RegisterMetricsEndpoint(mux, registry)

		req := httptest.NewRequest("GET", "/metrics", nil)
		rec := httptest.NewRecorder()

		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("Expected status code %d, got %d", http.StatusOK, rec.Code)
		}

		body := rec.Body.String()

		// Verify metrics are exposed
		if !strings.Contains(body, "kombina_subscriptions_active") {
			t.Error("Expected kombina_subscriptions_active in metrics output")
		}

		if !strings.Contains(body, "kombina_subscriptions_active 42") {
			t.Error("Expected kombina_subscriptions_active value to be 42")
		}

		if !strings.Contains(body, "kombina_http_requests_total") {
			t.Error("Expected kombina_http_requests_total in metrics output")
		}
	})
}
