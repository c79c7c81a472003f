// Package observability provides structured logging, Prometheus metrics,
// health checks, and OpenTelemetry export for the billing service.
//
// # Structured Logging
//
// Loggers emit JSON lines through slog and always carry a service field:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("charge_id", chargeID).Error("payment confirmation failed")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.ChargesCreatedTotal.WithLabelValues("renewal").Inc()
//
// # Health Checks
//
// The checker always pings the database; optional probes (Redis, the
// payment gateway, replica pools) degrade the status instead of failing it:
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	checker.AddProbe("gateway", true, provider.Ping)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		ServiceName: "kombina-api",
//		Endpoint:    "otel-collector:4317",
//	}, logger)
//
// Deployments with OTLP enabled also mirror the gateway and payout counters
// onto the OTel meter through OTelBridge.
package observability
