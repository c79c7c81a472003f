package observability

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelBridge mirrors the money-moving counters onto OpenTelemetry
// instruments, so deployments shipping OTLP instead of scraping Prometheus
// still see gateway and payout activity. HTTP server metrics are covered by
// the otelhttp wrapper and are not duplicated here.
type OTelBridge struct {
	gatewayRequests metric.Int64Counter
	gatewayDuration metric.Float64Histogram
	payoutsTotal    metric.Int64Counter
	payoutAmount    metric.Float64Counter
}

// NewOTelBridge creates the instruments on the globally registered meter
// provider. Call it after InitOTel.
func NewOTelBridge() (*OTelBridge, error) {
	meter := otel.Meter("github.com/kombina-app/kombina")

	b := &OTelBridge{}
	var err error

	b.gatewayRequests, err = meter.Int64Counter(
		"kombina.gateway.requests",
		metric.WithDescription("Payment gateway API calls"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create gateway request counter: %w", err)
	}

	b.gatewayDuration, err = meter.Float64Histogram(
		"kombina.gateway.duration",
		metric.WithDescription("Payment gateway API call duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create gateway duration histogram: %w", err)
	}

	b.payoutsTotal, err = meter.Int64Counter(
		"kombina.payouts",
		metric.WithDescription("Settled payout attempts by outcome"),
		metric.WithUnit("{payout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create payout counter: %w", err)
	}

	b.payoutAmount, err = meter.Float64Counter(
		"kombina.payout.amount",
		metric.WithDescription("Net amount moved to drivers by outcome"),
		metric.WithUnit("BRL"),
	)
	if err != nil {
		return nil, fmt.Errorf("create payout amount counter: %w", err)
	}

	return b, nil
}

// ObserveGatewayRequest records one gateway API call. The signature matches
// the provider's request observer, so the bridge can sit next to the
// Prometheus metrics in a fan-out.
func (b *OTelBridge) ObserveGatewayRequest(provider, op string, status int, d time.Duration) {
	ctx := context.Background()
	b.gatewayRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("op", op),
		attribute.String("status", strconv.Itoa(status)),
	))
	b.gatewayDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("op", op),
	))
}

// ObservePayoutOutcome records one settled payout attempt.
func (b *OTelBridge) ObservePayoutOutcome(status string, net float64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("status", status))
	b.payoutsTotal.Add(ctx, 1, attrs)
	b.payoutAmount.Add(ctx, net, attrs)
}
