package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kombina-app/kombina/pkg/api"
	"github.com/kombina-app/kombina/pkg/async"
	"github.com/kombina-app/kombina/pkg/config"
	"github.com/kombina-app/kombina/pkg/gateway"
	"github.com/kombina-app/kombina/pkg/observability"
	"github.com/kombina-app/kombina/pkg/payouts"
	"github.com/kombina-app/kombina/pkg/storage"
	"github.com/kombina-app/kombina/pkg/storage/postgres"
	"github.com/kombina-app/kombina/pkg/subscription"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting kombina billing service")

	ctx := context.Background()

	var registry *prometheus.Registry
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
	}

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	replicaURLs := postgres.ParseReplicaURLs(os.Getenv("KOMBINA_POSTGRES_REPLICA_URLS"))
	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Postgres.URL,
		ReplicaURLs: replicaURLs,
		MaxConns:    cfg.Postgres.MaxConns,
		MinConns:    cfg.Postgres.MinConns,
		Timeout:     cfg.Postgres.Timeout,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	db := cm.Primary()
	cm.StartHealthCheckRoutine(ctx, 0)

	subStore := subscription.NewPostgresStore(db)
	payStore := payouts.NewPostgresStore(db)

	// OTLP-shipping deployments get the gateway and payout counters on the
	// OTel meter as well as on the Prometheus registry.
	var bridge *observability.OTelBridge
	if providers != nil {
		bridge, err = observability.NewOTelBridge()
		if err != nil {
			log.Fatalf("Failed to create OTel metric bridge: %v", err)
		}
	}

	var observers gateway.MultiObserver
	if metrics != nil {
		observers = append(observers, metrics)
	}
	if bridge != nil {
		observers = append(observers, bridge)
	}
	var observer gateway.RequestObserver
	if len(observers) > 0 {
		observer = observers
	}
	provider, err := gateway.NewPixRESTProvider(gateway.PixRESTConfig{
		Name:         cfg.Gateway.Provider,
		BaseURL:      cfg.Gateway.BaseURL,
		ClientID:     cfg.Gateway.ClientID,
		ClientSecret: cfg.Gateway.ClientSecret,
		CertFile:     cfg.Gateway.CertFile,
		KeyFile:      cfg.Gateway.KeyFile,
		RecipientKey: cfg.Gateway.RecipientKey,
		Timeout:      cfg.Gateway.Timeout,
	}, observer)
	if err != nil {
		log.Fatalf("Failed to initialize payment provider: %v", err)
	}

	// The instruction cache is optional: without Redis every instruction
	// read goes to the database and, when stale, the gateway.
	var redisClient *storage.RedisClient
	var cache *storage.InstructionCache
	if cfg.Redis.URL != "" {
		redisClient, err = storage.NewRedisClient(storage.RedisConfig{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		cache, err = storage.NewInstructionCache(redisClient, storage.InstructionCacheConfig{
			TTL:        cfg.Redis.CacheTTL,
			LocalItems: cfg.Redis.LocalItems,
		}, metrics)
		if err != nil {
			log.Fatalf("Failed to initialize instruction cache: %v", err)
		}
		logger.Info("Instruction cache enabled")
	} else {
		logger.Warn("Redis not configured, instruction cache disabled")
	}

	subs := subscription.NewService(subStore, provider, subscription.Config{
		TrialDays:                    cfg.Billing.TrialDays,
		MinProRataCharge:             cfg.Billing.MinProRataCharge,
		CycleLengthDays:              cfg.Billing.CycleLengthDays,
		RenewalCutoffDay:             cfg.Billing.RenewalCutoffDay,
		InstructionExpirationSeconds: cfg.Billing.InstructionExpirationSeconds,
		MaturityGraceDays:            cfg.Billing.MaturityGraceDays,
		SuspensionGraceDays:          cfg.Billing.SuspensionGraceDays,
	}, logger, metrics)

	pays := payouts.NewService(ctx, payStore, subStore, provider, payouts.Config{
		FeeRate:          cfg.Payouts.FeeRate,
		FeeFixed:         cfg.Payouts.FeeFixed,
		ValidationAmount: cfg.Payouts.ValidationAmount,
		Workers:          cfg.Payouts.Workers,
		TaskTimeout:      cfg.Payouts.TaskTimeout,
	}, logger, metrics)
	if bridge != nil {
		pays.ObserveOutcomes(bridge)
	}

	// Confirmed payments drop their cached instruction and kick off the
	// driver's payout. The payout runs detached from the webhook request:
	// the bank already got its ack, and the payout store remembers anything
	// the retry sweep needs.
	subs.OnChargePaid(func(ctx context.Context, ch *subscription.Charge) {
		if cache != nil {
			if err := cache.Invalidate(ctx, ch.ID); err != nil {
				logger.WithError(err).WithField("charge_id", ch.ID).Warn("Failed to invalidate instruction cache")
			}
		}
		chargeID := ch.ID
		async.SafeGo(context.Background(), cfg.Payouts.TaskTimeout, "payout initiation", func(ctx context.Context) error {
			if _, err := pays.InitiatePayout(ctx, chargeID); err != nil {
				if errors.Is(err, payouts.ErrBelowMinimum) {
					logger.WithField("charge_id", chargeID).Info("Charge nets below minimum, no payout")
					return nil
				}
				return err
			}
			return nil
		})
	})

	server := api.NewServer(subs, pays, cache, logger, metrics)

	var handler http.Handler = server
	if providers != nil {
		handler = otelhttp.NewHandler(handler, "kombina-api")
	}

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for probes.
	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(db, rawRedis(redisClient))
	checker.AddProbe("gateway", true, provider.Ping)
	if len(replicaURLs) > 0 {
		checker.AddProbe("postgres_replicas", true, cm.HealthCheck)
	}
	observability.RegisterHealthRoutes(healthMux, checker)
	if registry != nil {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	sm := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	sm.Register("health server", func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	sm.Register("payout workers", func(context.Context) error {
		return pays.Shutdown(cfg.Server.ShutdownTimeout)
	})
	sm.Register("postgres pool", func(context.Context) error {
		return cm.Close()
	})
	if redisClient != nil {
		sm.Register("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}
	if providers != nil {
		sm.Register("otel exporters", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, providers, logger)
		})
	}

	go func() {
		logger.Infof("Health endpoints listening on :%s", cfg.Server.HealthPort)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Health server error")
		}
	}()

	go func() {
		logger.Infof("API listening on :%s", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server error: %v", err)
		}
	}()

	if err := sm.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func rawRedis(c *storage.RedisClient) *redis.Client {
	if c == nil {
		return nil
	}
	return c.GetClient()
}
