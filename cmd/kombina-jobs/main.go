package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/kombina-app/kombina/pkg/config"
	"github.com/kombina-app/kombina/pkg/gateway"
	"github.com/kombina-app/kombina/pkg/observability"
	"github.com/kombina-app/kombina/pkg/payouts"
	"github.com/kombina-app/kombina/pkg/storage/postgres"
	"github.com/kombina-app/kombina/pkg/subscription"
)

var (
	renewalSchedule      = flag.String("renewal-schedule", "0 3 * * *", "Cron schedule for renewal charge generation (default: 03:00 UTC)")
	trialSchedule        = flag.String("trial-schedule", "30 3 * * *", "Cron schedule for converting ended trials (default: 03:30 UTC)")
	suspensionSchedule   = flag.String("suspension-schedule", "0 4 * * *", "Cron schedule for suspending overdue subscriptions (default: 04:00 UTC)")
	cancellationSchedule = flag.String("cancellation-schedule", "15 4 * * *", "Cron schedule for finalizing pending cancellations (default: 04:15 UTC)")
	cleanupSchedule      = flag.String("cleanup-schedule", "0 5 * * 0", "Cron schedule for cancelling abandoned subscriptions (default: Sunday 05:00 UTC)")
	validationSchedule   = flag.String("validation-schedule", "*/10 * * * *", "Cron schedule for resolving PIX key validations (default: every 10 minutes)")
	runOnce              = flag.Bool("run-once", false, "Run every job once and exit (for testing or backfilling)")
	forceRenewals        = flag.Bool("force-renewals", false, "Generate renewal charges even before the monthly cutoff day. Only used with --run-once")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL: cfg.Postgres.URL,
		MaxConns:   cfg.Postgres.MaxConns,
		MinConns:   cfg.Postgres.MinConns,
		Timeout:    cfg.Postgres.Timeout,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer cm.Close()

	provider, err := gateway.NewPixRESTProvider(gateway.PixRESTConfig{
		Name:         cfg.Gateway.Provider,
		BaseURL:      cfg.Gateway.BaseURL,
		ClientID:     cfg.Gateway.ClientID,
		ClientSecret: cfg.Gateway.ClientSecret,
		CertFile:     cfg.Gateway.CertFile,
		KeyFile:      cfg.Gateway.KeyFile,
		RecipientKey: cfg.Gateway.RecipientKey,
		Timeout:      cfg.Gateway.Timeout,
	}, nil)
	if err != nil {
		log.Fatalf("Failed to initialize payment provider: %v", err)
	}

	db := cm.Primary()
	subStore := subscription.NewPostgresStore(db)
	payStore := payouts.NewPostgresStore(db)

	subs := subscription.NewService(subStore, provider, subscription.Config{
		TrialDays:                    cfg.Billing.TrialDays,
		MinProRataCharge:             cfg.Billing.MinProRataCharge,
		CycleLengthDays:              cfg.Billing.CycleLengthDays,
		RenewalCutoffDay:             cfg.Billing.RenewalCutoffDay,
		InstructionExpirationSeconds: cfg.Billing.InstructionExpirationSeconds,
		MaturityGraceDays:            cfg.Billing.MaturityGraceDays,
		SuspensionGraceDays:          cfg.Billing.SuspensionGraceDays,
	}, logger, nil)

	ctx := context.Background()
	pays := payouts.NewService(ctx, payStore, subStore, provider, payouts.Config{
		FeeRate:          cfg.Payouts.FeeRate,
		FeeFixed:         cfg.Payouts.FeeFixed,
		ValidationAmount: cfg.Payouts.ValidationAmount,
		Workers:          cfg.Payouts.Workers,
		TaskTimeout:      cfg.Payouts.TaskTimeout,
	}, logger, nil)
	defer pays.Shutdown(cfg.Server.ShutdownTimeout)

	type job struct {
		name     string
		schedule string
		run      func(ctx context.Context, asOf time.Time) (int, error)
	}
	jobs := []job{
		{"renewal charge generation", *renewalSchedule, func(ctx context.Context, asOf time.Time) (int, error) {
			return subs.GenerateRenewalCharges(ctx, asOf, *runOnce && *forceRenewals)
		}},
		{"trial conversion", *trialSchedule, subs.ConvertEndedTrials},
		{"overdue suspension", *suspensionSchedule, subs.SuspendOverdue},
		{"cancellation finalization", *cancellationSchedule, subs.FinalizePendingCancellations},
		{"abandoned cleanup", *cleanupSchedule, subs.CleanupAbandoned},
		{"key validation resolution", *validationSchedule, func(ctx context.Context, _ time.Time) (int, error) {
			return pays.ResolveKeyValidations(ctx)
		}},
	}

	if *runOnce {
		asOf := time.Now().UTC()
		for _, j := range jobs {
			runJob(logger, j.name, j.run, asOf)
		}
		return
	}

	c := cron.New()
	for _, j := range jobs {
		j := j
		_, err := c.AddFunc(j.schedule, func() {
			runJob(logger, j.name, j.run, time.Now().UTC())
		})
		if err != nil {
			log.Fatalf("Failed to schedule %s: %v", j.name, err)
		}
		logger.Infof("Scheduled %s: %s", j.name, j.schedule)
	}

	c.Start()
	logger.Info("kombina billing jobs started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")
	cronCtx := c.Stop()
	<-cronCtx.Done()
}

func runJob(logger *observability.Logger, name string, run func(context.Context, time.Time) (int, error), asOf time.Time) {
	defer observability.RecoverPanic(logger.WithField("job", name), name)
	start := time.Now()
	n, err := run(context.Background(), asOf)
	if err != nil {
		logger.WithError(err).Errorf("Job %s failed after %d items", name, n)
		return
	}
	logger.WithFields(map[string]interface{}{
		"job":      name,
		"affected": n,
		"duration": time.Since(start).String(),
	}).Info("Job completed")
}
