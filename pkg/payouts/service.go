package payouts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kombina-app/kombina/pkg/async"
	"github.com/kombina-app/kombina/pkg/gateway"
	"github.com/kombina-app/kombina/pkg/observability"
	"github.com/kombina-app/kombina/pkg/pricing"
	"github.com/kombina-app/kombina/pkg/subscription"
)

// ChargeDirectory is the slice of the subscription store the payout engine
// needs. subscription.Store satisfies it.
type ChargeDirectory interface {
	GetCharge(ctx context.Context, id string) (*subscription.Charge, error)
	SetChargePayoutState(ctx context.Context, id string, state subscription.PayoutState) error
	GetDriver(ctx context.Context, id string) (*subscription.Driver, error)
	SaveDriver(ctx context.Context, d *subscription.Driver) error
}

// Config tunes payout fees and delivery.
type Config struct {
	// FeeRate is the platform's cut as a fraction of the gross amount.
	FeeRate float64

	// FeeFixed is a flat per-transfer fee added on top of FeeRate.
	FeeFixed float64

	// ValidationAmount is the trace transfer sent to verify a claimed key.
	ValidationAmount float64

	Workers     int
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ValidationAmount == 0 {
		c.ValidationAmount = 0.01
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 30 * time.Second
	}
	return c
}

// Service computes net payouts and drives them through the delivery queue.
// OutcomeObserver receives one observation per settled payout attempt.
type OutcomeObserver interface {
	ObservePayoutOutcome(status string, net float64)
}

type Service struct {
	store    Store
	charges  ChargeDirectory
	provider gateway.Provider
	pool     *async.WorkerPool
	cfg      Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	outcome  OutcomeObserver

	now func() time.Time
}

// NewService wires a payout Service and starts its delivery workers. Call
// Shutdown to drain them.
func NewService(ctx context.Context, store Store, charges ChargeDirectory, provider gateway.Provider, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Service{
		store:    store,
		charges:  charges,
		provider: provider,
		pool:     async.NewWorkerPool(ctx, cfg.Workers, "payout delivery", cfg.TaskTimeout),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// ObserveOutcomes registers an additional observer for settled payouts,
// next to the Prometheus counters. Call before the first delivery.
func (s *Service) ObserveOutcomes(o OutcomeObserver) {
	s.outcome = o
}

// Shutdown drains the delivery workers.
func (s *Service) Shutdown(timeout time.Duration) error {
	return s.pool.Shutdown(timeout)
}

// Fee computes the platform fee for a gross amount.
func (s *Service) Fee(gross float64) float64 {
	return pricing.Round2(gross*s.cfg.FeeRate + s.cfg.FeeFixed)
}

// InitiatePayout starts the payout for a paid charge.
//
// A non-positive net amount aborts with ErrBelowMinimum and no transaction
// record. A missing or unverified destination records a terminal failed
// transaction: retrying cannot succeed without driver action, so nothing is
// enqueued until ReprocessPendingPayouts runs after key verification.
func (s *Service) InitiatePayout(ctx context.Context, chargeID string) (*PayoutTransaction, error) {
	ch, err := s.charges.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if ch.Status != subscription.ChargePaid {
		return nil, fmt.Errorf("charge %s is %s, not paid: %w", ch.ID, ch.Status, subscription.ErrConflict)
	}

	if done, err := s.store.SucceededForCharge(ctx, ch.ID); err != nil {
		return nil, err
	} else if done {
		return nil, fmt.Errorf("charge %s already paid out: %w", ch.ID, subscription.ErrConflict)
	}

	gross := ch.PaidAmount
	if gross == 0 {
		gross = ch.Amount
	}
	fee := s.Fee(gross)
	net := pricing.Round2(gross - fee)
	if net <= 0 {
		s.logger.WithFields(map[string]interface{}{
			"charge_id": ch.ID,
			"gross":     gross,
			"fee":       fee,
		}).Info("payout below minimum, skipping")
		return nil, fmt.Errorf("charge %s: %w", ch.ID, ErrBelowMinimum)
	}

	tx := &PayoutTransaction{
		ID:          uuid.NewString(),
		ChargeID:    ch.ID,
		DriverID:    ch.DriverID,
		GrossAmount: gross,
		PlatformFee: fee,
		NetAmount:   net,
		Status:      StatusProcessing,
	}

	driver, err := s.charges.GetDriver(ctx, ch.DriverID)
	if err != nil {
		return nil, err
	}
	if !driver.PayoutDestinationVerified() {
		tx.Status = StatusFailed
		tx.FailureReason = ReasonMissingDestination
		if err := s.store.CreateTransaction(ctx, tx); err != nil {
			return nil, err
		}
		if err := s.charges.SetChargePayoutState(ctx, ch.ID, subscription.PayoutFailed); err != nil {
			return nil, err
		}
		s.recordOutcome(StatusFailed, tx.NetAmount)
		s.logger.WithFields(map[string]interface{}{
			"charge_id": ch.ID,
			"driver_id": ch.DriverID,
		}).Warn("payout failed: destination not verified")
		return tx, nil
	}

	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	if err := s.charges.SetChargePayoutState(ctx, ch.ID, subscription.PayoutPending); err != nil {
		return nil, err
	}

	txID := tx.ID
	if err := s.pool.Submit(func(ctx context.Context) error {
		return s.Deliver(ctx, txID)
	}); err != nil {
		return nil, fmt.Errorf("failed to enqueue payout: %w", err)
	}
	return tx, nil
}

// Deliver sends the transfer for one transaction. The idempotency key is
// derived from the transaction id, so a retry can never double-pay.
func (s *Service) Deliver(ctx context.Context, txID string) error {
	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status == StatusSucceeded {
		return nil
	}
	driver, err := s.charges.GetDriver(ctx, tx.DriverID)
	if err != nil {
		return err
	}

	res, err := s.provider.SendTransfer(ctx, gateway.TransferRequest{
		Amount:         gateway.FormatAmount(tx.NetAmount),
		DestinationKey: driver.PixKey,
		IdempotencyKey: tx.IdempotencyKey(),
	})
	switch {
	case gateway.IsTransient(err):
		return s.park(ctx, tx, err)
	case err != nil:
		return s.fail(ctx, tx, err)
	}

	tx.TransferID = res.TransferID
	return s.settle(ctx, tx, res.State)
}

func (s *Service) settle(ctx context.Context, tx *PayoutTransaction, state gateway.TransferState) error {
	switch state {
	case gateway.TransferPaid:
		tx.Status = StatusSucceeded
		tx.FailureReason = ""
		if err := s.store.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		if err := s.charges.SetChargePayoutState(ctx, tx.ChargeID, subscription.PayoutPaid); err != nil {
			return err
		}
		s.recordOutcome(StatusSucceeded, tx.NetAmount)
		s.logger.WithFields(map[string]interface{}{
			"transaction_id": tx.ID,
			"charge_id":      tx.ChargeID,
			"net":            tx.NetAmount,
			"transfer_id":    tx.TransferID,
		}).Info("payout succeeded")
		return nil

	case gateway.TransferFailed:
		return s.fail(ctx, tx, fmt.Errorf("provider reported transfer %s failed", tx.TransferID))

	default:
		// Awaiting approval at the provider. The sweep polls it later.
		tx.Status = StatusProcessing
		return s.store.UpdateTransaction(ctx, tx)
	}
}

// park stores a transient failure for the explicit reprocessing sweep.
func (s *Service) park(ctx context.Context, tx *PayoutTransaction, cause error) error {
	tx.Status = StatusPendingRetry
	tx.FailureReason = cause.Error()
	if err := s.store.UpdateTransaction(ctx, tx); err != nil {
		return err
	}
	s.recordOutcome(StatusPendingRetry, tx.NetAmount)
	s.logger.WithError(cause).WithField("transaction_id", tx.ID).Warn("payout parked for retry")
	return nil
}

func (s *Service) fail(ctx context.Context, tx *PayoutTransaction, cause error) error {
	tx.Status = StatusFailed
	tx.FailureReason = cause.Error()
	if err := s.store.UpdateTransaction(ctx, tx); err != nil {
		return err
	}
	if err := s.charges.SetChargePayoutState(ctx, tx.ChargeID, subscription.PayoutFailed); err != nil {
		return err
	}
	s.recordOutcome(StatusFailed, tx.NetAmount)
	s.logger.WithError(cause).WithField("transaction_id", tx.ID).Error("payout failed")
	return nil
}

// ReprocessPendingPayouts retries a driver's parked payouts, typically after
// key verification. Transactions already awaiting provider approval are
// polled instead of resent. Returns the number of payouts that reached
// succeeded.
func (s *Service) ReprocessPendingPayouts(ctx context.Context, driverID string) (int, error) {
	txs, err := s.store.ListRetryable(ctx, driverID)
	if err != nil {
		return 0, err
	}

	succeeded := 0
	for _, tx := range txs {
		if done, err := s.store.SucceededForCharge(ctx, tx.ChargeID); err != nil {
			return succeeded, err
		} else if done {
			continue
		}

		if tx.Status == StatusProcessing && tx.TransferID != "" {
			state, err := s.provider.TransferStatus(ctx, tx.TransferID)
			if err != nil {
				s.logger.WithError(err).WithField("transaction_id", tx.ID).Warn("failed to poll transfer status")
				continue
			}
			if err := s.settle(ctx, tx, state); err != nil {
				return succeeded, err
			}
		} else {
			if err := s.Deliver(ctx, tx.ID); err != nil {
				s.logger.WithError(err).WithField("transaction_id", tx.ID).Error("failed to redeliver payout")
				continue
			}
		}

		final, err := s.store.GetTransaction(ctx, tx.ID)
		if err != nil {
			return succeeded, err
		}
		if final.Status == StatusSucceeded {
			succeeded++
		}
	}
	return succeeded, nil
}

// StartKeyValidation sends a trace transfer to a claimed key. The key is
// trusted for payouts only after the transfer settles.
func (s *Service) StartKeyValidation(ctx context.Context, driverID, pixKey string) (*PendingKeyValidation, error) {
	if pixKey == "" {
		return nil, fmt.Errorf("pix key is required: %w", subscription.ErrValidation)
	}
	if _, err := s.charges.GetDriver(ctx, driverID); err != nil {
		return nil, err
	}

	v := &PendingKeyValidation{
		ID:       uuid.NewString(),
		DriverID: driverID,
		PixKey:   pixKey,
	}
	res, err := s.provider.SendTransfer(ctx, gateway.TransferRequest{
		Amount:         gateway.FormatAmount(s.cfg.ValidationAmount),
		DestinationKey: pixKey,
		IdempotencyKey: "pixval-" + v.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send validation transfer: %w", err)
	}
	v.TransferID = res.TransferID

	if err := s.store.CreateKeyValidation(ctx, v); err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{
		"driver_id":   driverID,
		"transfer_id": v.TransferID,
	}).Info("key validation started")
	return v, nil
}

// ResolveKeyValidations polls in-flight validations. A settled trace transfer
// verifies the key and immediately reprocesses the driver's parked payouts; a
// failed one rejects the claim. Returns the number of keys verified.
func (s *Service) ResolveKeyValidations(ctx context.Context) (int, error) {
	pending, err := s.store.ListKeyValidations(ctx)
	if err != nil {
		return 0, err
	}

	verified := 0
	for _, v := range pending {
		state, err := s.provider.TransferStatus(ctx, v.TransferID)
		if err != nil {
			s.logger.WithError(err).WithField("validation_id", v.ID).Warn("failed to poll validation transfer")
			continue
		}

		switch state {
		case gateway.TransferPaid:
			driver, err := s.charges.GetDriver(ctx, v.DriverID)
			if err != nil {
				return verified, err
			}
			now := s.now()
			driver.PixKey = v.PixKey
			driver.PixKeyVerifiedAt = &now
			if err := s.charges.SaveDriver(ctx, driver); err != nil {
				return verified, err
			}
			if err := s.store.DeleteKeyValidation(ctx, v.ID); err != nil {
				return verified, err
			}
			verified++
			s.logger.WithField("driver_id", v.DriverID).Info("payout destination verified")

			if _, err := s.ReprocessPendingPayouts(ctx, v.DriverID); err != nil {
				s.logger.WithError(err).WithField("driver_id", v.DriverID).Error("failed to reprocess payouts after verification")
			}

		case gateway.TransferFailed:
			if err := s.store.DeleteKeyValidation(ctx, v.ID); err != nil {
				return verified, err
			}
			s.logger.WithField("driver_id", v.DriverID).Warn("payout destination rejected")
		}
		// Waiting states stay pending for the next sweep.
	}
	return verified, nil
}

func (s *Service) recordOutcome(status Status, net float64) {
	if s.metrics != nil {
		s.metrics.PayoutsTotal.WithLabelValues(string(status)).Inc()
		s.metrics.PayoutAmountTotal.WithLabelValues(string(status)).Add(net)
	}
	if s.outcome != nil {
		s.outcome.ObservePayoutOutcome(string(status), net)
	}
}
