package subscription

import (
	"context"
	"fmt"
	"time"
)

// ConfirmResult reports the outcome of a payment confirmation.
type ConfirmResult struct {
	ChargeID string `json:"charge_id"`

	// CycleEnd is the subscription's cycle end after the confirmation.
	CycleEnd *time.Time `json:"cycle_end,omitempty"`

	// AlreadyProcessed marks a duplicate delivery: the charge had left
	// pending before this call, so no side effects ran.
	AlreadyProcessed bool `json:"already_processed"`
}

// ConfirmPaymentByExternalID resolves a webhook's transaction id to a charge
// and confirms it. An unmatched id returns ErrNotFound; the caller decides
// whether that is fatal (internal confirms) or log-and-drop (webhooks, since
// the provider redelivers on its own).
func (s *Service) ConfirmPaymentByExternalID(ctx context.Context, externalTxID string, paidAmount float64, paidAt time.Time) (*ConfirmResult, error) {
	ch, ok, err := s.store.GetChargeByExternalID(ctx, externalTxID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no charge for transaction %s: %w", externalTxID, ErrNotFound)
	}
	return s.ConfirmPayment(ctx, ch.ID, paidAmount, paidAt)
}

// ConfirmPayment settles a charge exactly once. The pending→paid transition
// is a conditional write; a duplicate delivery loses the write and returns
// the current state with AlreadyProcessed set, with no side effects. A
// missing charge is fatal and propagated.
//
// On the winning delivery it advances the billing cycle, cancels pending
// charges the payment supersedes, flips the paid-for subscription row to the
// single active one, auto-fills rider capacity and invokes the paid hook.
func (s *Service) ConfirmPayment(ctx context.Context, chargeID string, paidAmount float64, paidAt time.Time) (*ConfirmResult, error) {
	ch, err := s.store.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}

	won, err := s.store.MarkChargePaid(ctx, ch.ID, paidAmount, paidAt)
	if err != nil {
		return nil, err
	}
	if !won {
		sub, err := s.store.GetSubscription(ctx, ch.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.PaymentsConfirmedTotal.WithLabelValues("duplicate").Inc()
		}
		s.logger.WithFields(map[string]interface{}{
			"charge_id": ch.ID,
			"status":    string(ch.Status),
		}).Info("payment confirmation replayed, no-op")
		return &ConfirmResult{ChargeID: ch.ID, CycleEnd: sub.CycleEnd, AlreadyProcessed: true}, nil
	}

	sub, err := s.store.GetSubscription(ctx, ch.SubscriptionID)
	if err != nil {
		return nil, err
	}

	s.advanceCycle(sub, ch.BillingType, paidAt)

	if err := s.cancelSuperseded(ctx, sub, ch); err != nil {
		return nil, err
	}
	if err := s.promoteWinner(ctx, sub); err != nil {
		return nil, err
	}
	if err := s.autoFillRiders(ctx, sub, paidAt); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.PaymentsConfirmedTotal.WithLabelValues("confirmed").Inc()
	}
	s.logger.WithFields(map[string]interface{}{
		"charge_id":       ch.ID,
		"subscription_id": sub.ID,
		"billing_type":    string(ch.BillingType),
		"amount":          paidAmount,
		"cycle_end":       sub.CycleEnd,
	}).Info("payment confirmed")

	if s.onChargePaid != nil {
		ch.Status = ChargePaid
		ch.PaidAmount = paidAmount
		paid := paidAt
		ch.PaidAt = &paid
		s.onChargePaid(ctx, ch)
	}
	return &ConfirmResult{ChargeID: ch.ID, CycleEnd: sub.CycleEnd}, nil
}

// advanceCycle computes the post-payment cycle boundary. Renewals extend the
// previous cycle end rather than paidAt so early or late payment never
// drifts the cycle.
func (s *Service) advanceCycle(sub *Subscription, billingType BillingType, paidAt time.Time) {
	switch {
	case billingType.startsNewCycle():
		end := paidAt.AddDate(0, 1, 0)
		sub.AnchorDate = paidAt
		sub.CycleEnd = &end

	case billingType == BillingUpgrade:
		if sub.CycleEnd == nil {
			end := paidAt.AddDate(0, 1, 0)
			sub.AnchorDate = paidAt
			sub.CycleEnd = &end
		}
		// A live cycle end is preserved: the pro-rata payment bought the
		// upgrade within it.

	case billingType == BillingRenewal:
		if sub.CycleEnd != nil {
			end := sub.CycleEnd.AddDate(0, 1, 0)
			sub.CycleEnd = &end
		} else {
			// First post-trial payment arriving as a renewal.
			end := paidAt.AddDate(0, 1, 0)
			sub.AnchorDate = paidAt
			sub.CycleEnd = &end
		}
	}
	// Downgrade payments never move the cycle.
}

// cancelSuperseded removes pending charges the confirmed payment makes
// obsolete: a cycle-starting or upgrade payment supersedes pending renewals,
// and a renewal payment supersedes pending activation-class charges.
func (s *Service) cancelSuperseded(ctx context.Context, sub *Subscription, paid *Charge) error {
	pending, err := s.store.ListPendingCharges(ctx, sub.DriverID)
	if err != nil {
		return err
	}

	renewalPaid := paid.BillingType == BillingRenewal
	for _, other := range pending {
		if other.ID == paid.ID {
			continue
		}
		otherRenewal := other.BillingType == BillingRenewal
		if otherRenewal == renewalPaid {
			continue
		}
		ok, err := s.store.CancelPendingCharge(ctx, other.ID, "superseded:"+paid.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.provider.CancelCharge(ctx, other.ExternalTxID); err != nil {
			s.logger.WithError(err).WithField("charge_id", other.ID).Warn("failed to invalidate superseded instruction at gateway")
		}
	}
	return nil
}

// promoteWinner migrates riders from the previously active row, deactivates
// every other row and flips the paid-for subscription to active.
func (s *Service) promoteWinner(ctx context.Context, sub *Subscription) error {
	prev, ok, err := s.store.ActiveSubscription(ctx, sub.DriverID)
	if err != nil {
		return err
	}
	if ok && prev.ID != sub.ID {
		riders, err := s.store.ListRiders(ctx, prev.ID)
		if err != nil {
			return err
		}
		for _, r := range riders {
			r.SubscriptionID = sub.ID
			if err := s.store.UpdateRider(ctx, r); err != nil {
				return err
			}
		}
	}

	if _, err := s.store.DeactivateOthers(ctx, sub.DriverID, sub.ID); err != nil {
		return err
	}

	sub.Status = StatusActive
	sub.Active = true
	sub.TrialEnd = nil
	sub.SuspendedAt = nil
	return s.store.UpdateSubscription(ctx, sub)
}

// autoFillRiders enables billing for waiting riders up to the contracted
// quota, oldest first.
func (s *Service) autoFillRiders(ctx context.Context, sub *Subscription, at time.Time) error {
	riders, err := s.store.ListRiders(ctx, sub.ID)
	if err != nil {
		return err
	}
	enabled := 0
	for _, r := range riders {
		if r.BillingEnabled {
			enabled++
		}
	}
	for _, r := range riders {
		if enabled >= sub.ContractedQuota {
			break
		}
		if r.BillingEnabled {
			continue
		}
		r.BillingEnabled = true
		activated := at
		r.ActivatedAt = &activated
		if err := s.store.UpdateRider(ctx, r); err != nil {
			return err
		}
		enabled++
	}
	return nil
}
