package subscription

import (
	"context"
	"time"

	"github.com/kombina-app/kombina/pkg/plans"
)

// Scheduled sweeps. All of them are idempotent and re-entrant: re-running on
// a state that already matches the target is a no-op, so a crashed run can
// simply be repeated.

// GenerateRenewalCharges creates next-cycle renewal charges for every active
// billable subscription. Before the configured cutoff day of the month it is
// a no-op unless forced. Returns the number of charges created.
func (s *Service) GenerateRenewalCharges(ctx context.Context, asOf time.Time, force bool) (int, error) {
	if !force && asOf.Day() < s.cfg.RenewalCutoffDay {
		s.logger.WithField("cutoff_day", s.cfg.RenewalCutoffDay).Debug("before renewal cutoff, skipping")
		return 0, nil
	}

	subs, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, sub := range subs {
		plan := plans.ByID(sub.PlanID)
		if plan == nil || !plan.Billable {
			continue
		}
		if sub.PendingCancellation() || sub.CycleEnd == nil {
			continue
		}
		dueDate := *sub.CycleEnd

		existing, ok, err := s.store.PendingRenewalCharge(ctx, sub.ID)
		if err != nil {
			return created, err
		}
		if ok {
			if sameDay(existing.DueDate, dueDate) {
				continue
			}
			// Stale charge from a previous cycle boundary. Replace it; the
			// one-pending-renewal invariant holds per subscription.
			cancelled, err := s.store.CancelPendingCharge(ctx, existing.ID, "superseded:renewal-regen")
			if err != nil {
				return created, err
			}
			if cancelled {
				if err := s.provider.CancelCharge(ctx, existing.ExternalTxID); err != nil {
					s.logger.WithError(err).WithField("charge_id", existing.ID).Warn("failed to invalidate stale renewal instruction")
				}
			}
		}

		driver, err := s.store.GetDriver(ctx, sub.DriverID)
		if err != nil {
			return created, err
		}
		if _, err := s.issueCharge(ctx, sub, driver, sub.AppliedPrice, BillingRenewal, dueDate, true); err != nil {
			s.logger.WithError(err).WithField("subscription_id", sub.ID).Error("failed to create renewal charge")
			continue
		}
		created++
	}

	s.logger.WithField("created", created).Info("renewal charge sweep finished")
	return created, nil
}

// SuspendOverdue suspends subscriptions whose renewal charge came due before
// asOf without payment. Returns the number of subscriptions suspended.
func (s *Service) SuspendOverdue(ctx context.Context, asOf time.Time) (int, error) {
	subs, err := s.store.ListOverdue(ctx, asOf)
	if err != nil {
		return 0, err
	}

	suspended := 0
	for _, sub := range subs {
		if sub.Status == StatusSuspended {
			continue
		}
		now := s.now()
		sub.Status = StatusSuspended
		sub.SuspendedAt = &now
		if err := s.store.UpdateSubscription(ctx, sub); err != nil {
			return suspended, err
		}
		suspended++
		s.logger.WithFields(map[string]interface{}{
			"subscription_id": sub.ID,
			"driver_id":       sub.DriverID,
		}).Info("subscription suspended for non-payment")
	}
	return suspended, nil
}

// CleanupAbandoned cancels subscriptions suspended for longer than the
// configured grace window and purges their remaining pending charges.
func (s *Service) CleanupAbandoned(ctx context.Context, asOf time.Time) (int, error) {
	cutoff := asOf.AddDate(0, 0, -s.cfg.SuspensionGraceDays)
	subs, err := s.store.ListSuspendedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, sub := range subs {
		if err := s.cancelSubscription(ctx, sub, "abandoned"); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// FinalizePendingCancellations deactivates subscriptions whose scheduled
// cancellation has reached the end of the paid period.
func (s *Service) FinalizePendingCancellations(ctx context.Context, asOf time.Time) (int, error) {
	subs, err := s.store.ListPendingCancellation(ctx, asOf)
	if err != nil {
		return 0, err
	}

	finalized := 0
	for _, sub := range subs {
		if err := s.cancelSubscription(ctx, sub, "requested"); err != nil {
			return finalized, err
		}
		finalized++
	}
	return finalized, nil
}

// ConvertEndedTrials moves expired trials to pending_payment and issues their
// activation charges. Per-subscription failures are logged and skipped so one
// broken record cannot stall the sweep.
func (s *Service) ConvertEndedTrials(ctx context.Context, asOf time.Time) (int, error) {
	subs, err := s.store.ListTrialsEnded(ctx, asOf)
	if err != nil {
		return 0, err
	}

	converted := 0
	for _, sub := range subs {
		if _, err := s.EndTrial(ctx, sub.ID); err != nil {
			s.logger.WithError(err).WithField("subscription_id", sub.ID).Error("failed to convert ended trial")
			continue
		}
		converted++
	}
	return converted, nil
}

func (s *Service) cancelSubscription(ctx context.Context, sub *Subscription, reason string) error {
	pending, err := s.store.ListPendingCharges(ctx, sub.DriverID)
	if err != nil {
		return err
	}
	for _, ch := range pending {
		if ch.SubscriptionID != sub.ID {
			continue
		}
		ok, err := s.store.CancelPendingCharge(ctx, ch.ID, cancellationReason(sub.ID))
		if err != nil {
			return err
		}
		if ok {
			if err := s.provider.CancelCharge(ctx, ch.ExternalTxID); err != nil {
				s.logger.WithError(err).WithField("charge_id", ch.ID).Warn("failed to invalidate instruction at gateway")
			}
		}
	}

	sub.Status = StatusCancelled
	sub.Active = false
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"driver_id":       sub.DriverID,
		"reason":          reason,
	}).Info("subscription cancelled")
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
