package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kombina-app/kombina/pkg/gateway"
	"github.com/kombina-app/kombina/pkg/observability"
	"github.com/kombina-app/kombina/pkg/plans"
	"github.com/kombina-app/kombina/pkg/pricing"
)

// Config tunes the billing lifecycle.
type Config struct {
	// TrialDays is the free-trial length granted on enrollment.
	TrialDays int

	// MinProRataCharge floors pro-rated upgrade charges so instruments that
	// reject near-zero amounts still get a billable value.
	MinProRataCharge float64

	CycleLengthDays int

	// RenewalCutoffDay is the day of the month the renewal job starts
	// generating next-cycle charges.
	RenewalCutoffDay int

	// InstructionExpirationSeconds is the immediate-charge instruction
	// window.
	InstructionExpirationSeconds int

	// MaturityGraceDays keeps maturity-mode instructions redeemable past
	// their due date.
	MaturityGraceDays int

	// SuspensionGraceDays is how long a subscription may stay suspended
	// before the cleanup job cancels it.
	SuspensionGraceDays int
}

func (c Config) withDefaults() Config {
	if c.TrialDays == 0 {
		c.TrialDays = 7
	}
	if c.MinProRataCharge == 0 {
		c.MinProRataCharge = 0.01
	}
	if c.CycleLengthDays == 0 {
		c.CycleLengthDays = 30
	}
	if c.RenewalCutoffDay == 0 {
		c.RenewalCutoffDay = 25
	}
	if c.InstructionExpirationSeconds == 0 {
		c.InstructionExpirationSeconds = 3600
	}
	if c.MaturityGraceDays == 0 {
		c.MaturityGraceDays = 30
	}
	if c.SuspensionGraceDays == 0 {
		c.SuspensionGraceDays = 30
	}
	return c
}

// Service owns the subscription lifecycle: enrollment, trial conversion, plan
// changes, cancellation scheduling and payment-instruction issuance. All
// financial transitions that race with webhook delivery are enforced by
// conditional writes in the Store, not by in-process locking.
type Service struct {
	store    Store
	provider gateway.Provider
	cfg      Config
	logger   *observability.Logger
	metrics  *observability.Metrics

	// onChargePaid runs after a payment confirmation settles, outside the
	// conditional write. Used to kick off payouts.
	onChargePaid func(ctx context.Context, ch *Charge)

	now func() time.Time
}

// NewService wires a Service. Logger and metrics may be nil in tests.
func NewService(store Store, provider gateway.Provider, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Service{
		store:    store,
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// OnChargePaid registers the hook invoked once per successfully confirmed
// charge.
func (s *Service) OnChargePaid(hook func(ctx context.Context, ch *Charge)) {
	s.onChargePaid = hook
}

// Config returns the effective configuration after defaults.
func (s *Service) Config() Config {
	return s.cfg
}

// ActiveSubscription returns the driver's single active subscription row.
func (s *Service) ActiveSubscription(ctx context.Context, driverID string) (*Subscription, error) {
	sub, ok, err := s.store.ActiveSubscription(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("driver %s has no active subscription: %w", driverID, ErrNotFound)
	}
	return sub, nil
}

func (s *Service) pricingOpts() pricing.Options {
	return pricing.Options{
		MinCharge:       s.cfg.MinProRataCharge,
		CycleLengthDays: s.cfg.CycleLengthDays,
	}
}

// RegisterDriver creates or updates a driver profile.
func (s *Service) RegisterDriver(ctx context.Context, d *Driver) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Name == "" || d.TaxID == "" {
		return fmt.Errorf("driver name and tax id are required: %w", ErrValidation)
	}
	return s.store.SaveDriver(ctx, d)
}

// Enroll starts a driver on a plan with a free trial. A driver can only hold
// one active subscription.
func (s *Service) Enroll(ctx context.Context, driverID, planID string) (*Subscription, error) {
	plan := plans.ByID(planID)
	if plan == nil {
		return nil, fmt.Errorf("unknown plan %q: %w", planID, ErrValidation)
	}
	if _, err := s.store.GetDriver(ctx, driverID); err != nil {
		return nil, err
	}
	if _, ok, err := s.store.ActiveSubscription(ctx, driverID); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("driver %s already has an active subscription: %w", driverID, ErrConflict)
	}

	now := s.now()
	trialEnd := now.AddDate(0, 0, s.cfg.TrialDays)
	sub := &Subscription{
		ID:              uuid.NewString(),
		DriverID:        driverID,
		PlanID:          plan.ID,
		Status:          StatusTrial,
		Active:          true,
		ContractedQuota: plan.RiderQuota,
		AppliedPrice:    pricing.StandardPrice(plan, now),
		PriceOrigin:     priceOrigin(plan, now),
		AnchorDate:      now,
		TrialEnd:        &trialEnd,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"driver_id":       driverID,
		"subscription_id": sub.ID,
		"plan_id":         plan.ID,
		"trial_end":       trialEnd,
	}).Info("driver enrolled")
	return sub, nil
}

// EndTrial converts a trial subscription to pending_payment and issues the
// activation charge for the full applied price.
func (s *Service) EndTrial(ctx context.Context, subscriptionID string) (*Charge, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusTrial {
		return nil, fmt.Errorf("subscription %s is not in trial: %w", sub.ID, ErrConflict)
	}
	driver, err := s.store.GetDriver(ctx, sub.DriverID)
	if err != nil {
		return nil, err
	}

	sub.Status = StatusPendingPayment
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	return s.issueCharge(ctx, sub, driver, sub.AppliedPrice, BillingActivation, s.now(), false)
}

// ChangePlan moves a driver to another plan, optionally with a custom rider
// quota. Upgrades are payment-gated: a new inactive row waits for its charge
// to be confirmed. Downgrades take effect immediately on the current cycle.
func (s *Service) ChangePlan(ctx context.Context, driverID, planID string, quota int) (*Subscription, *Charge, error) {
	next := plans.ByID(planID)
	if next == nil {
		return nil, nil, fmt.Errorf("unknown plan %q: %w", planID, ErrValidation)
	}
	if quota == 0 {
		quota = next.RiderQuota
	}
	driver, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, nil, err
	}

	cur, hasCur, err := s.store.ActiveSubscription(ctx, driverID)
	if err != nil {
		return nil, nil, err
	}
	var curPlan *plans.Plan
	curQuota := 0
	if hasCur {
		curPlan = plans.ByID(cur.PlanID)
		curQuota = cur.ContractedQuota
	}

	now := s.now()
	price, origin := priceForQuota(next, quota, now)

	switch plans.Classify(curPlan, next, curQuota, quota) {
	case plans.ChangeNone:
		return nil, nil, fmt.Errorf("subscription already on plan %s with quota %d: %w", planID, quota, ErrConflict)

	case plans.ChangeUpgrade:
		return s.upgrade(ctx, driver, cur, hasCur, next, quota, price, origin, now)

	default:
		return s.downgrade(ctx, driver, cur, next, quota, price, origin, now)
	}
}

func (s *Service) upgrade(ctx context.Context, driver *Driver, cur *Subscription, hasCur bool, next *plans.Plan, quota int, price float64, origin PriceOrigin, now time.Time) (*Subscription, *Charge, error) {
	sub := &Subscription{
		ID:              uuid.NewString(),
		DriverID:        driver.ID,
		PlanID:          next.ID,
		Status:          StatusPendingPayment,
		Active:          false,
		ContractedQuota: quota,
		AppliedPrice:    price,
		PriceOrigin:     origin,
		AnchorDate:      now,
	}

	amount := price
	billingType := BillingActivation
	if hasCur && cur.Status == StatusActive && cur.CycleEnd != nil {
		// Mid-cycle upgrade: bill the pro-rated difference and keep the
		// running cycle. The payment buys the upgrade within it.
		end := *cur.CycleEnd
		sub.AnchorDate = cur.AnchorDate
		sub.CycleEnd = &end
		amount = pricing.ProRata(price-cur.AppliedPrice, cur.CycleEnd, now, s.pricingOpts())
		billingType = BillingUpgrade
	}

	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, nil, err
	}
	ch, err := s.issueCharge(ctx, sub, driver, amount, billingType, now, false)
	if err != nil {
		return nil, nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"driver_id":       driver.ID,
		"subscription_id": sub.ID,
		"plan_id":         next.ID,
		"billing_type":    string(billingType),
		"amount":          ch.Amount,
	}).Info("upgrade initiated")
	return sub, ch, nil
}

func (s *Service) downgrade(ctx context.Context, driver *Driver, cur *Subscription, next *plans.Plan, quota int, price float64, origin PriceOrigin, now time.Time) (*Subscription, *Charge, error) {
	if cur == nil {
		return nil, nil, fmt.Errorf("driver %s has no active subscription to downgrade: %w", driver.ID, ErrNotFound)
	}

	riders, err := s.store.ListRiders(ctx, cur.ID)
	if err != nil {
		return nil, nil, err
	}
	committed := 0
	for _, r := range riders {
		if r.BillingEnabled {
			committed++
		}
	}
	if quota < committed {
		return nil, nil, fmt.Errorf("quota %d is below the %d riders already enrolled: %w", quota, committed, ErrConflict)
	}

	sub := &Subscription{
		ID:              uuid.NewString(),
		DriverID:        driver.ID,
		PlanID:          next.ID,
		Status:          cur.Status,
		Active:          true,
		ContractedQuota: quota,
		AppliedPrice:    price,
		PriceOrigin:     origin,
		AnchorDate:      cur.AnchorDate,
	}
	if cur.CycleEnd != nil {
		end := *cur.CycleEnd
		sub.CycleEnd = &end
	}

	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, nil, err
	}
	if _, err := s.store.DeactivateOthers(ctx, driver.ID, sub.ID); err != nil {
		return nil, nil, err
	}

	// Migrate riders onto the new row so quota accounting follows it.
	for _, r := range riders {
		r.SubscriptionID = sub.ID
		if err := s.store.UpdateRider(ctx, r); err != nil {
			return nil, nil, err
		}
	}

	// A rare positive delta (custom quota priced above the current plan) is
	// billed on the existing cycle without gating the downgrade.
	var ch *Charge
	if delta := price - cur.AppliedPrice; delta > 0 && cur.CycleEnd != nil {
		amount := pricing.ProRata(delta, cur.CycleEnd, now, s.pricingOpts())
		ch, err = s.issueCharge(ctx, sub, driver, amount, BillingDowngrade, now, false)
		if err != nil {
			return nil, nil, err
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"driver_id":       driver.ID,
		"subscription_id": sub.ID,
		"plan_id":         next.ID,
	}).Info("downgrade applied")
	return sub, ch, nil
}

// Expand raises the contracted quota within the current plan. The expansion
// is payment-gated and, once paid, anchors a fresh billing cycle.
func (s *Service) Expand(ctx context.Context, driverID string, quota int) (*Subscription, *Charge, error) {
	cur, ok, err := s.store.ActiveSubscription(ctx, driverID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("driver %s has no active subscription: %w", driverID, ErrNotFound)
	}
	if quota <= cur.ContractedQuota {
		return nil, nil, fmt.Errorf("quota %d does not expand the current %d: %w", quota, cur.ContractedQuota, ErrConflict)
	}
	plan := plans.ByID(cur.PlanID)
	if plan == nil {
		return nil, nil, fmt.Errorf("unknown plan %q: %w", cur.PlanID, ErrValidation)
	}
	driver, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	price := pricing.CustomQuotaPrice(quota, plan)
	sub := &Subscription{
		ID:              uuid.NewString(),
		DriverID:        driverID,
		PlanID:          plan.ID,
		Status:          StatusPendingPayment,
		Active:          false,
		ContractedQuota: quota,
		AppliedPrice:    price,
		PriceOrigin:     PriceCustom,
		AnchorDate:      now,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, nil, err
	}

	amount := price
	if cur.CycleEnd != nil {
		amount = pricing.ProRata(price-cur.AppliedPrice, cur.CycleEnd, now, s.pricingOpts())
	}
	ch, err := s.issueCharge(ctx, sub, driver, amount, BillingExpansion, now, false)
	if err != nil {
		return nil, nil, err
	}
	return sub, ch, nil
}

// cancellationReason keys the charges purged for one subscription so an undo
// can find exactly them.
func cancellationReason(subscriptionID string) string {
	return "cancellation:" + subscriptionID
}

// RequestCancellation schedules a cancellation at the end of the paid period
// and purges charges due after it, invalidating their instructions at the
// gateway.
func (s *Service) RequestCancellation(ctx context.Context, subscriptionID string) error {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == StatusCancelled {
		return fmt.Errorf("subscription %s is already cancelled: %w", sub.ID, ErrConflict)
	}
	if sub.PendingCancellation() {
		return fmt.Errorf("subscription %s already has a pending cancellation: %w", sub.ID, ErrConflict)
	}

	now := s.now()
	sub.CancelRequestedAt = &now
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	paidThrough := sub.PaidThrough(now)
	pending, err := s.store.ListPendingCharges(ctx, sub.DriverID)
	if err != nil {
		return err
	}
	purged := 0
	for _, ch := range pending {
		if ch.SubscriptionID != sub.ID || !ch.DueDate.After(paidThrough) {
			continue
		}
		ok, err := s.store.CancelPendingCharge(ctx, ch.ID, cancellationReason(sub.ID))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		purged++
		if err := s.provider.CancelCharge(ctx, ch.ExternalTxID); err != nil {
			// The instruction may outlive the charge at the provider; the
			// reconciliation guard still refuses payment for it.
			s.logger.WithError(err).WithField("charge_id", ch.ID).Warn("failed to invalidate instruction at gateway")
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"paid_through":    paidThrough,
		"purged_charges":  purged,
	}).Info("cancellation scheduled")
	return nil
}

// UndoCancellation clears a pending cancellation and regenerates the charges
// the purge cancelled, so no billing gap is left behind.
func (s *Service) UndoCancellation(ctx context.Context, subscriptionID string) error {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if !sub.PendingCancellation() {
		return fmt.Errorf("subscription %s has no pending cancellation: %w", sub.ID, ErrConflict)
	}
	driver, err := s.store.GetDriver(ctx, sub.DriverID)
	if err != nil {
		return err
	}

	sub.CancelRequestedAt = nil
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	purged, err := s.store.ListCancelledByReason(ctx, cancellationReason(sub.ID))
	if err != nil {
		return err
	}
	for _, old := range purged {
		maturity := old.BillingType == BillingRenewal
		if _, err := s.issueCharge(ctx, sub, driver, old.Amount, old.BillingType, old.DueDate, maturity); err != nil {
			return err
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"subscription_id":  sub.ID,
		"restored_charges": len(purged),
	}).Info("cancellation undone")
	return nil
}

// PaymentInstruction returns the charge with a redeemable instruction,
// re-minting it at the gateway when the cached one has expired.
func (s *Service) PaymentInstruction(ctx context.Context, chargeID string) (*Charge, error) {
	ch, err := s.store.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if ch.Status != ChargePending {
		return nil, fmt.Errorf("charge %s is %s, not payable: %w", ch.ID, ch.Status, ErrConflict)
	}
	now := s.now()
	if ch.InstructionValid(now) {
		return ch, nil
	}

	sub, err := s.store.GetSubscription(ctx, ch.SubscriptionID)
	if err != nil {
		return nil, err
	}
	driver, err := s.store.GetDriver(ctx, sub.DriverID)
	if err != nil {
		return nil, err
	}

	// A fresh external id per mint: the provider will not reuse an expired
	// transaction, and confirmation matches on the latest id.
	ch.ExternalTxID = gateway.ExternalID(uuid.NewString())
	res, expiresAt, err := s.createGatewayCharge(ctx, ch, driver, now)
	if err != nil {
		return nil, err
	}
	ch.Instruction = res.PaymentInstruction
	ch.InstructionURL = res.InstructionURL
	ch.InstructionExpiresAt = &expiresAt
	if err := s.store.UpdateCharge(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// AddRider registers a rider under a subscription. Billing is enabled up
// front only while the subscription is active and under quota; otherwise the
// rider waits for the auto-fill on the next confirmed payment.
func (s *Service) AddRider(ctx context.Context, subscriptionID, name string) (*Rider, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("rider name is required: %w", ErrValidation)
	}

	riders, err := s.store.ListRiders(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	enabled := 0
	for _, r := range riders {
		if r.BillingEnabled {
			enabled++
		}
	}

	rider := &Rider{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		DriverID:       sub.DriverID,
		Name:           name,
	}
	if (sub.Status == StatusActive || sub.Status == StatusTrial) && enabled < sub.ContractedQuota {
		now := s.now()
		rider.BillingEnabled = true
		rider.ActivatedAt = &now
	}
	if err := s.store.AddRider(ctx, rider); err != nil {
		return nil, err
	}
	return rider, nil
}

// issueCharge creates the Charge row and the matching gateway charge. Renewal
// charges use maturity mode so their instruction survives until due date plus
// grace.
func (s *Service) issueCharge(ctx context.Context, sub *Subscription, driver *Driver, amount float64, billingType BillingType, dueDate time.Time, maturity bool) (*Charge, error) {
	ch := &Charge{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		DriverID:       driver.ID,
		Amount:         pricing.Round2(amount),
		Status:         ChargePending,
		BillingType:    billingType,
		DueDate:        dueDate,
	}
	ch.ExternalTxID = gateway.ExternalID(ch.ID)

	res, expiresAt, err := s.createGatewayChargeMode(ctx, ch, driver, s.now(), maturity)
	if err != nil {
		return nil, err
	}
	ch.Instruction = res.PaymentInstruction
	ch.InstructionURL = res.InstructionURL
	ch.InstructionExpiresAt = &expiresAt

	if err := s.store.CreateCharge(ctx, ch); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ChargesCreatedTotal.WithLabelValues(string(billingType)).Inc()
	}
	return ch, nil
}

func (s *Service) createGatewayCharge(ctx context.Context, ch *Charge, driver *Driver, now time.Time) (*gateway.ChargeResult, time.Time, error) {
	return s.createGatewayChargeMode(ctx, ch, driver, now, ch.BillingType == BillingRenewal && ch.DueDate.After(now))
}

func (s *Service) createGatewayChargeMode(ctx context.Context, ch *Charge, driver *Driver, now time.Time, maturity bool) (*gateway.ChargeResult, time.Time, error) {
	req := gateway.ChargeRequest{
		ExternalID:        ch.ExternalTxID,
		Amount:            gateway.FormatAmount(ch.Amount),
		PayerTaxID:        driver.TaxID,
		PayerName:         driver.Name,
		ExpirationSeconds: s.cfg.InstructionExpirationSeconds,
	}
	expiresAt := now.Add(time.Duration(s.cfg.InstructionExpirationSeconds) * time.Second)
	if maturity {
		due := ch.DueDate
		req.MaturityDate = &due
		req.GraceDays = s.cfg.MaturityGraceDays
		expiresAt = due.AddDate(0, 0, s.cfg.MaturityGraceDays)
	}

	res, err := s.provider.CreateCharge(ctx, req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to create gateway charge: %w", err)
	}
	return res, expiresAt, nil
}

func priceOrigin(p *plans.Plan, at time.Time) PriceOrigin {
	if p.PromoActive(at) {
		return PricePromotional
	}
	return PriceNormal
}

func priceForQuota(p *plans.Plan, quota int, at time.Time) (float64, PriceOrigin) {
	if quota != p.RiderQuota {
		return pricing.CustomQuotaPrice(quota, p), PriceCustom
	}
	return pricing.StandardPrice(p, at), priceOrigin(p, at)
}
