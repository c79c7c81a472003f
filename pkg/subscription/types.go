package subscription

import "time"

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusTrial          Status = "trial"
	StatusActive         Status = "active"
	StatusPendingPayment Status = "pending_payment"
	StatusSuspended      Status = "suspended"
	StatusCancelled      Status = "cancelled"
)

// PriceOrigin records how the applied price was derived.
type PriceOrigin string

const (
	PriceNormal      PriceOrigin = "normal"
	PricePromotional PriceOrigin = "promotional"
	PriceCustom      PriceOrigin = "custom"
)

// ChargeStatus is the payment state of a charge.
type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargePaid      ChargeStatus = "paid"
	ChargeCancelled ChargeStatus = "cancelled"
)

// BillingType classifies what a charge bills for.
type BillingType string

const (
	BillingActivation BillingType = "activation"
	BillingRenewal    BillingType = "renewal"
	BillingUpgrade    BillingType = "upgrade"
	BillingDowngrade  BillingType = "downgrade"
	BillingExpansion  BillingType = "expansion"
)

// startsNewCycle reports whether paying a charge of this type anchors a fresh
// billing cycle at the payment time.
func (b BillingType) startsNewCycle() bool {
	return b == BillingActivation || b == BillingExpansion
}

// PayoutState is the payout progress of a paid charge.
type PayoutState string

const (
	PayoutNone    PayoutState = ""
	PayoutPending PayoutState = "pending"
	PayoutPaid    PayoutState = "paid"
	PayoutFailed  PayoutState = "failed"
)

// Subscription is one driver-plan enrollment. Rows are never deleted: a plan
// change deactivates the old row and inserts a new one, preserving the audit
// trail. At most one row per driver has Active set.
type Subscription struct {
	ID       string `json:"id"`
	DriverID string `json:"driver_id"`
	PlanID   string `json:"plan_id"`
	Status   Status `json:"status"`
	Active   bool   `json:"active"`

	// ContractedQuota is the number of riders billed automatically.
	ContractedQuota int `json:"contracted_quota"`

	AppliedPrice float64     `json:"applied_price"`
	PriceOrigin  PriceOrigin `json:"price_origin"`

	// AnchorDate is the billing cycle's reference point; CycleEnd is nil
	// while the first payment is outstanding.
	AnchorDate time.Time  `json:"anchor_date"`
	CycleEnd   *time.Time `json:"cycle_end,omitempty"`
	TrialEnd   *time.Time `json:"trial_end,omitempty"`

	// CancelRequestedAt marks a pending cancellation; the actual
	// deactivation happens at CycleEnd via the finalization job.
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
	SuspendedAt       *time.Time `json:"suspended_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingCancellation reports whether a cancellation is scheduled but not yet
// finalized.
func (s *Subscription) PendingCancellation() bool {
	return s.CancelRequestedAt != nil && s.Status != StatusCancelled
}

// PaidThrough is the date up to which the subscriber has paid. Charges due
// after it are ghost charges once a cancellation is scheduled.
func (s *Subscription) PaidThrough(now time.Time) time.Time {
	if s.CycleEnd != nil {
		return *s.CycleEnd
	}
	return now
}

// Charge is one billable event against a subscription.
type Charge struct {
	ID             string       `json:"id"`
	SubscriptionID string       `json:"subscription_id"`
	DriverID       string       `json:"driver_id"`
	Amount         float64      `json:"amount"`
	Status         ChargeStatus `json:"status"`
	BillingType    BillingType  `json:"billing_type"`
	DueDate        time.Time    `json:"due_date"`

	// ExternalTxID is the gateway transaction id, derived from the charge id.
	ExternalTxID string `json:"external_tx_id"`

	// Instruction caches the rendered payment instruction so repeat
	// requests return the same payload until it expires.
	Instruction          string     `json:"instruction,omitempty"`
	InstructionURL       string     `json:"instruction_url,omitempty"`
	InstructionExpiresAt *time.Time `json:"instruction_expires_at,omitempty"`

	// CancelReason is set when a charge is cancelled by supersession or a
	// cancellation purge; the purge reason keys charge regeneration when a
	// pending cancellation is undone.
	CancelReason string `json:"cancel_reason,omitempty"`

	PayoutState PayoutState `json:"payout_state,omitempty"`

	PaidAt     *time.Time `json:"paid_at,omitempty"`
	PaidAmount float64    `json:"paid_amount,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InstructionValid reports whether the cached payment instruction is still
// redeemable at the given time.
func (c *Charge) InstructionValid(now time.Time) bool {
	return c.Instruction != "" &&
		(c.InstructionExpiresAt == nil || c.InstructionExpiresAt.After(now))
}

// Rider is a sub-entity billed under a subscription's contracted quota.
type Rider struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	DriverID       string     `json:"driver_id"`
	Name           string     `json:"name"`
	BillingEnabled bool       `json:"billing_enabled"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Driver is the service provider who subscribes to a plan and receives
// payouts of collected funds.
type Driver struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	TaxID string `json:"tax_id"`

	// PixKey is the claimed payout destination; it is only trusted for real
	// payouts after verification.
	PixKey           string     `json:"pix_key,omitempty"`
	PixKeyVerifiedAt *time.Time `json:"pix_key_verified_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PayoutDestinationVerified reports whether the driver's payout destination
// can be trusted for transfers.
func (d *Driver) PayoutDestinationVerified() bool {
	return d.PixKey != "" && d.PixKeyVerifiedAt != nil
}
