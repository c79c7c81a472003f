package subscription

import (
	"context"
	"time"
)

// Store is the persistence contract for subscriptions, charges, riders and
// drivers. Implementations must make MarkChargePaid and CancelPendingCharge
// conditional writes: they succeed only when the row is still pending, and
// report whether they changed anything, so concurrent webhook deliveries
// converge to exactly-once effects without in-process locks.
type Store interface {
	// Subscriptions.
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// ActiveSubscription returns the driver's single active row. A driver
	// without one is a normal case, reported through ok, not an error.
	ActiveSubscription(ctx context.Context, driverID string) (sub *Subscription, ok bool, err error)

	// DeactivateOthers clears the active flag on every row of the driver
	// except keepID, returning how many rows changed.
	DeactivateOthers(ctx context.Context, driverID, keepID string) (int64, error)

	// Job scans.
	ListActive(ctx context.Context) ([]*Subscription, error)
	ListOverdue(ctx context.Context, asOf time.Time) ([]*Subscription, error)
	ListSuspendedBefore(ctx context.Context, cutoff time.Time) ([]*Subscription, error)
	ListPendingCancellation(ctx context.Context, asOf time.Time) ([]*Subscription, error)
	ListTrialsEnded(ctx context.Context, asOf time.Time) ([]*Subscription, error)

	// Charges.
	CreateCharge(ctx context.Context, ch *Charge) error
	GetCharge(ctx context.Context, id string) (*Charge, error)
	GetChargeByExternalID(ctx context.Context, externalID string) (ch *Charge, ok bool, err error)
	UpdateCharge(ctx context.Context, ch *Charge) error

	// MarkChargePaid flips pending to paid guarded by status = pending.
	// ok is false when the charge was already processed.
	MarkChargePaid(ctx context.Context, id string, paidAmount float64, paidAt time.Time) (ok bool, err error)

	// CancelPendingCharge cancels a charge guarded by status = pending.
	CancelPendingCharge(ctx context.Context, id, reason string) (ok bool, err error)

	PendingRenewalCharge(ctx context.Context, subscriptionID string) (ch *Charge, ok bool, err error)
	ListPendingCharges(ctx context.Context, driverID string) ([]*Charge, error)
	ListCancelledByReason(ctx context.Context, reason string) ([]*Charge, error)
	SetChargePayoutState(ctx context.Context, id string, state PayoutState) error

	// Riders, ordered oldest first.
	AddRider(ctx context.Context, r *Rider) error
	ListRiders(ctx context.Context, subscriptionID string) ([]*Rider, error)
	UpdateRider(ctx context.Context, r *Rider) error

	// Drivers.
	SaveDriver(ctx context.Context, d *Driver) error
	GetDriver(ctx context.Context, id string) (*Driver, error)
}
