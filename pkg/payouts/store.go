package payouts

import "context"

// Store persists payout transactions and in-flight key validations.
type Store interface {
	CreateTransaction(ctx context.Context, tx *PayoutTransaction) error
	GetTransaction(ctx context.Context, id string) (*PayoutTransaction, error)
	UpdateTransaction(ctx context.Context, tx *PayoutTransaction) error

	// SucceededForCharge reports whether a successful payout already exists
	// for the charge.
	SucceededForCharge(ctx context.Context, chargeID string) (bool, error)

	// ListRetryable returns the driver's transactions the reprocessing sweep
	// should look at: pending_retry, failed for a missing destination, and
	// processing ones with an accepted transfer awaiting approval.
	ListRetryable(ctx context.Context, driverID string) ([]*PayoutTransaction, error)

	CreateKeyValidation(ctx context.Context, v *PendingKeyValidation) error
	ListKeyValidations(ctx context.Context) ([]*PendingKeyValidation, error)
	DeleteKeyValidation(ctx context.Context, id string) error
}
