package payouts

import (
	"errors"
	"time"
)

// Status is the delivery state of a payout transaction.
type Status string

const (
	// StatusProcessing marks a transaction enqueued or awaiting provider
	// approval.
	StatusProcessing Status = "processing"

	// StatusPendingRetry marks a transient provider failure. It is retried
	// only by the reprocessing sweep, with the original idempotency key.
	StatusPendingRetry Status = "pending_retry"

	StatusSucceeded Status = "succeeded"

	// StatusFailed is terminal: provider rejection or a missing payout
	// destination. Destination failures become retryable again once the
	// driver verifies a key.
	StatusFailed Status = "failed"
)

// ReasonMissingDestination marks the terminal failure class that only the
// driver can fix by verifying a payout key.
const ReasonMissingDestination = "missing or unverified payout destination"

// ErrBelowMinimum reports a payout whose net amount is not positive after
// the platform fee. No transaction record is created.
var ErrBelowMinimum = errors.New("payout net amount below minimum")

// PayoutTransaction is one attempted payout against a paid charge.
type PayoutTransaction struct {
	ID       string `json:"id"`
	ChargeID string `json:"charge_id"`
	DriverID string `json:"driver_id"`

	GrossAmount float64 `json:"gross_amount"`
	PlatformFee float64 `json:"platform_fee"`
	NetAmount   float64 `json:"net_amount"`

	Status        Status `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`

	// TransferID is the provider's id once a transfer was accepted, even if
	// still awaiting approval.
	TransferID string `json:"transfer_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IdempotencyKey derives the transfer idempotency key. Any retry of this
// transaction must reuse it verbatim so the provider deduplicates.
func (t *PayoutTransaction) IdempotencyKey() string {
	return "payout-" + t.ID
}

// MissingDestination reports whether this failure becomes retryable when the
// driver verifies a key.
func (t *PayoutTransaction) MissingDestination() bool {
	return t.Status == StatusFailed && t.FailureReason == ReasonMissingDestination
}

// PendingKeyValidation is an in-flight payout-destination verification: a
// trace transfer sent to a claimed key to confirm ownership. Deleted on
// terminal resolution.
type PendingKeyValidation struct {
	ID       string `json:"id"`
	DriverID string `json:"driver_id"`
	PixKey   string `json:"pix_key"`

	// TransferID is the trace transfer to poll for resolution.
	TransferID string `json:"transfer_id"`

	CreatedAt time.Time `json:"created_at"`
}
