// Package gateway abstracts instant-payment providers behind a uniform
// contract: obtain an auth token, create or cancel a charge, send an outbound
// transfer and query its state. Each concrete provider implements the
// contract against its own REST dialect and transport-level client
// certificate.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TransferState is the normalized terminal state of an outbound transfer.
type TransferState string

const (
	TransferPaid            TransferState = "paid"
	TransferFailed          TransferState = "failed"
	TransferWaitingApproval TransferState = "waiting_approval"
)

// Token is a provider auth token with its expiry.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token still has at least skew of validity left.
func (t Token) Valid(now time.Time, skew time.Duration) bool {
	return t.AccessToken != "" && t.ExpiresAt.After(now.Add(skew))
}

// ChargeRequest describes a charge to create at the provider.
type ChargeRequest struct {
	// ExternalID is the caller-generated transaction id, 26-35 alphanumeric
	// characters, derived from the charge's own id with separators stripped.
	ExternalID string

	// Amount is a fixed two-decimal string, e.g. "49.90".
	Amount string

	PayerTaxID string
	PayerName  string

	// ExpirationSeconds sets the immediate-charge window. Ignored when
	// MaturityDate is set.
	ExpirationSeconds int

	// MaturityDate switches the provider to charge-with-maturity mode: the
	// instruction stays redeemable until MaturityDate + GraceDays.
	MaturityDate *time.Time
	GraceDays    int

	// RecipientKey is the collecting account's payment key.
	RecipientKey string
}

// ChargeResult is the provider's response to charge creation.
type ChargeResult struct {
	ExternalID         string
	PaymentInstruction string
	InstructionURL     string
}

// TransferRequest describes an outbound payout transfer.
type TransferRequest struct {
	Amount         string
	DestinationKey string

	// IdempotencyKey must be reused verbatim on any retry of the same
	// logical transfer.
	IdempotencyKey string
}

// TransferResult is the provider's response to a transfer request.
type TransferResult struct {
	TransferID string
	State      TransferState
}

// Provider is the uniform contract a payment-network provider implements.
type Provider interface {
	Name() string
	Token(ctx context.Context) (Token, error)
	CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// CancelCharge is idempotent: a not-found at the provider is success.
	CancelCharge(ctx context.Context, externalID string) error
	SendTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	TransferStatus(ctx context.Context, transferID string) (TransferState, error)
}

// ExternalID derives a provider transaction id from a charge id by stripping
// separators. Provider dialects require 26-35 alphanumeric characters; UUIDs
// become 32 hex characters.
func ExternalID(chargeID string) string {
	r := strings.NewReplacer("-", "", "_", "", ".", "")
	return r.Replace(chargeID)
}

// FormatAmount renders an amount as the fixed two-decimal wire string.
func FormatAmount(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
