package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore implements Store on PostgreSQL. Conditional transitions
// (MarkChargePaid, CancelPendingCharge) are single guarded UPDATEs so
// concurrent confirmations of the same charge settle exactly once.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, driver_id, plan_id, status, active, contracted_quota,
		applied_price, price_origin, anchor_date, cycle_end, trial_end,
		cancel_requested_at, suspended_at, created_at, updated_at`

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO subscriptions (id, driver_id, plan_id, status, active, contracted_quota,
			applied_price, price_origin, anchor_date, cycle_end, trial_end,
			cancel_requested_at, suspended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		sub.ID,
		sub.DriverID,
		sub.PlanID,
		sub.Status,
		sub.Active,
		sub.ContractedQuota,
		sub.AppliedPrice,
		sub.PriceOrigin,
		sub.AnchorDate,
		sub.CycleEnd,
		sub.TrialEnd,
		sub.CancelRequestedAt,
		sub.SuspendedAt,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		UPDATE subscriptions
		SET plan_id = $2, status = $3, active = $4, contracted_quota = $5,
			applied_price = $6, price_origin = $7, anchor_date = $8, cycle_end = $9,
			trial_end = $10, cancel_requested_at = $11, suspended_at = $12,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query,
		sub.ID,
		sub.PlanID,
		sub.Status,
		sub.Active,
		sub.ContractedQuota,
		sub.AppliedPrice,
		sub.PriceOrigin,
		sub.AnchorDate,
		sub.CycleEnd,
		sub.TrialEnd,
		sub.CancelRequestedAt,
		sub.SuspendedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ActiveSubscription(ctx context.Context, driverID string) (*Subscription, bool, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE driver_id = $1 AND active = TRUE
		ORDER BY created_at DESC
		LIMIT 1`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to get active subscription: %w", err)
	}
	return sub, true, nil
}

func (s *PostgresStore) DeactivateOthers(ctx context.Context, driverID, keepID string) (int64, error) {
	query := `
		UPDATE subscriptions
		SET active = FALSE, updated_at = NOW()
		WHERE driver_id = $1 AND id <> $2 AND active = TRUE
	`

	result, err := s.db.ExecContext(ctx, query, driverID, keepID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate subscriptions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check deactivation result: %w", err)
	}
	return rows, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE active = TRUE AND status = $1
		ORDER BY created_at`

	return s.querySubscriptions(ctx, query, StatusActive)
}

func (s *PostgresStore) ListOverdue(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	query := `SELECT DISTINCT ON (s.id) s.id, s.driver_id, s.plan_id, s.status, s.active,
			s.contracted_quota, s.applied_price, s.price_origin, s.anchor_date, s.cycle_end,
			s.trial_end, s.cancel_requested_at, s.suspended_at, s.created_at, s.updated_at
		FROM subscriptions s
		JOIN charges c ON c.subscription_id = s.id
		WHERE c.status = 'pending' AND c.billing_type = 'renewal' AND c.due_date < $1
			AND s.status IN ('active', 'pending_payment')
		ORDER BY s.id, s.created_at`

	return s.querySubscriptions(ctx, query, asOf)
}

func (s *PostgresStore) ListSuspendedBefore(ctx context.Context, cutoff time.Time) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = $1 AND suspended_at < $2
		ORDER BY created_at`

	return s.querySubscriptions(ctx, query, StatusSuspended, cutoff)
}

func (s *PostgresStore) ListPendingCancellation(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE cancel_requested_at IS NOT NULL AND status <> 'cancelled'
			AND COALESCE(cycle_end, anchor_date) <= $1
		ORDER BY created_at`

	return s.querySubscriptions(ctx, query, asOf)
}

func (s *PostgresStore) ListTrialsEnded(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = $1 AND trial_end < $2
		ORDER BY created_at`

	return s.querySubscriptions(ctx, query, StatusTrial, asOf)
}

func (s *PostgresStore) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(
		&sub.ID,
		&sub.DriverID,
		&sub.PlanID,
		&sub.Status,
		&sub.Active,
		&sub.ContractedQuota,
		&sub.AppliedPrice,
		&sub.PriceOrigin,
		&sub.AnchorDate,
		&sub.CycleEnd,
		&sub.TrialEnd,
		&sub.CancelRequestedAt,
		&sub.SuspendedAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

const chargeColumns = `id, subscription_id, driver_id, amount, status, billing_type, due_date,
		external_tx_id, instruction, instruction_url, instruction_expires_at,
		cancel_reason, payout_state, paid_at, paid_amount, created_at, updated_at`

func (s *PostgresStore) CreateCharge(ctx context.Context, ch *Charge) error {
	query := `
		INSERT INTO charges (id, subscription_id, driver_id, amount, status, billing_type,
			due_date, external_tx_id, instruction, instruction_url, instruction_expires_at,
			cancel_reason, payout_state, paid_at, paid_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		ch.ID,
		ch.SubscriptionID,
		ch.DriverID,
		ch.Amount,
		ch.Status,
		ch.BillingType,
		ch.DueDate,
		ch.ExternalTxID,
		ch.Instruction,
		ch.InstructionURL,
		ch.InstructionExpiresAt,
		ch.CancelReason,
		string(ch.PayoutState),
		ch.PaidAt,
		ch.PaidAmount,
	).Scan(&ch.CreatedAt, &ch.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create charge: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCharge(ctx context.Context, id string) (*Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE id = $1`

	ch, err := scanCharge(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("charge %s: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get charge: %w", err)
	}
	return ch, nil
}

func (s *PostgresStore) GetChargeByExternalID(ctx context.Context, externalID string) (*Charge, bool, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE external_tx_id = $1`

	ch, err := scanCharge(s.db.QueryRowContext(ctx, query, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to get charge by external id: %w", err)
	}
	return ch, true, nil
}

func (s *PostgresStore) UpdateCharge(ctx context.Context, ch *Charge) error {
	query := `
		UPDATE charges
		SET amount = $2, status = $3, due_date = $4, external_tx_id = $5,
			instruction = $6, instruction_url = $7, instruction_expires_at = $8,
			cancel_reason = $9, payout_state = $10, paid_at = $11, paid_amount = $12,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query,
		ch.ID,
		ch.Amount,
		ch.Status,
		ch.DueDate,
		ch.ExternalTxID,
		ch.Instruction,
		ch.InstructionURL,
		ch.InstructionExpiresAt,
		ch.CancelReason,
		string(ch.PayoutState),
		ch.PaidAt,
		ch.PaidAmount,
	)
	if err != nil {
		return fmt.Errorf("failed to update charge: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("charge %s: %w", ch.ID, ErrNotFound)
	}
	return nil
}

// MarkChargePaid transitions a charge from pending to paid. The status guard
// in the WHERE clause makes duplicate confirmations a no-op: only one caller
// observes rows affected.
func (s *PostgresStore) MarkChargePaid(ctx context.Context, id string, paidAmount float64, paidAt time.Time) (bool, error) {
	query := `
		UPDATE charges
		SET status = 'paid', paid_amount = $2, paid_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := s.db.ExecContext(ctx, query, id, paidAmount, paidAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark charge paid: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check paid result: %w", err)
	}
	return rows > 0, nil
}

func (s *PostgresStore) CancelPendingCharge(ctx context.Context, id, reason string) (bool, error) {
	query := `
		UPDATE charges
		SET status = 'cancelled', cancel_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := s.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return false, fmt.Errorf("failed to cancel charge: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check cancel result: %w", err)
	}
	return rows > 0, nil
}

func (s *PostgresStore) PendingRenewalCharge(ctx context.Context, subscriptionID string) (*Charge, bool, error) {
	query := `SELECT ` + chargeColumns + `
		FROM charges
		WHERE subscription_id = $1 AND status = 'pending' AND billing_type = 'renewal'
		ORDER BY created_at DESC
		LIMIT 1`

	ch, err := scanCharge(s.db.QueryRowContext(ctx, query, subscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to get pending renewal charge: %w", err)
	}
	return ch, true, nil
}

func (s *PostgresStore) ListPendingCharges(ctx context.Context, driverID string) ([]*Charge, error) {
	query := `SELECT ` + chargeColumns + `
		FROM charges
		WHERE driver_id = $1 AND status = 'pending'
		ORDER BY created_at`

	return s.queryCharges(ctx, query, driverID)
}

func (s *PostgresStore) ListCancelledByReason(ctx context.Context, reason string) ([]*Charge, error) {
	query := `SELECT ` + chargeColumns + `
		FROM charges
		WHERE status = 'cancelled' AND cancel_reason = $1
		ORDER BY created_at`

	return s.queryCharges(ctx, query, reason)
}

func (s *PostgresStore) SetChargePayoutState(ctx context.Context, id string, state PayoutState) error {
	query := `UPDATE charges SET payout_state = $2, updated_at = NOW() WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id, string(state))
	if err != nil {
		return fmt.Errorf("failed to set payout state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check payout state result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("charge %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) queryCharges(ctx context.Context, query string, args ...interface{}) ([]*Charge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list charges: %w", err)
	}
	defer rows.Close()

	var charges []*Charge
	for rows.Next() {
		ch, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		charges = append(charges, ch)
	}
	return charges, rows.Err()
}

func scanCharge(row rowScanner) (*Charge, error) {
	var ch Charge
	var payoutState string
	err := row.Scan(
		&ch.ID,
		&ch.SubscriptionID,
		&ch.DriverID,
		&ch.Amount,
		&ch.Status,
		&ch.BillingType,
		&ch.DueDate,
		&ch.ExternalTxID,
		&ch.Instruction,
		&ch.InstructionURL,
		&ch.InstructionExpiresAt,
		&ch.CancelReason,
		&payoutState,
		&ch.PaidAt,
		&ch.PaidAmount,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ch.PayoutState = PayoutState(payoutState)
	return &ch, nil
}

func (s *PostgresStore) AddRider(ctx context.Context, r *Rider) error {
	query := `
		INSERT INTO riders (id, subscription_id, driver_id, name, billing_enabled, activated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		r.ID,
		r.SubscriptionID,
		r.DriverID,
		r.Name,
		r.BillingEnabled,
		r.ActivatedAt,
	).Scan(&r.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to add rider: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRiders(ctx context.Context, subscriptionID string) ([]*Rider, error) {
	query := `
		SELECT id, subscription_id, driver_id, name, billing_enabled, activated_at, created_at
		FROM riders
		WHERE subscription_id = $1
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list riders: %w", err)
	}
	defer rows.Close()

	var riders []*Rider
	for rows.Next() {
		var r Rider
		err := rows.Scan(&r.ID, &r.SubscriptionID, &r.DriverID, &r.Name, &r.BillingEnabled, &r.ActivatedAt, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rider: %w", err)
		}
		riders = append(riders, &r)
	}
	return riders, rows.Err()
}

func (s *PostgresStore) UpdateRider(ctx context.Context, r *Rider) error {
	query := `
		UPDATE riders
		SET name = $2, billing_enabled = $3, activated_at = $4
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, r.ID, r.Name, r.BillingEnabled, r.ActivatedAt)
	if err != nil {
		return fmt.Errorf("failed to update rider: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rider update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("rider %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SaveDriver(ctx context.Context, d *Driver) error {
	query := `
		INSERT INTO drivers (id, name, tax_id, pix_key, pix_key_verified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, tax_id = EXCLUDED.tax_id, pix_key = EXCLUDED.pix_key,
			pix_key_verified_at = EXCLUDED.pix_key_verified_at, updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		d.ID,
		d.Name,
		d.TaxID,
		d.PixKey,
		d.PixKeyVerifiedAt,
	).Scan(&d.CreatedAt, &d.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to save driver: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDriver(ctx context.Context, id string) (*Driver, error) {
	query := `
		SELECT id, name, tax_id, pix_key, pix_key_verified_at, created_at, updated_at
		FROM drivers
		WHERE id = $1
	`

	var d Driver
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID,
		&d.Name,
		&d.TaxID,
		&d.PixKey,
		&d.PixKeyVerifiedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get driver: %w", err)
	}
	return &d, nil
}
