package payouts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/kombina-app/kombina/pkg/subscription"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `id, charge_id, driver_id, gross_amount, platform_fee, net_amount,
		status, failure_reason, transfer_id, created_at, updated_at`

func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *PayoutTransaction) error {
	query := `
		INSERT INTO payout_transactions (id, charge_id, driver_id, gross_amount,
			platform_fee, net_amount, status, failure_reason, transfer_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		tx.ID,
		tx.ChargeID,
		tx.DriverID,
		tx.GrossAmount,
		tx.PlatformFee,
		tx.NetAmount,
		tx.Status,
		tx.FailureReason,
		tx.TransferID,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create payout transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*PayoutTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payout_transactions WHERE id = $1`

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payout transaction %s: %w", id, subscription.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get payout transaction: %w", err)
	}
	return tx, nil
}

func (s *PostgresStore) UpdateTransaction(ctx context.Context, tx *PayoutTransaction) error {
	query := `
		UPDATE payout_transactions
		SET status = $2, failure_reason = $3, transfer_id = $4, updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, tx.ID, tx.Status, tx.FailureReason, tx.TransferID)
	if err != nil {
		return fmt.Errorf("failed to update payout transaction: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("payout transaction %s: %w", tx.ID, subscription.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SucceededForCharge(ctx context.Context, chargeID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM payout_transactions WHERE charge_id = $1 AND status = 'succeeded')`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, chargeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check succeeded payout: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListRetryable(ctx context.Context, driverID string) ([]*PayoutTransaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM payout_transactions
		WHERE driver_id = $1
			AND (status = 'pending_retry'
				OR (status = 'failed' AND failure_reason = $2)
				OR (status = 'processing' AND transfer_id <> ''))
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, driverID, ReasonMissingDestination)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable payouts: %w", err)
	}
	defer rows.Close()

	var out []*PayoutTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*PayoutTransaction, error) {
	var tx PayoutTransaction
	err := row.Scan(
		&tx.ID,
		&tx.ChargeID,
		&tx.DriverID,
		&tx.GrossAmount,
		&tx.PlatformFee,
		&tx.NetAmount,
		&tx.Status,
		&tx.FailureReason,
		&tx.TransferID,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *PostgresStore) CreateKeyValidation(ctx context.Context, v *PendingKeyValidation) error {
	query := `
		INSERT INTO pending_key_validations (id, driver_id, pix_key, transfer_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := s.db.QueryRowContext(ctx, query, v.ID, v.DriverID, v.PixKey, v.TransferID).Scan(&v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create key validation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListKeyValidations(ctx context.Context) ([]*PendingKeyValidation, error) {
	query := `
		SELECT id, driver_id, pix_key, transfer_id, created_at
		FROM pending_key_validations
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list key validations: %w", err)
	}
	defer rows.Close()

	var out []*PendingKeyValidation
	for rows.Next() {
		var v PendingKeyValidation
		if err := rows.Scan(&v.ID, &v.DriverID, &v.PixKey, &v.TransferID, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan key validation: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteKeyValidation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_key_validations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete key validation: %w", err)
	}
	return nil
}
