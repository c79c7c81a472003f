package payouts

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kombina-app/kombina/pkg/subscription"
)

func TestCreateTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO payout_transactions").
		WithArgs("tx-1", "ch-1", "driver-1", 49.90, 0.90, 49.00, StatusProcessing, "", "").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	tx := &PayoutTransaction{
		ID:          "tx-1",
		ChargeID:    "ch-1",
		DriverID:    "driver-1",
		GrossAmount: 49.90,
		PlatformFee: 0.90,
		NetAmount:   49.00,
		Status:      StatusProcessing,
	}
	require.NoError(t, store.CreateTransaction(context.Background(), tx))
	assert.Equal(t, now, tx.CreatedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTransactionNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectExec("UPDATE payout_transactions").
		WithArgs("tx-ghost", StatusSucceeded, "", "E2E1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.UpdateTransaction(context.Background(), &PayoutTransaction{
		ID:         "tx-ghost",
		Status:     StatusSucceeded,
		TransferID: "E2E1",
	})
	assert.ErrorIs(t, err, subscription.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSucceededForCharge(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ch-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	done, err := store.SucceededForCharge(context.Background(), "ch-1")
	require.NoError(t, err)
	assert.True(t, done)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRetryable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	cols := []string{"id", "charge_id", "driver_id", "gross_amount", "platform_fee",
		"net_amount", "status", "failure_reason", "transfer_id", "created_at", "updated_at"}
	mock.ExpectQuery("FROM payout_transactions").
		WithArgs("driver-1", ReasonMissingDestination).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("tx-1", "ch-1", "driver-1", 49.90, 0.90, 49.00, string(StatusPendingRetry), "provider timeout", "", now, now).
			AddRow("tx-2", "ch-2", "driver-1", 89.90, 1.30, 88.60, string(StatusFailed), ReasonMissingDestination, "", now, now))

	txs, err := store.ListRetryable(context.Background(), "driver-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, StatusPendingRetry, txs[0].Status)
	assert.Equal(t, ReasonMissingDestination, txs[1].FailureReason)

	assert.NoError(t, mock.ExpectationsWereMet())
}
