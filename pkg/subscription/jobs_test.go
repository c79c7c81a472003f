package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kombina-app/kombina/pkg/plans"
)

func TestGenerateRenewalChargesCutoff(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	activeSub(t, svc, store, driver, plans.PlanEssential, 10)

	// The 10th is before the default cutoff day.
	created, err := svc.GenerateRenewalCharges(context.Background(), testNow, false)
	require.NoError(t, err)
	assert.Zero(t, created)

	created, err = svc.GenerateRenewalCharges(context.Background(), testNow, true)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}

func TestGenerateRenewalCharges(t *testing.T) {
	svc, store, provider := newTestService(t)
	driver := newTestDriver(t, svc)
	sub := activeSub(t, svc, store, driver, plans.PlanEssential, 10)

	created, err := svc.GenerateRenewalCharges(context.Background(), testNow, true)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	ch, ok, err := store.PendingRenewalCharge(context.Background(), sub.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sub.AppliedPrice, ch.Amount)
	assert.Equal(t, *sub.CycleEnd, ch.DueDate)

	require.Len(t, provider.CreatedCharges, 1)
	require.NotNil(t, provider.CreatedCharges[0].MaturityDate, "renewals use maturity mode")

	// Re-running with the same cycle boundary is a no-op.
	created, err = svc.GenerateRenewalCharges(context.Background(), testNow, true)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Len(t, provider.CreatedCharges, 1)
}

func TestGenerateRenewalChargesReplacesStale(t *testing.T) {
	svc, store, provider := newTestService(t)
	driver := newTestDriver(t, svc)
	sub := activeSub(t, svc, store, driver, plans.PlanEssential, 10)

	stale := pendingCharge(t, store, sub, BillingRenewal, 49.90, sub.CycleEnd.AddDate(0, -1, 0))

	created, err := svc.GenerateRenewalCharges(context.Background(), testNow, true)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	got, err := store.GetCharge(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, ChargeCancelled, got.Status)
	assert.Contains(t, provider.CancelledCharges, stale.ExternalTxID)

	fresh, ok, err := store.PendingRenewalCharge(context.Background(), sub.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, *sub.CycleEnd, fresh.DueDate)
}

func TestGenerateRenewalChargesSkipsNonBillable(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	sub := activeSub(t, svc, store, driver, plans.PlanTrial, 10)
	_ = sub

	created, err := svc.GenerateRenewalCharges(context.Background(), testNow, true)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestGenerateRenewalChargesSkipsPendingCancellation(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	sub := activeSub(t, svc, store, driver, plans.PlanEssential, 10)
	cancelAt := testNow
	sub.CancelRequestedAt = &cancelAt
	require.NoError(t, store.UpdateSubscription(context.Background(), sub))

	created, err := svc.GenerateRenewalCharges(context.Background(), testNow, true)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestSuspendOverdue(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	sub := activeSub(t, svc, store, driver, plans.PlanEssential, 10)
	pendingCharge(t, store, sub, BillingRenewal, 49.90, testNow.AddDate(0, 0, -3))

	suspended, err := svc.SuspendOverdue(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, suspended)

	updated, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, updated.Status)
	require.NotNil(t, updated.SuspendedAt)

	// Re-entrant: already suspended rows are skipped.
	suspended, err = svc.SuspendOverdue(context.Background(), testNow)
	require.NoError(t, err)
	assert.Zero(t, suspended)
}

func TestSuspendOverdueIgnoresFutureDue(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	sub := activeSub(t, svc, store, driver, plans.PlanEssential, 10)
	pendingCharge(t, store, sub, BillingRenewal, 49.90, *sub.CycleEnd)

	suspended, err := svc.SuspendOverdue(context.Background(), testNow)
	require.NoError(t, err)
	assert.Zero(t, suspended)
}

func TestCleanupAbandoned(t *testing.T) {
	svc, store, provider := newTestService(t)
	driver := newTestDriver(t, svc)
	sub := activeSub(t, svc, store, driver, plans.PlanEssential, 10)
	suspendedAt := testNow.AddDate(0, 0, -45)
	sub.Status = StatusSuspended
	sub.SuspendedAt = &suspendedAt
	require.NoError(t, store.UpdateSubscription(context.Background(), sub))
	leftover := pendingCharge(t, store, sub, BillingRenewal, 49.90, testNow.AddDate(0, 0, -40))

	cancelled, err := svc.CleanupAbandoned(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	updated, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, updated.Status)
	assert.False(t, updated.Active)

	ch, err := store.GetCharge(context.Background(), leftover.ID)
	require.NoError(t, err)
	assert.Equal(t, ChargeCancelled, ch.Status)
	assert.Contains(t, provider.CancelledCharges, leftover.ExternalTxID)
}

func TestCleanupAbandonedRespectsGrace(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	sub := activeSub(t, svc, store, driver, plans.PlanEssential, 10)
	suspendedAt := testNow.AddDate(0, 0, -5)
	sub.Status = StatusSuspended
	sub.SuspendedAt = &suspendedAt
	require.NoError(t, store.UpdateSubscription(context.Background(), sub))

	cancelled, err := svc.CleanupAbandoned(context.Background(), testNow)
	require.NoError(t, err)
	assert.Zero(t, cancelled)
}

func TestFinalizePendingCancellations(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	sub := activeSub(t, svc, store, driver, plans.PlanEssential, 10)
	cancelAt := testNow
	sub.CancelRequestedAt = &cancelAt
	require.NoError(t, store.UpdateSubscription(context.Background(), sub))

	// Before cycle end: nothing to finalize.
	finalized, err := svc.FinalizePendingCancellations(context.Background(), testNow)
	require.NoError(t, err)
	assert.Zero(t, finalized)

	// Past cycle end the deactivation happens.
	finalized, err = svc.FinalizePendingCancellations(context.Background(), sub.CycleEnd.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, finalized)

	updated, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, updated.Status)
	assert.False(t, updated.Active)
}

func TestConvertEndedTrials(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	sub, err := svc.Enroll(context.Background(), driver.ID, plans.PlanEssential.ID)
	require.NoError(t, err)

	// Trial still running.
	converted, err := svc.ConvertEndedTrials(context.Background(), testNow)
	require.NoError(t, err)
	assert.Zero(t, converted)

	converted, err = svc.ConvertEndedTrials(context.Background(), sub.TrialEnd.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, converted)

	updated, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPayment, updated.Status)

	ch, err := store.ListPendingCharges(context.Background(), driver.ID)
	require.NoError(t, err)
	require.Len(t, ch, 1)
	assert.Equal(t, BillingActivation, ch[0].BillingType)
}
