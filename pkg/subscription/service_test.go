package subscription

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kombina-app/kombina/pkg/gateway"
	"github.com/kombina-app/kombina/pkg/observability"
	"github.com/kombina-app/kombina/pkg/plans"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *MemoryStore, *gateway.MockProvider) {
	t.Helper()
	store := NewMemoryStore()
	provider := gateway.NewMockProvider()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	svc := NewService(store, provider, Config{}, logger, nil)
	svc.now = func() time.Time { return testNow }
	return svc, store, provider
}

func newTestDriver(t *testing.T, svc *Service) *Driver {
	t.Helper()
	d := &Driver{Name: "Maria Souza", TaxID: "12345678900", PixKey: "maria@example.com"}
	require.NoError(t, svc.RegisterDriver(context.Background(), d))
	return d
}

func TestEnroll(t *testing.T) {
	svc, _, _ := newTestService(t)
	driver := newTestDriver(t, svc)

	sub, err := svc.Enroll(context.Background(), driver.ID, plans.PlanEssential.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusTrial, sub.Status)
	assert.True(t, sub.Active)
	assert.Equal(t, plans.PlanEssential.RiderQuota, sub.ContractedQuota)
	assert.Equal(t, plans.PlanEssential.ListPrice, sub.AppliedPrice)
	require.NotNil(t, sub.TrialEnd)
	assert.Equal(t, testNow.AddDate(0, 0, svc.Config().TrialDays), *sub.TrialEnd)
	assert.Nil(t, sub.CycleEnd)
}

func TestEnrollDuplicateActive(t *testing.T) {
	svc, _, _ := newTestService(t)
	driver := newTestDriver(t, svc)

	_, err := svc.Enroll(context.Background(), driver.ID, plans.PlanEssential.ID)
	require.NoError(t, err)

	_, err = svc.Enroll(context.Background(), driver.ID, plans.PlanProfessional.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestEnrollUnknownPlan(t *testing.T) {
	svc, _, _ := newTestService(t)
	driver := newTestDriver(t, svc)

	_, err := svc.Enroll(context.Background(), driver.ID, "platinum")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEndTrial(t *testing.T) {
	svc, store, provider := newTestService(t)
	driver := newTestDriver(t, svc)
	sub, err := svc.Enroll(context.Background(), driver.ID, plans.PlanEssential.ID)
	require.NoError(t, err)

	ch, err := svc.EndTrial(context.Background(), sub.ID)
	require.NoError(t, err)

	assert.Equal(t, BillingActivation, ch.BillingType)
	assert.Equal(t, plans.PlanEssential.ListPrice, ch.Amount)
	assert.NotEmpty(t, ch.Instruction)
	require.Len(t, provider.CreatedCharges, 1)
	assert.Equal(t, "49.90", provider.CreatedCharges[0].Amount)

	updated, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPayment, updated.Status)

	_, err = svc.EndTrial(context.Background(), sub.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

// activeSub seeds a paid-up active subscription mid-cycle.
func activeSub(t *testing.T, svc *Service, store *MemoryStore, driver *Driver, plan plans.Plan, cycleDaysLeft int) *Subscription {
	t.Helper()
	end := testNow.AddDate(0, 0, cycleDaysLeft)
	sub := &Subscription{
		ID:              "sub-" + plan.ID,
		DriverID:        driver.ID,
		PlanID:          plan.ID,
		Status:          StatusActive,
		Active:          true,
		ContractedQuota: plan.RiderQuota,
		AppliedPrice:    plan.ListPrice,
		PriceOrigin:     PriceNormal,
		AnchorDate:      end.AddDate(0, -1, 0),
		CycleEnd:        &end,
	}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
	return sub
}

func TestChangePlanUpgradeMidCycle(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	cur := activeSub(t, svc, store, driver, plans.PlanEssential, 10)

	next, ch, err := svc.ChangePlan(context.Background(), driver.ID, plans.PlanProfessional.ID, 0)
	require.NoError(t, err)

	assert.Equal(t, StatusPendingPayment, next.Status)
	assert.False(t, next.Active, "upgrade waits for payment")
	require.NotNil(t, next.CycleEnd)
	assert.Equal(t, *cur.CycleEnd, *next.CycleEnd, "cycle end preserved")

	// (89.90 - 49.90) / 30 * 10 = 13.33
	assert.Equal(t, BillingUpgrade, ch.BillingType)
	assert.InDelta(t, 13.33, ch.Amount, 0.001)

	// The old row stays active until the charge is confirmed.
	still, err := store.GetSubscription(context.Background(), cur.ID)
	require.NoError(t, err)
	assert.True(t, still.Active)
}

func TestChangePlanUpgradeWithoutLiveCycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	driver := newTestDriver(t, svc)

	sub, ch, err := svc.ChangePlan(context.Background(), driver.ID, plans.PlanProfessional.ID, 0)
	require.NoError(t, err)

	assert.Nil(t, sub.CycleEnd, "fresh cycle starts on payment")
	assert.Equal(t, BillingActivation, ch.BillingType)
	assert.Equal(t, plans.PlanProfessional.ListPrice, ch.Amount)
}

func TestChangePlanDowngradeImmediate(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	cur := activeSub(t, svc, store, driver, plans.PlanProfessional, 10)

	next, ch, err := svc.ChangePlan(context.Background(), driver.ID, plans.PlanEssential.ID, 0)
	require.NoError(t, err)

	assert.True(t, next.Active, "downgrade takes effect immediately")
	assert.Equal(t, StatusActive, next.Status)
	assert.Nil(t, ch, "price decrease bills nothing")
	require.NotNil(t, next.CycleEnd)
	assert.Equal(t, *cur.CycleEnd, *next.CycleEnd)
	assert.Equal(t, cur.AnchorDate, next.AnchorDate)

	old, err := store.GetSubscription(context.Background(), cur.ID)
	require.NoError(t, err)
	assert.False(t, old.Active)
}

func TestChangePlanDowngradeQuotaShrinkRejected(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	sub := activeSub(t, svc, store, driver, plans.PlanProfessional, 10)

	for i := 0; i < 12; i++ {
		r := &Rider{
			ID:             uuidLike(i),
			SubscriptionID: sub.ID,
			DriverID:       driver.ID,
			Name:           "rider",
			BillingEnabled: true,
			CreatedAt:      testNow.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.AddRider(context.Background(), r))
	}

	_, _, err := svc.ChangePlan(context.Background(), driver.ID, plans.PlanEssential.ID, 10)
	assert.ErrorIs(t, err, ErrConflict)
}

func uuidLike(i int) string {
	return time.Date(2000, 1, 1+i, 0, 0, 0, 0, time.UTC).Format("20060102150405") + "-r"
}

func TestChangePlanNoChange(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	activeSub(t, svc, store, driver, plans.PlanEssential, 10)

	_, _, err := svc.ChangePlan(context.Background(), driver.ID, plans.PlanEssential.ID, 0)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestExpand(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	activeSub(t, svc, store, driver, plans.PlanProfessional, 15)

	sub, ch, err := svc.Expand(context.Background(), driver.ID, 35)
	require.NoError(t, err)

	assert.Equal(t, 35, sub.ContractedQuota)
	assert.Equal(t, PriceCustom, sub.PriceOrigin)
	// 89.90 + 5*2.90 = 104.40
	assert.InDelta(t, 104.40, sub.AppliedPrice, 0.001)
	assert.Equal(t, BillingExpansion, ch.BillingType)
	// (104.40 - 89.90) / 30 * 15 = 7.25
	assert.InDelta(t, 7.25, ch.Amount, 0.001)

	_, _, err = svc.Expand(context.Background(), driver.ID, 20)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRequestCancellationPurgesGhostCharges(t *testing.T) {
	svc, store, provider := newTestService(t)
	driver := newTestDriver(t, svc)
	sub := activeSub(t, svc, store, driver, plans.PlanEssential, 10)

	// A renewal due after the paid-through date and an upgrade charge due
	// before it.
	ghost := &Charge{
		ID: "ch-ghost", SubscriptionID: sub.ID, DriverID: driver.ID,
		Amount: 49.90, Status: ChargePending, BillingType: BillingRenewal,
		DueDate: sub.CycleEnd.AddDate(0, 0, 1), ExternalTxID: "extghost",
	}
	keep := &Charge{
		ID: "ch-keep", SubscriptionID: sub.ID, DriverID: driver.ID,
		Amount: 10.00, Status: ChargePending, BillingType: BillingUpgrade,
		DueDate: testNow, ExternalTxID: "extkeep",
	}
	require.NoError(t, store.CreateCharge(context.Background(), ghost))
	require.NoError(t, store.CreateCharge(context.Background(), keep))

	require.NoError(t, svc.RequestCancellation(context.Background(), sub.ID))

	got, err := store.GetCharge(context.Background(), ghost.ID)
	require.NoError(t, err)
	assert.Equal(t, ChargeCancelled, got.Status)
	assert.Equal(t, cancellationReason(sub.ID), got.CancelReason)
	assert.Contains(t, provider.CancelledCharges, "extghost")

	kept, err := store.GetCharge(context.Background(), keep.ID)
	require.NoError(t, err)
	assert.Equal(t, ChargePending, kept.Status)

	updated, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, updated.PendingCancellation())

	err = svc.RequestCancellation(context.Background(), sub.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUndoCancellationRestoresCharges(t *testing.T) {
	svc, store, provider := newTestService(t)
	driver := newTestDriver(t, svc)
	sub := activeSub(t, svc, store, driver, plans.PlanEssential, 10)

	ghost := &Charge{
		ID: "ch-ghost", SubscriptionID: sub.ID, DriverID: driver.ID,
		Amount: 49.90, Status: ChargePending, BillingType: BillingRenewal,
		DueDate: sub.CycleEnd.AddDate(0, 0, 1), ExternalTxID: "extghost",
	}
	require.NoError(t, store.CreateCharge(context.Background(), ghost))
	require.NoError(t, svc.RequestCancellation(context.Background(), sub.ID))
	require.NoError(t, svc.UndoCancellation(context.Background(), sub.ID))

	updated, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, updated.PendingCancellation())

	// The purged renewal is regenerated as a fresh charge with a new
	// instruction, leaving no billing gap.
	pending, err := store.ListPendingCharges(context.Background(), driver.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.NotEqual(t, ghost.ID, pending[0].ID)
	assert.Equal(t, BillingRenewal, pending[0].BillingType)
	assert.Equal(t, ghost.Amount, pending[0].Amount)
	assert.Equal(t, ghost.DueDate, pending[0].DueDate)
	require.NotEmpty(t, provider.CreatedCharges)
	last := provider.CreatedCharges[len(provider.CreatedCharges)-1]
	require.NotNil(t, last.MaturityDate, "restored renewal uses maturity mode")

	err = svc.UndoCancellation(context.Background(), sub.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPaymentInstructionReuse(t *testing.T) {
	svc, store, provider := newTestService(t)
	driver := newTestDriver(t, svc)
	sub, err := svc.Enroll(context.Background(), driver.ID, plans.PlanEssential.ID)
	require.NoError(t, err)
	ch, err := svc.EndTrial(context.Background(), sub.ID)
	require.NoError(t, err)
	minted := len(provider.CreatedCharges)

	again, err := svc.PaymentInstruction(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, ch.Instruction, again.Instruction)
	assert.Len(t, provider.CreatedCharges, minted, "valid instruction is served from cache")

	// Expire the cached instruction: a new one is minted under a fresh
	// external id.
	expired := testNow.Add(-time.Minute)
	ch.InstructionExpiresAt = &expired
	require.NoError(t, store.UpdateCharge(context.Background(), ch))

	fresh, err := svc.PaymentInstruction(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Len(t, provider.CreatedCharges, minted+1)
	assert.NotEqual(t, ch.ExternalTxID, fresh.ExternalTxID)
	assert.NotEmpty(t, fresh.Instruction)
}

func TestPaymentInstructionNotPayable(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	sub := activeSub(t, svc, store, driver, plans.PlanEssential, 10)

	paid := &Charge{
		ID: "ch-paid", SubscriptionID: sub.ID, DriverID: driver.ID,
		Amount: 49.90, Status: ChargePaid, BillingType: BillingRenewal,
		DueDate: testNow, ExternalTxID: "extpaid",
	}
	require.NoError(t, store.CreateCharge(context.Background(), paid))

	_, err := svc.PaymentInstruction(context.Background(), paid.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAddRiderQuota(t *testing.T) {
	svc, store, _ := newTestService(t)
	driver := newTestDriver(t, svc)
	sub := activeSub(t, svc, store, driver, plans.PlanEssential, 10)
	sub.ContractedQuota = 2
	require.NoError(t, store.UpdateSubscription(context.Background(), sub))

	first, err := svc.AddRider(context.Background(), sub.ID, "Ana")
	require.NoError(t, err)
	assert.True(t, first.BillingEnabled)

	second, err := svc.AddRider(context.Background(), sub.ID, "Bruno")
	require.NoError(t, err)
	assert.True(t, second.BillingEnabled)

	third, err := svc.AddRider(context.Background(), sub.ID, "Clara")
	require.NoError(t, err)
	assert.False(t, third.BillingEnabled, "over quota, waits for auto-fill")
	assert.Nil(t, third.ActivatedAt)

	_, err = svc.AddRider(context.Background(), sub.ID, "")
	assert.ErrorIs(t, err, ErrValidation)
}
