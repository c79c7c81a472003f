package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kombina-app/kombina/pkg/storage"
	"github.com/kombina-app/kombina/pkg/subscription"
)

func TestPaymentNotificationConfirms(t *testing.T) {
	env := newTestEnv(t)
	env.seedDriver(t, "driver-1")
	seedActive(t, env, "driver-1", "sub-1")
	ch := seedPendingCharge(t, env, "ch-1", "sub-1", "driver-1", nil)

	rec := env.do(t, "POST", "/webhooks/payments", map[string]interface{}{
		"externalTransactionId": ch.ExternalTxID,
		"amount":                "49.90",
		"paidAt":                time.Now().UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, "confirmed", resp["status"])
	assert.Equal(t, "ch-1", resp["chargeId"])

	got, err := env.store.GetCharge(context.Background(), "ch-1")
	require.NoError(t, err)
	assert.Equal(t, subscription.ChargePaid, got.Status)
	assert.InDelta(t, 49.90, got.PaidAmount, 0.001)
}

func TestPaymentNotificationDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.seedDriver(t, "driver-1")
	seedActive(t, env, "driver-1", "sub-1")
	ch := seedPendingCharge(t, env, "ch-1", "sub-1", "driver-1", nil)

	note := map[string]interface{}{
		"externalTransactionId": ch.ExternalTxID,
		"amount":                "49.90",
	}
	rec := env.do(t, "POST", "/webhooks/payments", note)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "POST", "/webhooks/payments", note)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, "duplicate", resp["status"])
}

func TestPaymentNotificationUnknownTransactionIsDropped(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/webhooks/payments", map[string]interface{}{
		"externalTransactionId": "never-created",
		"amount":                "49.90",
	})
	require.Equal(t, http.StatusOK, rec.Code, "unmatched notifications must not trigger gateway retries")

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, "ignored", resp["status"])
}

func TestPaymentNotificationBadPayload(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing transaction id", map[string]interface{}{"amount": "49.90"}},
		{"malformed amount", map[string]interface{}{"externalTransactionId": "tx-1", "amount": "R$49,90"}},
		{"malformed paidAt", map[string]interface{}{"externalTransactionId": "tx-1", "amount": "49.90", "paidAt": "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/webhooks/payments", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestPaymentNotificationInvalidatesInstructionCache(t *testing.T) {
	env := newTestEnv(t)
	env.seedDriver(t, "driver-1")
	seedActive(t, env, "driver-1", "sub-1")
	ch := seedPendingCharge(t, env, "ch-1", "sub-1", "driver-1", nil)

	expires := time.Now().UTC().Add(30 * time.Minute)
	require.NoError(t, env.cache.Put(context.Background(), storage.CachedInstruction{
		ChargeID:    "ch-1",
		Amount:      49.90,
		Instruction: "00020126cached",
		ExpiresAt:   expires,
	}))
	require.True(t, env.redis.Exists("instruction:ch-1"))

	rec := env.do(t, "POST", "/webhooks/payments", map[string]interface{}{
		"externalTransactionId": ch.ExternalTxID,
		"amount":                "49.90",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.False(t, env.redis.Exists("instruction:ch-1"), "paid charges must not keep serving an instruction")
}

func TestConfirmCharge(t *testing.T) {
	env := newTestEnv(t)
	env.seedDriver(t, "driver-1")
	seedActive(t, env, "driver-1", "sub-1")
	seedPendingCharge(t, env, "ch-1", "sub-1", "driver-1", nil)

	rec := env.do(t, "POST", "/internal/charges/ch-1/confirm", map[string]interface{}{
		"amount": 49.90,
		"paidAt": time.Now().UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result subscription.ConfirmResult
	decodeBody(t, rec, &result)
	assert.Equal(t, "ch-1", result.ChargeID)
	assert.False(t, result.AlreadyProcessed)
}

func TestConfirmChargeUnknownChargeIsFatal(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/internal/charges/ghost/confirm", map[string]interface{}{
		"amount": 49.90,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, "operator confirms surface missing charges")
}
