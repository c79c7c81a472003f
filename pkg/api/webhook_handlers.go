package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kombina-app/kombina/pkg/httputil"
	"github.com/kombina-app/kombina/pkg/observability"
	"github.com/kombina-app/kombina/pkg/storage"
	"github.com/kombina-app/kombina/pkg/subscription"
)

const timeFormat = time.RFC3339

// WebhookHandlers handles payment notifications from the gateway
type WebhookHandlers struct {
	svc    *subscription.Service
	cache  *storage.InstructionCache
	logger *observability.Logger
}

// NewWebhookHandlers creates a new WebhookHandlers. The cache may be nil.
func NewWebhookHandlers(svc *subscription.Service, cache *storage.InstructionCache, logger *observability.Logger) *WebhookHandlers {
	return &WebhookHandlers{
		svc:    svc,
		cache:  cache,
		logger: logger,
	}
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/payments", h.HandlePaymentNotification).Methods("POST")
	router.HandleFunc("/internal/charges/{chargeID}/confirm", h.ConfirmCharge).Methods("POST")
}

// paymentNotification is the gateway's callback payload. Amounts arrive as
// decimal strings on the wire.
type paymentNotification struct {
	ExternalTransactionID string `json:"externalTransactionId"`
	Amount                string `json:"amount"`
	PaidAt                string `json:"paidAt"`
	PayerInfo             struct {
		Name  string `json:"name"`
		TaxID string `json:"taxId"`
	} `json:"payerInfo"`
}

// HandlePaymentNotification processes a gateway payment callback. Unmatched
// transactions are acknowledged and dropped: the gateway retries on anything
// but a 2xx, and an unknown transaction will never become known.
func (h *WebhookHandlers) HandlePaymentNotification(w http.ResponseWriter, r *http.Request) {
	var note paymentNotification
	if !httputil.ParseJSONOrError(w, r, &note) {
		return
	}
	if !httputil.RequireNonEmpty(w, note.ExternalTransactionID, "externalTransactionId") {
		return
	}

	amount, err := strconv.ParseFloat(note.Amount, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid amount: "+note.Amount)
		return
	}

	paidAt := time.Now().UTC()
	if note.PaidAt != "" {
		parsed, err := time.Parse(timeFormat, note.PaidAt)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid paidAt: "+note.PaidAt)
			return
		}
		paidAt = parsed
	}

	result, err := h.svc.ConfirmPaymentByExternalID(r.Context(), note.ExternalTransactionID, amount, paidAt)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			observability.UpdateLoggerWithTraceContext(r.Context(), h.logger).WithFields(map[string]interface{}{
				"external_tx_id": note.ExternalTransactionID,
				"amount":         note.Amount,
			}).Warn("payment notification matched no charge, dropping")
			httputil.WriteSuccess(w, map[string]string{"status": "ignored"})
			return
		}
		writeServiceError(w, err)
		return
	}

	if h.cache != nil {
		if err := h.cache.Invalidate(r.Context(), result.ChargeID); err != nil {
			h.logger.WithError(err).Warn("instruction cache invalidation failed")
		}
	}

	status := "confirmed"
	if result.AlreadyProcessed {
		status = "duplicate"
	}
	httputil.WriteSuccess(w, map[string]string{
		"status":   status,
		"chargeId": result.ChargeID,
	})
}

// ConfirmCharge confirms a payment by charge id. Unlike the gateway webhook,
// a missing charge here is an operator error and surfaces as 404.
func (h *WebhookHandlers) ConfirmCharge(w http.ResponseWriter, r *http.Request) {
	chargeID, ok := httputil.ParsePathStringOrError(w, r, "chargeID")
	if !ok {
		return
	}

	var req struct {
		Amount float64 `json:"amount"`
		PaidAt string  `json:"paidAt"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	paidAt := time.Now().UTC()
	if req.PaidAt != "" {
		parsed, err := time.Parse(timeFormat, req.PaidAt)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid paidAt: "+req.PaidAt)
			return
		}
		paidAt = parsed
	}

	result, err := h.svc.ConfirmPayment(r.Context(), chargeID, req.Amount, paidAt)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if h.cache != nil {
		if err := h.cache.Invalidate(r.Context(), result.ChargeID); err != nil {
			h.logger.WithError(err).Warn("instruction cache invalidation failed")
		}
	}

	httputil.WriteSuccess(w, result)
}
