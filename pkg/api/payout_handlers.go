package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kombina-app/kombina/pkg/httputil"
	"github.com/kombina-app/kombina/pkg/observability"
	"github.com/kombina-app/kombina/pkg/payouts"
)

// PayoutHandlers handles driver payout and PIX key validation requests
type PayoutHandlers struct {
	svc    *payouts.Service
	logger *observability.Logger
}

// NewPayoutHandlers creates a new PayoutHandlers
func NewPayoutHandlers(svc *payouts.Service, logger *observability.Logger) *PayoutHandlers {
	return &PayoutHandlers{
		svc:    svc,
		logger: logger,
	}
}

// RegisterRoutes registers payout routes
func (h *PayoutHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/drivers/{driverID}/payouts/reprocess", h.ReprocessPayouts).Methods("POST")
	router.HandleFunc("/drivers/{driverID}/pix-key/validations", h.StartKeyValidation).Methods("POST")
	router.HandleFunc("/internal/key-validations/resolve", h.ResolveKeyValidations).Methods("POST")
}

// ReprocessPayouts retries the driver's recoverable payouts. Called after a
// destination problem is fixed or to sweep transient failures.
func (h *PayoutHandlers) ReprocessPayouts(w http.ResponseWriter, r *http.Request) {
	driverID, ok := httputil.ParsePathStringOrError(w, r, "driverID")
	if !ok {
		return
	}

	recovered, err := h.svc.ReprocessPendingPayouts(r.Context(), driverID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]int{"recovered": recovered})
}

// StartKeyValidation initiates a micro-transfer to verify a driver's PIX key
func (h *PayoutHandlers) StartKeyValidation(w http.ResponseWriter, r *http.Request) {
	driverID, ok := httputil.ParsePathStringOrError(w, r, "driverID")
	if !ok {
		return
	}

	var req struct {
		PixKey string `json:"pixKey"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.PixKey, "pixKey") {
		return
	}

	validation, err := h.svc.StartKeyValidation(r.Context(), driverID, req.PixKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteCreated(w, validation)
}

// ResolveKeyValidations polls the gateway for outstanding key validations
func (h *PayoutHandlers) ResolveKeyValidations(w http.ResponseWriter, r *http.Request) {
	resolved, err := h.svc.ResolveKeyValidations(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]int{"resolved": resolved})
}
