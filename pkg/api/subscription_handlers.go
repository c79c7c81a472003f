package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kombina-app/kombina/pkg/httputil"
	"github.com/kombina-app/kombina/pkg/observability"
	"github.com/kombina-app/kombina/pkg/storage"
	"github.com/kombina-app/kombina/pkg/subscription"
)

// SubscriptionHandlers handles driver enrollment and plan management requests
type SubscriptionHandlers struct {
	svc    *subscription.Service
	cache  *storage.InstructionCache
	logger *observability.Logger
}

// NewSubscriptionHandlers creates a new SubscriptionHandlers. The cache may
// be nil; instruction requests then always go through the service.
func NewSubscriptionHandlers(svc *subscription.Service, cache *storage.InstructionCache, logger *observability.Logger) *SubscriptionHandlers {
	return &SubscriptionHandlers{
		svc:    svc,
		cache:  cache,
		logger: logger,
	}
}

// RegisterRoutes registers subscription routes
func (h *SubscriptionHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/drivers", h.RegisterDriver).Methods("POST")
	router.HandleFunc("/drivers/{driverID}/subscription", h.Enroll).Methods("POST")
	router.HandleFunc("/drivers/{driverID}/subscription", h.GetSubscription).Methods("GET")
	router.HandleFunc("/drivers/{driverID}/subscription/plan", h.ChangePlan).Methods("PUT")
	router.HandleFunc("/drivers/{driverID}/subscription/expand", h.Expand).Methods("POST")

	router.HandleFunc("/subscriptions/{subscriptionID}/cancel", h.Cancel).Methods("POST")
	router.HandleFunc("/subscriptions/{subscriptionID}/uncancel", h.Uncancel).Methods("POST")
	router.HandleFunc("/subscriptions/{subscriptionID}/riders", h.AddRider).Methods("POST")

	router.HandleFunc("/charges/{chargeID}/instruction", h.PaymentInstruction).Methods("GET")
}

// RegisterDriver creates or updates a driver profile
func (h *SubscriptionHandlers) RegisterDriver(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		TaxID  string `json:"taxId"`
		PixKey string `json:"pixKey"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	driver := &subscription.Driver{
		ID:     req.ID,
		Name:   req.Name,
		TaxID:  req.TaxID,
		PixKey: req.PixKey,
	}
	if err := h.svc.RegisterDriver(r.Context(), driver); err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteCreated(w, driver)
}

// Enroll starts a driver on a plan with a free trial
func (h *SubscriptionHandlers) Enroll(w http.ResponseWriter, r *http.Request) {
	driverID, ok := httputil.ParsePathStringOrError(w, r, "driverID")
	if !ok {
		return
	}

	var req struct {
		PlanID string `json:"planId"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.PlanID, "planId") {
		return
	}

	sub, err := h.svc.Enroll(r.Context(), driverID, req.PlanID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteCreated(w, sub)
}

// GetSubscription returns the driver's active subscription
func (h *SubscriptionHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	driverID, ok := httputil.ParsePathStringOrError(w, r, "driverID")
	if !ok {
		return
	}

	sub, err := h.svc.ActiveSubscription(r.Context(), driverID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteSuccess(w, sub)
}

type planChangeResponse struct {
	Subscription *subscription.Subscription `json:"subscription"`
	Charge       *subscription.Charge       `json:"charge,omitempty"`
}

// ChangePlan moves the driver to another plan. Upgrades return the gating
// charge; downgrades take effect immediately.
func (h *SubscriptionHandlers) ChangePlan(w http.ResponseWriter, r *http.Request) {
	driverID, ok := httputil.ParsePathStringOrError(w, r, "driverID")
	if !ok {
		return
	}

	var req struct {
		PlanID string `json:"planId"`
		Quota  int    `json:"quota"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.PlanID, "planId") {
		return
	}

	sub, charge, err := h.svc.ChangePlan(r.Context(), driverID, req.PlanID, req.Quota)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteSuccess(w, planChangeResponse{Subscription: sub, Charge: charge})
}

// Expand raises the rider quota beyond the plan's standard tiers
func (h *SubscriptionHandlers) Expand(w http.ResponseWriter, r *http.Request) {
	driverID, ok := httputil.ParsePathStringOrError(w, r, "driverID")
	if !ok {
		return
	}

	var req struct {
		Quota int `json:"quota"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequirePositive(w, int64(req.Quota), "quota") {
		return
	}

	sub, charge, err := h.svc.Expand(r.Context(), driverID, req.Quota)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteSuccess(w, planChangeResponse{Subscription: sub, Charge: charge})
}

// Cancel schedules a cancellation at the end of the paid period
func (h *SubscriptionHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	subID, ok := httputil.ParsePathStringOrError(w, r, "subscriptionID")
	if !ok {
		return
	}

	if err := h.svc.RequestCancellation(r.Context(), subID); err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

// Uncancel reverts a scheduled cancellation and regenerates purged charges
func (h *SubscriptionHandlers) Uncancel(w http.ResponseWriter, r *http.Request) {
	subID, ok := httputil.ParsePathStringOrError(w, r, "subscriptionID")
	if !ok {
		return
	}

	if err := h.svc.UndoCancellation(r.Context(), subID); err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

// AddRider registers a rider under a subscription
func (h *SubscriptionHandlers) AddRider(w http.ResponseWriter, r *http.Request) {
	subID, ok := httputil.ParsePathStringOrError(w, r, "subscriptionID")
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}

	rider, err := h.svc.AddRider(r.Context(), subID, req.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteCreated(w, rider)
}

type instructionResponse struct {
	ChargeID       string  `json:"chargeId"`
	Amount         float64 `json:"amount"`
	Instruction    string  `json:"instruction"`
	InstructionURL string  `json:"instructionUrl,omitempty"`
	ExpiresAt      string  `json:"expiresAt,omitempty"`
}

// PaymentInstruction returns the payment instruction for a pending charge,
// serving from the cache when a valid instruction is already minted.
func (h *SubscriptionHandlers) PaymentInstruction(w http.ResponseWriter, r *http.Request) {
	chargeID, ok := httputil.ParsePathStringOrError(w, r, "chargeID")
	if !ok {
		return
	}
	ctx := r.Context()

	if h.cache != nil {
		if ci, hit, err := h.cache.Get(ctx, chargeID); err != nil {
			h.logger.WithError(err).Warn("instruction cache read failed")
		} else if hit {
			httputil.WriteSuccess(w, instructionResponse{
				ChargeID:       ci.ChargeID,
				Amount:         ci.Amount,
				Instruction:    ci.Instruction,
				InstructionURL: ci.InstructionURL,
				ExpiresAt:      ci.ExpiresAt.Format(timeFormat),
			})
			return
		}
	}

	ch, err := h.svc.PaymentInstruction(ctx, chargeID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := instructionResponse{
		ChargeID:       ch.ID,
		Amount:         ch.Amount,
		Instruction:    ch.Instruction,
		InstructionURL: ch.InstructionURL,
	}
	if ch.InstructionExpiresAt != nil {
		resp.ExpiresAt = ch.InstructionExpiresAt.Format(timeFormat)

		if h.cache != nil {
			ci := storage.CachedInstruction{
				ChargeID:       ch.ID,
				Amount:         ch.Amount,
				Instruction:    ch.Instruction,
				InstructionURL: ch.InstructionURL,
				ExpiresAt:      *ch.InstructionExpiresAt,
			}
			if err := h.cache.Put(ctx, ci); err != nil {
				h.logger.WithError(err).Warn("instruction cache write failed")
			}
		}
	}

	httputil.WriteSuccess(w, resp)
}
