package api

import (
	"errors"
	"net/http"

	"github.com/kombina-app/kombina/pkg/gateway"
	"github.com/kombina-app/kombina/pkg/httputil"
	"github.com/kombina-app/kombina/pkg/payouts"
	"github.com/kombina-app/kombina/pkg/subscription"
)

// writeServiceError maps domain errors onto HTTP status codes. Gateway
// failures surface as upstream errors so callers can distinguish retryable
// conditions from rejections.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscription.ErrValidation):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, subscription.ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, subscription.ErrConflict):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, payouts.ErrBelowMinimum):
		httputil.WriteErrorMessage(w, http.StatusUnprocessableEntity, err.Error())
	case gateway.IsRejected(err):
		httputil.WriteErrorMessage(w, http.StatusBadGateway, err.Error())
	case gateway.IsTransient(err):
		httputil.WriteServiceUnavailable(w, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}
