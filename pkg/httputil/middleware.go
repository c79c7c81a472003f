package httputil

import (
	"log"
	"mime"
	"net/http"
	"runtime/debug"
)

// RecoveryMiddleware turns a handler panic into a 500 instead of killing
// the API process mid-request.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("kombina-api: panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ContentTypeMiddleware rejects mutating requests whose declared body type
// is not JSON. Webhook senders and API clients alike must declare
// application/json; a missing header is tolerated for empty-body requests.
func ContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if ct := r.Header.Get("Content-Type"); ct != "" {
				mediaType, _, err := mime.ParseMediaType(ct)
				if err != nil || mediaType != "application/json" {
					WriteErrorMessage(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}
