// Package api provides the HTTP surface for the kombina billing platform.
//
// The package exposes handler groups that register themselves on a
// gorilla/mux router:
//
//   - SubscriptionHandlers: driver registration, enrollment, plan changes,
//     quota expansion, cancellation and payment instruction lookup
//   - WebhookHandlers: inbound payment notifications from the PIX gateway
//     and the internal charge confirmation endpoint
//   - PayoutHandlers: payout reprocessing and PIX key validation
//
// Server composes all handler groups with recovery, content-type and
// metrics middleware:
//
//	server := api.NewServer(subs, pays, cache, logger, metrics)
//	http.ListenAndServe(":8080", server)
//
// Error Handling:
//
// Handlers translate service errors into HTTP status codes in one place,
// writeServiceError: validation failures map to 400, missing resources to
// 404, state conflicts to 409, below-minimum payouts to 422, gateway
// rejections to 502 and transient gateway failures to 503.
//
// Webhook Semantics:
//
// Payment notifications for unknown transactions are acknowledged with
// 200 and a status of "ignored". The gateway retries on non-2xx responses
// and a transaction we never created will not become known by retrying.
package api
