// Package subscription owns the lifecycle of driver plan enrollments: the
// subscription state machine (trial, activation, upgrade, downgrade,
// suspension, cancellation), the charges billed over the instant-payment
// gateway, and the reconciliation of asynchronous payment confirmations
// against pending charges.
//
// Correctness under concurrent, possibly-duplicated webhook delivery relies
// on conditional writes at the store layer rather than in-process locks: a
// charge moves pending to paid in a single guarded update, and a zero-row
// result means another delivery already won.
package subscription
