// Package payouts drives transfers of collected funds to drivers, net of
// the platform fee.
//
// Every paid charge produces at most one successful PayoutTransaction.
// Transfers only go to verified destinations: an unverified key fails the
// payout terminally, with no automatic retry, until the driver completes key
// verification. Transient provider failures park the transaction in
// pending_retry for the explicit reprocessing sweep instead of blind retry.
package payouts
