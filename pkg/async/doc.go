// Package async holds the goroutine plumbing for background work: SafeGo for
// fire-and-forget tasks and WorkerPool for bounded-concurrency queues. Both
// put a timeout on every task and turn panics into log lines instead of
// crashes.
//
//	pool := async.NewWorkerPool(ctx, 4, "payout delivery", 30*time.Second)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(func(ctx context.Context) error {
//		return deliverPayout(ctx, txID)
//	})
//
// The payout service runs transfer delivery on a WorkerPool so the bank API
// never sees unbounded concurrent traffic; the API binary uses SafeGo to
// start payouts after the payment webhook has been answered.
package async
