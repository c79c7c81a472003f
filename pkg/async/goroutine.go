package async

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// SafeGo runs fn on its own goroutine under a timeout derived from parentCtx.
// A panic inside fn is logged instead of crashing the process, and a returned
// error is logged for the task by name. Use it for fire-and-forget work whose
// failure the caller only needs to know about from the logs, like kicking off
// a payout after a webhook is already answered.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("async: panic in %s: %v\n%s", taskName, r, debug.Stack())
			}
		}()
		if err := fn(ctx); err != nil {
			log.Printf("async: %s: %v", taskName, err)
		}
	}()
}

// WorkerPool runs submitted tasks on a fixed set of workers, each task under
// its own timeout. Payout delivery runs on one so a slow bank API bounds how
// much concurrent transfer traffic the service generates.
type WorkerPool struct {
	name    string
	timeout time.Duration
	workCh  chan func(context.Context) error
	doneCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	shutdownOnce sync.Once
}

// NewWorkerPool starts workers goroutines draining the task queue. The pool
// runs until Shutdown or until ctx is cancelled.
func NewWorkerPool(ctx context.Context, workers int, name string, timeout time.Duration) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		name:    name,
		timeout: timeout,
		workCh:  make(chan func(context.Context) error, workers*2),
		doneCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.worker()
			}()
		}
		wg.Wait()
		close(p.doneCh)
	}()

	return p
}

// Submit queues a task. It fails once the pool has shut down instead of
// blocking forever on a queue nobody drains.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	select {
	case <-p.doneCh:
		return fmt.Errorf("worker pool %s shut down", p.name)
	default:
	}

	// Shutdown may close workCh between the check above and the send below.
	defer func() { recover() }()

	select {
	case p.workCh <- fn:
		return nil
	case <-p.doneCh:
		return fmt.Errorf("worker pool %s shut down", p.name)
	}
}

// Shutdown stops intake and waits up to timeout for queued tasks to drain.
// Safe to call more than once.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var err error
	p.shutdownOnce.Do(func() {
		close(p.workCh)
		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			err = fmt.Errorf("worker pool %s shutdown timed out after %v", p.name, timeout)
		}
	})
	return err
}

func (p *WorkerPool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(fn)
		}
	}
}

// run executes one task under the pool timeout. A panicking task takes down
// neither its worker nor the process.
func (p *WorkerPool) run(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("async: panic in %s task: %v\n%s", p.name, r, debug.Stack())
		}
	}()
	if err := fn(ctx); err != nil {
		log.Printf("async: %s task: %v", p.name, err)
	}
}
