package courier

import (
	"context"
	"sync"

	"github.com/gammazero/workerpool"

	"Conclave/internal/logger"
)

// Dispatcher delivers messages in the background so callers never wait on
// remote parties. Failures are logged. Messages dispatched after Close are
// dropped.
type Dispatcher struct {
	courier Courier                // courier delivers each message
	pool    *workerpool.WorkerPool // pool bounds concurrent deliveries
	wg      sync.WaitGroup         // wg counts queued and running deliveries

	mu     sync.RWMutex // mu orders Dispatch against Close
	closed bool         // closed is set by Close

	ctx    context.Context    // ctx is cancelled by Close
	cancel context.CancelFunc // cancel aborts in-flight retries
}

// NewDispatcher creates a dispatcher running at most workers deliveries at once.
func NewDispatcher(c Courier, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		courier: c,
		pool:    workerpool.New(workers),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Dispatch queues msgs for delivery.
func (d *Dispatcher) Dispatch(msgs ...Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		logger.Debug("dispatch after close dropped", "messages", len(msgs))
		return
	}

	for _, msg := range msgs {
		m := msg
		d.wg.Add(1)

		d.pool.Submit(func() {
			defer d.wg.Done()

			if err := d.courier.Deliver(d.ctx, m); err != nil {
				logger.Warn("background delivery failed", "topic", m.Topic, "dest", m.Dest, "error", err)
			}
		})
	}
}

// Flush waits until every queued delivery has finished.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}

// Close aborts pending retries and waits for the workers to stop.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.pool.StopWait()
}
