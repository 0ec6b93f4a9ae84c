// Package dispatcher manages worker fan-out over the task queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/media-validator/internal/telemetry"
	"github.com/JakeFAU/media-validator/internal/validation"
	"github.com/JakeFAU/media-validator/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   validation.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue validation.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Add registers more workers. It must be called before Run; workers usually
// need the Dispatcher as their coordinator's queue, so they are built after it.
func (d *Dispatcher) Add(workers ...*worker.Worker) {
	d.workers = append(d.workers, workers...)
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue stamps the caller's trace context on the task and hands it to the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task validation.Task) error {
	if task.Trace == nil {
		task.Trace = telemetry.Inject(ctx)
	}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Dequeue proxies to the underlying queue so the Dispatcher can stand in for it.
func (d *Dispatcher) Dequeue(ctx context.Context) (validation.Delivery, error) {
	delivery, err := d.queue.Dequeue(ctx)
	if err != nil {
		return validation.Delivery{}, fmt.Errorf("queue dequeue: %w", err)
	}
	return delivery, nil
}
