// Package memory provides an in-process task queue for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/media-validator/internal/validation"
)

// ErrClosed is returned by Dequeue once the queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue. A nacked task is put back at the tail.
type Queue struct {
	ch      chan validation.Task
	done    chan struct{}
	once    sync.Once
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

var _ validation.Queue = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan validation.Task, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task validation.Task) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (validation.Delivery, error) {
	select {
	case <-ctx.Done():
		return validation.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return validation.Delivery{}, ErrClosed
		}
		var once sync.Once
		settle := func(redeliver bool) {
			once.Do(func() {
				if redeliver {
					q.requeue(task)
				}
			})
		}
		return validation.NewDelivery(task,
			func() { settle(false) },
			func() { settle(true) },
		), nil
	}
}

// requeue runs asynchronously so a nack from a consumer never blocks on a full buffer.
func (q *Queue) requeue(task validation.Task) {
	q.closeMu.RLock()
	if q.closed {
		q.closeMu.RUnlock()
		return
	}
	q.wg.Add(1)
	q.closeMu.RUnlock()
	go func() {
		defer q.wg.Done()
		_ = q.Enqueue(context.Background(), task)
	}()
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Buffered tasks can still be drained.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
		q.closeMu.Lock()
		q.closed = true
		q.closeMu.Unlock()
		q.wg.Wait()
		close(q.ch)
	})
}
