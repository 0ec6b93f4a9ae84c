package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-validator/internal/retry"
	"github.com/JakeFAU/media-validator/internal/validation"
	"github.com/JakeFAU/media-validator/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(queue, nil, nil, nil, retry.Default(), worker.Config{}, zap.NewNop())
	dispatch := New(queue, nil)
	dispatch.Add(w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil)

	err := dispatch.Enqueue(context.Background(), validation.Task{Kind: validation.TaskCrawl, JobID: "job"})
	require.EqualError(t, err, "queue enqueue: boom")

	_, err = dispatch.Dequeue(context.Background())
	require.EqualError(t, err, "queue dequeue: boom")
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(context.Context, validation.Task) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (validation.Delivery, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return validation.Delivery{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, validation.Task) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (validation.Delivery, error) {
	return validation.Delivery{}, q.err
}
