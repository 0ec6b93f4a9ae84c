// Package pubsub implements the task queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-validator/internal/validation"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("pubsub queue closed")

const (
	attrKind  = "kind"
	attrJobID = "job_id"
)

// Queue publishes tasks to a topic and receives them from a subscription.
// A delivery is held until Ack or Nack so subscription flow control bounds
// in-flight work; Nack hands the message back for redelivery.
type Queue struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	deliveries chan validation.Delivery
	done       chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	closeOnce  sync.Once
	mu         sync.Mutex
	recvErr    error
}

var _ validation.Queue = (*Queue)(nil)

// New wires a queue to an existing topic and subscription.
func New(client *pubsub.Client, topicID, subscriptionID string, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topicID == "" || subscriptionID == "" {
		return nil, fmt.Errorf("topic and subscription are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		topic:      client.Topic(topicID),
		sub:        client.Subscription(subscriptionID),
		logger:     logger.Named("pubsub_queue"),
		deliveries: make(chan validation.Delivery),
		done:       make(chan struct{}),
	}, nil
}

// Enqueue publishes the task as JSON and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, task validation.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	attrs := map[string]string{attrKind: string(task.Kind), attrJobID: task.JobID}
	for k, v := range task.Trace {
		attrs[k] = v
	}
	if _, err := q.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// Start begins receiving in the background. Dequeue calls it lazily.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		select {
		case <-q.done:
			return
		default:
		}
		recvCtx, cancel := context.WithCancel(ctx)
		q.cancel = cancel
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			err := q.sub.Receive(recvCtx, q.handle)
			if err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error("receive stopped", zap.Error(err))
				q.mu.Lock()
				q.recvErr = err
				q.mu.Unlock()
			}
		}()
	})
}

func (q *Queue) handle(ctx context.Context, msg *pubsub.Message) {
	var task validation.Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		q.logger.Warn("dropping undecodable task", zap.String("message_id", msg.ID), zap.Error(err))
		msg.Ack()
		return
	}
	if len(task.Trace) == 0 && len(msg.Attributes) > 0 {
		task.Trace = make(map[string]string, len(msg.Attributes))
		for k, v := range msg.Attributes {
			if k != attrKind && k != attrJobID {
				task.Trace[k] = v
			}
		}
	}

	settled := make(chan struct{})
	var once sync.Once
	settle := func(ack bool) {
		once.Do(func() {
			if ack {
				msg.Ack()
			} else {
				msg.Nack()
			}
			close(settled)
		})
	}
	delivery := validation.NewDelivery(task, func() { settle(true) }, func() { settle(false) })

	select {
	case q.deliveries <- delivery:
	case <-ctx.Done():
		msg.Nack()
		return
	case <-q.done:
		msg.Nack()
		return
	}
	select {
	case <-settled:
	case <-ctx.Done():
		settle(false)
	}
}

// Dequeue blocks until a task arrives or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (validation.Delivery, error) {
	q.Start(context.Background())
	select {
	case <-ctx.Done():
		return validation.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return validation.Delivery{}, ErrClosed
	case d := <-q.deliveries:
		return d, nil
	}
}

// Err reports why background receiving stopped, if it did.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recvErr
}

// Close stops receiving, flushes pending publishes and waits for the receiver.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		close(q.done)
		if q.cancel != nil {
			q.cancel()
		}
		q.mu.Unlock()
		q.wg.Wait()
		q.topic.Stop()
	})
}
