// Package crawl paginates a collection into fixed-size batches and places one
// batch task per page on the work queue.
package crawl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-validator/internal/retry"
	"github.com/JakeFAU/media-validator/internal/validation"
)

// ErrHalted is returned when dispatch stopped because the job was canceled.
var ErrHalted = errors.New("dispatch halted")

// TotalBatches is ceil(max(count-startIndex, 0) / batchSize).
func TotalBatches(count, batchSize, startIndex int) int {
	if batchSize <= 0 {
		return 0
	}
	remaining := max(count-startIndex, 0)
	return (remaining + batchSize - 1) / batchSize
}

// Plan returns the batch tasks covering a collection of count documents.
func Plan(job validation.Job, count int) []validation.BatchTask {
	return batches(job, TotalBatches(count, job.BatchSize, job.StartIndex))
}

func batches(job validation.Job, total int) []validation.BatchTask {
	tasks := make([]validation.BatchTask, total)
	for i := range tasks {
		tasks[i] = validation.BatchTask{
			JobID:        job.ID,
			Collection:   job.Collection,
			BatchIndex:   i,
			TotalBatches: total,
			StartIndex:   job.StartIndex,
			BatchSize:    job.BatchSize,
		}
	}
	return tasks
}

// Hooks let the owner of a job observe and steer dispatch.
type Hooks struct {
	// Planned runs once the batch count is known and before anything is enqueued.
	Planned func(ctx context.Context, totalBatches int) error
	// Halted is checked before each enqueue.
	Halted func(ctx context.Context) bool
	// Completed reports batches that need no dispatch (already merged).
	Completed func(batchIndex int) bool
}

// Crawler counts a collection and fans it out as batch tasks.
type Crawler struct {
	docs   validation.DocumentReader
	queue  validation.Queue
	policy retry.Policy
	logger *zap.Logger
}

// New builds a Crawler.
func New(docs validation.DocumentReader, queue validation.Queue, policy retry.Policy, logger *zap.Logger) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{docs: docs, queue: queue, policy: policy, logger: logger.Named("crawler")}
}

// Crawl enqueues the job's batches and returns how many were enqueued. When
// job.TotalBatches is already set the collection is not counted again, so a
// redelivered crawl resumes with the original plan.
func (c *Crawler) Crawl(ctx context.Context, job validation.Job, hooks Hooks) (int, error) {
	if job.BatchSize <= 0 {
		return 0, &validation.OrchestrationError{JobID: job.ID, Op: "plan", Err: fmt.Errorf("%w: batch size %d", validation.ErrInvalidRequest, job.BatchSize)}
	}
	logger := c.logger.With(zap.String("job_id", job.ID), zap.String("collection", job.Collection))

	total := job.TotalBatches
	if total <= 0 {
		var count int
		err := c.policy.Do(ctx, func(ctx context.Context, _ int) error {
			n, err := c.docs.Count(ctx, job.Collection)
			if err != nil {
				return fmt.Errorf("count collection: %w", err)
			}
			count = n
			return nil
		})
		if err != nil {
			return 0, &validation.OrchestrationError{JobID: job.ID, Op: "count", Err: err}
		}
		total = TotalBatches(count, job.BatchSize, job.StartIndex)
		logger.Info("collection counted", zap.Int("documents", count), zap.Int("batches", total))
	}
	job.TotalBatches = total

	if hooks.Planned != nil {
		if err := hooks.Planned(ctx, total); err != nil {
			return 0, fmt.Errorf("record plan: %w", err)
		}
	}

	enqueued := 0
	for _, batch := range batches(job, total) {
		if hooks.Completed != nil && hooks.Completed(batch.BatchIndex) {
			continue
		}
		if hooks.Halted != nil && hooks.Halted(ctx) {
			logger.Info("dispatch halted", zap.Int("enqueued", enqueued))
			return enqueued, ErrHalted
		}
		task := validation.Task{Kind: validation.TaskBatch, JobID: job.ID, Batch: &batch}
		err := c.policy.Do(ctx, func(ctx context.Context, _ int) error {
			return c.queue.Enqueue(ctx, task)
		})
		if err != nil {
			return enqueued, &validation.OrchestrationError{JobID: job.ID, Op: "enqueue batch", Err: err}
		}
		enqueued++
	}
	logger.Debug("batches enqueued", zap.Int("enqueued", enqueued), zap.Int("total", total))
	return enqueued, nil
}

// FetchBatch reads the documents covered by task, ordered by document ID. A
// short final page is expected.
func FetchBatch(ctx context.Context, docs validation.DocumentReader, task validation.BatchTask) ([]validation.Document, error) {
	out, err := docs.List(ctx, task.Collection, task.Offset(), task.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list %s batch %d: %w", task.Collection, task.BatchIndex, err)
	}
	return out, nil
}
