// Package worker implements the task execution loop: crawl tasks fan a job out,
// batch tasks validate one page of documents, repair tasks rewrite references.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-validator/internal/aggregate"
	"github.com/JakeFAU/media-validator/internal/metrics"
	"github.com/JakeFAU/media-validator/internal/normalize"
	"github.com/JakeFAU/media-validator/internal/retry"
	"github.com/JakeFAU/media-validator/internal/telemetry"
	"github.com/JakeFAU/media-validator/internal/validation"
)

const (
	defaultConcurrency  = 12
	defaultBatchTimeout = 60 * time.Second
	dequeueBackoff      = 100 * time.Millisecond
)

// Coordinator owns job and repair state. The orchestrator implements it.
type Coordinator interface {
	// RunCrawl plans the job and enqueues its batches.
	RunCrawl(ctx context.Context, jobID string) error
	// JobActive reports whether batches of the job should still be processed.
	JobActive(ctx context.Context, jobID string) (bool, error)
	// RecordBatch merges a batch outcome into the job's report.
	RecordBatch(ctx context.Context, outcome aggregate.Outcome) error
	// RunRepair executes a repair task and stores its result.
	RunRepair(ctx context.Context, task validation.RepairTask) error
}

// Classifier judges one media reference.
type Classifier interface {
	Classify(ctx context.Context, entry validation.MediaEntry) validation.ClassificationResult
}

// Config controls Worker behavior.
type Config struct {
	// Concurrency bounds in-flight classifications per batch.
	Concurrency int
	// BatchTimeout is the soft deadline for classifying one batch.
	BatchTimeout time.Duration
	// MediaFields selects the document fields holding media.
	MediaFields []string
}

// Worker consumes queue deliveries and executes them.
type Worker struct {
	queue       validation.Queue
	docs        validation.DocumentReader
	classifier  Classifier
	coordinator Coordinator
	policy      retry.Policy
	matcher     normalize.Matcher
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Worker.
func New(
	queue validation.Queue,
	docs validation.DocumentReader,
	classifier Classifier,
	coordinator Coordinator,
	policy retry.Policy,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	return &Worker{
		queue:       queue,
		docs:        docs,
		classifier:  classifier,
		coordinator: coordinator,
		policy:      policy,
		matcher:     normalize.NewMatcher(cfg.MediaFields),
		cfg:         cfg,
		logger:      logger.Named("worker"),
	}
}

// Run blocks, consuming deliveries until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		delivery, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		w.logger.Debug("dequeued task",
			zap.String("kind", string(delivery.Task.Kind)),
			zap.String("job_id", delivery.Task.JobID),
		)
		w.Handle(ctx, delivery)
	}
}

// Handle executes one delivery and settles it. Failures that a retry could fix
// are nacked; everything else is acked so a poison task cannot loop forever.
func (w *Worker) Handle(ctx context.Context, delivery validation.Delivery) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	task := delivery.Task
	ctx = telemetry.Extract(ctx, task.Trace)
	ctx, span := telemetry.Tracer().Start(ctx, "task."+string(task.Kind))
	span.SetAttributes(
		attribute.String("task.kind", string(task.Kind)),
		attribute.String("job.id", task.JobID),
	)
	defer span.End()

	logger := w.logger.With(zap.String("kind", string(task.Kind)), zap.String("job_id", task.JobID))
	err := w.execute(ctx, task)
	switch {
	case err == nil:
		delivery.Ack()
		metrics.ObserveTask(string(task.Kind), "ok")
	case !redeliverable(err):
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("dropping task", zap.Error(err))
		delivery.Ack()
		metrics.ObserveTask(string(task.Kind), "dropped")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("task failed, requesting redelivery", zap.Error(err))
		delivery.Nack()
		metrics.ObserveTask(string(task.Kind), "retry")
	}
}

func (w *Worker) execute(ctx context.Context, task validation.Task) error {
	switch task.Kind {
	case validation.TaskCrawl:
		if task.JobID == "" {
			return fmt.Errorf("%w: crawl task without job id", validation.ErrInvalidRequest)
		}
		return w.coordinator.RunCrawl(ctx, task.JobID)
	case validation.TaskBatch:
		if task.Batch == nil {
			return fmt.Errorf("%w: batch task without payload", validation.ErrInvalidRequest)
		}
		return w.runBatch(ctx, *task.Batch)
	case validation.TaskRepair:
		if task.Repair == nil {
			return fmt.Errorf("%w: repair task without payload", validation.ErrInvalidRequest)
		}
		return w.coordinator.RunRepair(ctx, *task.Repair)
	default:
		return fmt.Errorf("%w: unknown task kind %q", validation.ErrInvalidRequest, task.Kind)
	}
}

func (w *Worker) runBatch(ctx context.Context, task validation.BatchTask) error {
	active, err := w.coordinator.JobActive(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("check job state: %w", err)
	}
	if !active {
		w.logger.Debug("skipping batch of inactive job",
			zap.String("job_id", task.JobID), zap.Int("batch", task.BatchIndex))
		return nil
	}
	outcome, err := w.ProcessBatch(ctx, task)
	if err != nil {
		return err
	}
	return w.coordinator.RecordBatch(ctx, outcome)
}

func redeliverable(err error) bool {
	switch {
	case errors.Is(err, validation.ErrInvalidRequest),
		errors.Is(err, validation.ErrNotFound),
		errors.Is(err, validation.ErrReportFrozen),
		retry.IsPermanent(err):
		return false
	default:
		return true
	}
}
