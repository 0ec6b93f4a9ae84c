// Package orchestrator owns the lifecycle of validation jobs and repair runs.
// It creates reports, dispatches crawl, batch and repair tasks through the
// queue and folds batch outcomes back into reports.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-validator/internal/aggregate"
	"github.com/JakeFAU/media-validator/internal/crawl"
	"github.com/JakeFAU/media-validator/internal/metrics"
	"github.com/JakeFAU/media-validator/internal/validation"
)

// Canceled is the error recorded on reports stopped by CancelJob.
const Canceled = "canceled"

// Config holds job limits and output destinations.
type Config struct {
	// TargetCollections restricts which collections may be scanned. Empty allows any.
	TargetCollections []string
	DefaultBatchSize  int
	MaxBatchSize      int
	InvalidItemCap    int
	// EventsTopic receives lifecycle events when a publisher is configured.
	EventsTopic string
}

// Repairer applies a repair task to the document store.
type Repairer interface {
	Repair(ctx context.Context, task validation.RepairTask) validation.RepairResult
}

// Hasher digests exported report artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Deps are the collaborators of an Orchestrator. Blobs, Hasher and Publisher are optional.
type Deps struct {
	Reports   validation.ReportStore
	Repairs   validation.RepairStore
	Queue     validation.Queue
	Crawler   *crawl.Crawler
	Repairer  Repairer
	Blobs     validation.BlobStore
	Hasher    Hasher
	Publisher validation.Publisher
	Clock     validation.Clock
	IDs       validation.IDGenerator
}

// JobRequest is the input to TriggerJob.
type JobRequest struct {
	Collection string `json:"collection"`
	BatchSize  int    `json:"batchSize,omitempty"`
	StartIndex int    `json:"startIndex,omitempty"`
}

// Orchestrator coordinates jobs and repairs. It holds no per-job state; every
// decision is made from the persisted report.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 100
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}
	if cfg.InvalidItemCap <= 0 {
		cfg.InvalidItemCap = aggregate.DefaultInvalidItemCap
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger.Named("orchestrator")}
}

// TriggerJob creates a pending report and enqueues the crawl task for it.
func (o *Orchestrator) TriggerJob(ctx context.Context, req JobRequest) (string, error) {
	collection := strings.TrimSpace(req.Collection)
	if collection == "" {
		return "", fmt.Errorf("%w: collection is required", validation.ErrInvalidRequest)
	}
	if len(o.cfg.TargetCollections) > 0 && !slices.Contains(o.cfg.TargetCollections, collection) {
		return "", fmt.Errorf("%w: collection %q is not a scan target", validation.ErrInvalidRequest, collection)
	}
	batchSize := req.BatchSize
	if batchSize == 0 {
		batchSize = o.cfg.DefaultBatchSize
	}
	if batchSize < 0 || batchSize > o.cfg.MaxBatchSize {
		return "", fmt.Errorf("%w: batch size must be between 1 and %d", validation.ErrInvalidRequest, o.cfg.MaxBatchSize)
	}
	if req.StartIndex < 0 {
		return "", fmt.Errorf("%w: start index must not be negative", validation.ErrInvalidRequest)
	}

	id, err := o.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	report := validation.ValidationReport{
		ID:                   id,
		Collection:           collection,
		Status:               validation.StatusPending,
		CreatedAt:            o.deps.Clock.Now(),
		PerCollectionSummary: map[string]validation.Counts{},
		InvalidItems:         []validation.InvalidItem{},
		CompletedBatches:     []int{},
		BatchSize:            batchSize,
		StartIndex:           req.StartIndex,
	}
	if err := o.deps.Reports.CreateReport(ctx, report); err != nil {
		return "", fmt.Errorf("create report: %w", err)
	}

	if err := o.deps.Queue.Enqueue(ctx, validation.Task{Kind: validation.TaskCrawl, JobID: id}); err != nil {
		failure := &validation.OrchestrationError{JobID: id, Op: "enqueue crawl", Err: err}
		o.fail(ctx, id, failure)
		return id, failure
	}
	o.logger.Info("job triggered",
		zap.String("job_id", id),
		zap.String("collection", collection),
		zap.Int("batch_size", batchSize),
	)
	return id, nil
}

// RunCrawl moves the job to in_progress and fans its batches out. Orchestration
// failures are recorded on the report and not returned; store failures are
// returned so the crawl task is redelivered.
func (o *Orchestrator) RunCrawl(ctx context.Context, jobID string) error {
	now := o.deps.Clock.Now()
	report, err := o.deps.Reports.UpdateReport(ctx, jobID, func(r *validation.ValidationReport) error {
		if r.Status == validation.StatusPending {
			r.Status = validation.StatusInProgress
			start := now
			r.StartTime = &start
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	if report.Status.Terminal() {
		return nil
	}
	logger := o.logger.With(zap.String("job_id", jobID), zap.String("collection", report.Collection))

	planned := -1
	hooks := crawl.Hooks{
		Planned: func(ctx context.Context, total int) error {
			planned = total
			_, err := o.deps.Reports.UpdateReport(ctx, jobID, func(r *validation.ValidationReport) error {
				if r.Status.Terminal() {
					return validation.ErrReportFrozen
				}
				r.TotalBatches = total
				return nil
			})
			return err
		},
		Halted: func(ctx context.Context) bool {
			return !o.active(ctx, jobID)
		},
		Completed: report.HasBatch,
	}

	enqueued, err := o.deps.Crawler.Crawl(ctx, report.Job(), hooks)
	var orchErr *validation.OrchestrationError
	switch {
	case errors.Is(err, crawl.ErrHalted), errors.Is(err, validation.ErrReportFrozen):
		logger.Info("crawl stopped for finished job", zap.Int("enqueued", enqueued))
		return nil
	case errors.As(err, &orchErr):
		if ctx.Err() != nil {
			return fmt.Errorf("crawl job: %w", ctx.Err())
		}
		logger.Error("crawl failed", zap.Error(err))
		o.fail(ctx, jobID, orchErr)
		return nil
	case err != nil:
		return fmt.Errorf("crawl job: %w", err)
	}

	if planned == 0 {
		return o.finishEmpty(ctx, jobID)
	}
	logger.Info("crawl dispatched", zap.Int("enqueued", enqueued), zap.Int("total_batches", planned))
	return nil
}

// JobActive reports whether the job still accepts batch outcomes.
func (o *Orchestrator) JobActive(ctx context.Context, jobID string) (bool, error) {
	report, err := o.deps.Reports.GetReport(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("get report: %w", err)
	}
	return !report.Status.Terminal(), nil
}

// RecordBatch merges one batch outcome into its report and finalizes the report
// once every planned batch is in. Outcomes for frozen reports are ignored.
func (o *Orchestrator) RecordBatch(ctx context.Context, outcome aggregate.Outcome) error {
	now := o.deps.Clock.Now()
	finished := false
	report, err := o.deps.Reports.UpdateReport(ctx, outcome.JobID, func(r *validation.ValidationReport) error {
		finished = false
		if outcome.Fatal != "" {
			if r.Status.Terminal() {
				return validation.ErrReportFrozen
			}
			aggregate.Finalize(r, now, &validation.OrchestrationError{
				JobID: r.ID,
				Op:    fmt.Sprintf("read batch %d", outcome.BatchIndex),
				Err:   errors.New(outcome.Fatal),
			})
			finished = true
			return nil
		}
		merged, err := aggregate.Merge(r, outcome, o.cfg.InvalidItemCap)
		if err != nil {
			return err
		}
		if merged && r.TotalBatches > 0 && aggregate.Done(*r) {
			aggregate.Finalize(r, now, nil)
			finished = true
		}
		return nil
	})
	if errors.Is(err, validation.ErrReportFrozen) {
		o.logger.Debug("ignoring outcome for frozen report",
			zap.String("job_id", outcome.JobID), zap.Int("batch", outcome.BatchIndex))
		return nil
	}
	if err != nil {
		return fmt.Errorf("merge batch %d: %w", outcome.BatchIndex, err)
	}
	if finished {
		o.finish(ctx, report)
	}
	return nil
}

// CancelJob halts dispatch and marks the report failed. Batches already queued
// still run but their outcomes are discarded.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) (validation.ValidationReport, error) {
	now := o.deps.Clock.Now()
	report, err := o.deps.Reports.UpdateReport(ctx, jobID, func(r *validation.ValidationReport) error {
		if r.Status.Terminal() {
			return fmt.Errorf("job is %s: %w", r.Status, validation.ErrConflict)
		}
		aggregate.Finalize(r, now, errors.New(Canceled))
		return nil
	})
	if err != nil {
		return validation.ValidationReport{}, fmt.Errorf("cancel job: %w", err)
	}
	o.logger.Info("job canceled", zap.String("job_id", jobID))
	o.finish(ctx, report)
	return report, nil
}

// GetReport returns one report.
func (o *Orchestrator) GetReport(ctx context.Context, jobID string) (validation.ValidationReport, error) {
	report, err := o.deps.Reports.GetReport(ctx, jobID)
	if err != nil {
		return validation.ValidationReport{}, fmt.Errorf("get report: %w", err)
	}
	return report, nil
}

// ListReports returns reports newest first.
func (o *Orchestrator) ListReports(ctx context.Context, filter validation.ReportFilter) ([]validation.ValidationReport, error) {
	reports, err := o.deps.Reports.ListReports(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return reports, nil
}

func (o *Orchestrator) active(ctx context.Context, jobID string) bool {
	ok, err := o.JobActive(ctx, jobID)
	if err != nil {
		o.logger.Warn("job state check failed", zap.String("job_id", jobID), zap.Error(err))
		return true
	}
	return ok
}

func (o *Orchestrator) finishEmpty(ctx context.Context, jobID string) error {
	now := o.deps.Clock.Now()
	report, err := o.deps.Reports.UpdateReport(ctx, jobID, func(r *validation.ValidationReport) error {
		if r.Status.Terminal() {
			return validation.ErrReportFrozen
		}
		aggregate.Finalize(r, now, nil)
		return nil
	})
	if errors.Is(err, validation.ErrReportFrozen) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finalize empty job: %w", err)
	}
	o.finish(ctx, report)
	return nil
}

// fail freezes the report as failed with cause.
func (o *Orchestrator) fail(ctx context.Context, jobID string, cause error) {
	now := o.deps.Clock.Now()
	report, err := o.deps.Reports.UpdateReport(ctx, jobID, func(r *validation.ValidationReport) error {
		if r.Status.Terminal() {
			return validation.ErrReportFrozen
		}
		aggregate.Finalize(r, now, cause)
		return nil
	})
	if err != nil {
		if !errors.Is(err, validation.ErrReportFrozen) {
			o.logger.Error("record job failure", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}
	o.logger.Error("job failed", zap.String("job_id", jobID), zap.Error(cause))
	o.finish(ctx, report)
}

// finish runs the side effects of a report reaching a terminal state. Each of
// them is best effort.
func (o *Orchestrator) finish(ctx context.Context, report validation.ValidationReport) {
	metrics.ObserveJob(string(report.Status))
	logger := o.logger.With(zap.String("job_id", report.ID), zap.String("collection", report.Collection))

	var digest string
	if report.Status == validation.StatusCompleted {
		if art, err := o.export(ctx, report); err != nil {
			logger.Warn("report export failed", zap.Error(err))
		} else if art.uri != "" {
			report.ArtifactURI = art.uri
			digest = art.digest
		}
		o.supersede(ctx, report)
	}
	ev := reportEvent(report)
	ev.ArtifactSHA256 = digest
	o.publish(ctx, ev)
	logger.Info("job finished",
		zap.String("status", string(report.Status)),
		zap.Int("checked", report.TotalChecked),
		zap.Int("invalid", report.Invalid),
		zap.Int("missing", report.Missing),
		zap.Int("malformed", report.Malformed),
	)
}

// supersede marks older completed reports of the same collection as replaced.
func (o *Orchestrator) supersede(ctx context.Context, report validation.ValidationReport) {
	older, err := o.deps.Reports.ListReports(ctx, validation.ReportFilter{Collection: report.Collection, Limit: 200})
	if err != nil {
		o.logger.Warn("list reports for supersession", zap.String("job_id", report.ID), zap.Error(err))
		return
	}
	for _, prev := range older {
		if prev.ID == report.ID || prev.Status != validation.StatusCompleted || prev.SupersededBy != "" {
			continue
		}
		if prev.EndTime == nil || report.EndTime == nil || prev.EndTime.After(*report.EndTime) {
			continue
		}
		_, err := o.deps.Reports.UpdateReport(ctx, prev.ID, func(r *validation.ValidationReport) error {
			r.SupersededBy = report.ID
			return nil
		})
		if err != nil {
			o.logger.Warn("supersede report", zap.String("job_id", prev.ID), zap.Error(err))
		}
	}
}
