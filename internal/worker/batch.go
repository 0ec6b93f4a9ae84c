package worker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/media-validator/internal/aggregate"
	"github.com/JakeFAU/media-validator/internal/classify"
	"github.com/JakeFAU/media-validator/internal/crawl"
	"github.com/JakeFAU/media-validator/internal/metrics"
	"github.com/JakeFAU/media-validator/internal/normalize"
	"github.com/JakeFAU/media-validator/internal/telemetry"
	"github.com/JakeFAU/media-validator/internal/validation"
)

type probeKey struct {
	url       string
	mediaType validation.MediaType
}

type target struct {
	ref  validation.DocumentRef
	path validation.FieldPath
}

// ProcessBatch reads one page of the collection, classifies every media
// reference on it and returns the batch outcome. Identical (url, type) pairs are
// classified once. A page that cannot be read yields an outcome with Fatal set.
// An error is returned only when ctx itself ends, so the task can be retried.
func (w *Worker) ProcessBatch(ctx context.Context, task validation.BatchTask) (aggregate.Outcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "batch.process")
	span.SetAttributes(
		attribute.String("collection", task.Collection),
		attribute.Int("batch.index", task.BatchIndex),
	)
	defer span.End()

	logger := w.logger.With(
		zap.String("job_id", task.JobID),
		zap.String("collection", task.Collection),
		zap.Int("batch", task.BatchIndex),
	)
	batch := aggregate.NewBatch(task)

	var docs []validation.Document
	err := w.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		docs, err = crawl.FetchBatch(ctx, w.docs, task)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return aggregate.Outcome{}, fmt.Errorf("fetch batch: %w", ctx.Err())
		}
		logger.Error("batch read failed", zap.Error(err))
		metrics.ObserveBatch("failed")
		batch.Fail(err)
		return batch.Outcome(), nil
	}
	batch.NoteDocuments(len(docs))

	var order []probeKey
	targets := make(map[probeKey][]target)
	for _, doc := range docs {
		ref := validation.DocumentRef{Collection: task.Collection, DocumentID: doc.ID}
		ex := normalize.Extract(doc.Data, w.matcher)
		if ex.Malformed > 0 {
			batch.NoteMalformed(ref, ex.Malformed)
			metrics.ObserveMalformed(task.Collection, ex.Malformed)
		}
		for _, d := range ex.Defects {
			logger.Debug("normalization defect", zap.String("document_id", doc.ID), zap.Error(d))
		}
		for _, item := range ex.Items {
			key := probeKey{url: item.Entry.URL, mediaType: item.Entry.Type}
			if _, seen := targets[key]; !seen {
				order = append(order, key)
			}
			targets[key] = append(targets[key], target{ref: ref, path: item.Path})
		}
	}

	results := w.classifyAll(ctx, order)
	if ctx.Err() != nil {
		return aggregate.Outcome{}, fmt.Errorf("classify batch: %w", ctx.Err())
	}

	for i, key := range order {
		res := results[i]
		for _, t := range targets[key] {
			batch.Ingest(t.ref, t.path, key.url, res)
			metrics.ObserveCheck(task.Collection, string(res.Status), res.Reason)
		}
	}

	outcome := batch.Outcome()
	metrics.ObserveBatch("ok")
	logger.Info("batch validated",
		zap.Int("documents", outcome.Documents),
		zap.Int("checked", outcome.Counts.TotalChecked),
		zap.Int("invalid", outcome.Counts.Invalid),
		zap.Int("unique_urls", len(order)),
	)
	return outcome, nil
}

// classifyAll runs the classifier over keys with bounded concurrency. Keys not
// finished by the batch deadline are reported invalid with reason "timeout".
func (w *Worker) classifyAll(ctx context.Context, keys []probeKey) []validation.ClassificationResult {
	results := make([]validation.ClassificationResult, len(keys))
	batchCtx, cancel := context.WithTimeout(ctx, w.cfg.BatchTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(batchCtx)
	g.SetLimit(w.cfg.Concurrency)
	for i, key := range keys {
		if gctx.Err() != nil {
			results[i] = validation.ClassificationResult{Status: validation.VerdictInvalid, Reason: classify.ReasonTimeout}
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = validation.ClassificationResult{Status: validation.VerdictInvalid, Reason: classify.ReasonTimeout}
				return nil
			}
			results[i] = w.classifier.Classify(gctx, validation.MediaEntry{Type: key.mediaType, URL: key.url})
			return nil
		})
	}
	_ = g.Wait()
	return results
}
