// Package aggregate accumulates per-reference verdicts into batch outcomes and
// merges those outcomes into a ValidationReport.
package aggregate

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/media-validator/internal/validation"
)

// DefaultInvalidItemCap bounds how many invalid items a report keeps.
const DefaultInvalidItemCap = 500

// Outcome is the result of validating one batch.
type Outcome struct {
	JobID         string                       `json:"jobId"`
	BatchIndex    int                          `json:"batchIndex"`
	Documents     int                          `json:"documents"`
	Counts        validation.Counts            `json:"counts"`
	PerCollection map[string]validation.Counts `json:"perCollection"`
	InvalidItems  []validation.InvalidItem     `json:"invalidItems"`
	// Fatal is set when the batch could not be read at all.
	Fatal string `json:"fatal,omitempty"`
}

// Batch accumulates verdicts for one batch. It is safe for concurrent use.
type Batch struct {
	mu            sync.Mutex
	jobID         string
	index         int
	documents     int
	counts        validation.Counts
	perCollection map[string]validation.Counts
	invalid       []validation.InvalidItem
	fatal         string
}

// NewBatch starts an accumulator for task.
func NewBatch(task validation.BatchTask) *Batch {
	return &Batch{
		jobID:         task.JobID,
		index:         task.BatchIndex,
		perCollection: make(map[string]validation.Counts),
	}
}

// NoteDocuments records how many documents the batch read.
func (b *Batch) NoteDocuments(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.documents += n
}

// Ingest records the verdict for the reference at ref/path.
func (b *Batch) Ingest(ref validation.DocumentRef, path validation.FieldPath, url string, result validation.ClassificationResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.Observe(result.Status)
	c := b.perCollection[ref.Collection]
	c.Observe(result.Status)
	b.perCollection[ref.Collection] = c

	if result.Status == validation.VerdictValid {
		return
	}
	b.invalid = append(b.invalid, validation.InvalidItem{
		Ref:        ref,
		FieldPath:  slices.Clone(path),
		URL:        url,
		Status:     result.Status,
		Reason:     result.Reason,
		HTTPStatus: result.HTTPStatus,
	})
}

// NoteMalformed records n dropped elements in ref's collection.
func (b *Batch) NoteMalformed(ref validation.DocumentRef, n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts.Malformed += n
	c := b.perCollection[ref.Collection]
	c.Malformed += n
	b.perCollection[ref.Collection] = c
}

// Fail marks the batch as unreadable.
func (b *Batch) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fatal = err.Error()
}

// Outcome snapshots the accumulator. Invalid items are ordered by key.
func (b *Batch) Outcome() Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := slices.Clone(b.invalid)
	sortItems(items)
	per := make(map[string]validation.Counts, len(b.perCollection))
	for k, v := range b.perCollection {
		per[k] = v
	}
	return Outcome{
		JobID:         b.jobID,
		BatchIndex:    b.index,
		Documents:     b.documents,
		Counts:        b.counts,
		PerCollection: per,
		InvalidItems:  items,
		Fatal:         b.fatal,
	}
}

// Merge folds outcome into report. It returns false without changes when the
// batch was already merged. Merging into a completed or failed report returns
// ErrReportFrozen.
func Merge(report *validation.ValidationReport, outcome Outcome, itemCap int) (bool, error) {
	if report.Status.Terminal() {
		return false, fmt.Errorf("merge batch %d into %s: %w", outcome.BatchIndex, report.ID, validation.ErrReportFrozen)
	}
	if report.HasBatch(outcome.BatchIndex) {
		return false, nil
	}
	if itemCap <= 0 {
		itemCap = DefaultInvalidItemCap
	}

	report.Counts.Add(outcome.Counts)
	if report.PerCollectionSummary == nil {
		report.PerCollectionSummary = make(map[string]validation.Counts)
	}
	for name, counts := range outcome.PerCollection {
		c := report.PerCollectionSummary[name]
		c.Add(counts)
		report.PerCollectionSummary[name] = c
	}

	for _, item := range outcome.InvalidItems {
		if len(report.InvalidItems) >= itemCap {
			report.Truncated = true
			break
		}
		report.InvalidItems = append(report.InvalidItems, item)
	}
	sortItems(report.InvalidItems)

	report.CompletedBatches = append(report.CompletedBatches, outcome.BatchIndex)
	slices.Sort(report.CompletedBatches)
	return true, nil
}

// Done reports whether every planned batch has been merged.
func Done(report validation.ValidationReport) bool {
	return len(report.CompletedBatches) >= report.TotalBatches
}

// Finalize freezes the report as completed, or failed when fatal is non-nil.
func Finalize(report *validation.ValidationReport, now time.Time, fatal error) {
	if report.Status.Terminal() {
		return
	}
	end := now
	report.EndTime = &end
	if fatal != nil {
		report.Status = validation.StatusFailed
		report.Error = fatal.Error()
		return
	}
	report.Status = validation.StatusCompleted
}

func sortItems(items []validation.InvalidItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Ref != b.Ref {
			return a.Ref.String() < b.Ref.String()
		}
		return strings.Compare(a.FieldPath.String(), b.FieldPath.String()) < 0
	})
}
