package aggregate

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-validator/internal/validation"
)

func batchWithInvalid(index, n int) Outcome {
	b := NewBatch(validation.BatchTask{JobID: "job-1", Collection: "yachts", BatchIndex: index})
	for i := range n {
		ref := validation.DocumentRef{Collection: "yachts", DocumentID: fmt.Sprintf("b%d-d%04d", index, i)}
		b.Ingest(ref, validation.MustParseFieldPath("media.[0].url"), "blob:x", validation.ClassificationResult{
			Status: validation.VerdictInvalid,
			Reason: "ephemeral-reference",
		})
	}
	return b.Outcome()
}

func inProgress() *validation.ValidationReport {
	return &validation.ValidationReport{ID: "job-1", Collection: "yachts", Status: validation.StatusInProgress, TotalBatches: 2}
}

func TestBatchIngestConcurrently(t *testing.T) {
	t.Parallel()

	b := NewBatch(validation.BatchTask{JobID: "job-1", BatchIndex: 0})
	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref := validation.DocumentRef{Collection: "yachts", DocumentID: fmt.Sprintf("d%02d", i)}
			status := validation.VerdictValid
			if i%4 == 0 {
				status = validation.VerdictMissing
			}
			b.Ingest(ref, validation.MustParseFieldPath("photo"), "", validation.ClassificationResult{Status: status})
		}()
	}
	wg.Wait()
	b.NoteMalformed(validation.DocumentRef{Collection: "yachts", DocumentID: "d00"}, 2)

	out := b.Outcome()
	require.Equal(t, validation.Counts{TotalChecked: 40, Valid: 30, Missing: 10, Malformed: 2}, out.Counts)
	require.Equal(t, out.Counts, out.PerCollection["yachts"])
	require.Len(t, out.InvalidItems, 10)
	require.Equal(t, "d00", out.InvalidItems[0].Ref.DocumentID, "items are ordered by key")
	for _, item := range out.InvalidItems {
		require.NotEqual(t, validation.VerdictValid, item.Status)
	}
}

func TestMergeCapsInvalidItems(t *testing.T) {
	t.Parallel()

	report := inProgress()
	merged, err := Merge(report, batchWithInvalid(0, 300), 500)
	require.NoError(t, err)
	require.True(t, merged)
	merged, err = Merge(report, batchWithInvalid(1, 300), 500)
	require.NoError(t, err)
	require.True(t, merged)

	require.Equal(t, 600, report.Invalid)
	require.Equal(t, 600, report.TotalChecked)
	require.Len(t, report.InvalidItems, 500)
	require.True(t, report.Truncated)
	require.True(t, Done(*report))
}

func TestMergeIgnoresDuplicateBatch(t *testing.T) {
	t.Parallel()

	report := inProgress()
	outcome := batchWithInvalid(0, 3)
	_, err := Merge(report, outcome, 0)
	require.NoError(t, err)
	merged, err := Merge(report, outcome, 0)
	require.NoError(t, err)
	require.False(t, merged)

	require.Equal(t, 3, report.Invalid)
	require.Len(t, report.InvalidItems, 3)
	require.Equal(t, []int{0}, report.CompletedBatches)
	require.False(t, Done(*report))
}

func TestMergeIsOrderIndependentForCounts(t *testing.T) {
	t.Parallel()

	a, b := inProgress(), inProgress()
	first, second := batchWithInvalid(0, 4), batchWithInvalid(1, 7)

	_, _ = Merge(a, first, 0)
	_, _ = Merge(a, second, 0)
	_, _ = Merge(b, second, 0)
	_, _ = Merge(b, first, 0)

	require.Equal(t, a.Counts, b.Counts)
	require.Equal(t, a.PerCollectionSummary, b.PerCollectionSummary)
	require.Equal(t, a.InvalidItems, b.InvalidItems)
	require.Equal(t, a.CompletedBatches, b.CompletedBatches)
}

func TestMergeRejectsFrozenReport(t *testing.T) {
	t.Parallel()

	report := inProgress()
	Finalize(report, time.Unix(100, 0), nil)
	require.Equal(t, validation.StatusCompleted, report.Status)
	require.NotNil(t, report.EndTime)

	_, err := Merge(report, batchWithInvalid(0, 1), 0)
	require.ErrorIs(t, err, validation.ErrReportFrozen)
	require.Zero(t, report.Invalid)
}

func TestFinalizeWithFatalError(t *testing.T) {
	t.Parallel()

	report := inProgress()
	Finalize(report, time.Unix(100, 0), errors.New("list yachts batch 1: store offline"))
	require.Equal(t, validation.StatusFailed, report.Status)
	require.Equal(t, "list yachts batch 1: store offline", report.Error)

	end := *report.EndTime
	Finalize(report, time.Unix(200, 0), nil)
	require.Equal(t, validation.StatusFailed, report.Status, "terminal reports stay frozen")
	require.Equal(t, end, *report.EndTime)
}
