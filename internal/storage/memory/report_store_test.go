package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-validator/internal/validation"
)

func ptr(t time.Time) *time.Time { return &t }

func TestReportStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewReportStore()
	ctx := context.Background()
	report := validation.ValidationReport{ID: "job-1", Collection: "yachts", Status: validation.StatusPending}

	require.NoError(t, store.CreateReport(ctx, report))
	require.ErrorIs(t, store.CreateReport(ctx, report), validation.ErrConflict)

	updated, err := store.UpdateReport(ctx, "job-1", func(r *validation.ValidationReport) error {
		r.Status = validation.StatusInProgress
		r.InvalidItems = append(r.InvalidItems, validation.InvalidItem{URL: "blob:x"})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, validation.StatusInProgress, updated.Status)

	updated.InvalidItems[0].URL = "mutated"
	got, err := store.GetReport(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "blob:x", got.InvalidItems[0].URL, "callers receive copies")

	_, err = store.UpdateReport(ctx, "job-1", func(r *validation.ValidationReport) error {
		r.Status = validation.StatusFailed
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")
	got, _ = store.GetReport(ctx, "job-1")
	require.Equal(t, validation.StatusInProgress, got.Status, "failed updates do not persist")

	_, err = store.GetReport(ctx, "nope")
	require.ErrorIs(t, err, validation.ErrNotFound)
	_, err = store.UpdateReport(ctx, "nope", func(*validation.ValidationReport) error { return nil })
	require.ErrorIs(t, err, validation.ErrNotFound)
}

func TestReportStoreUpdatesAreSerialized(t *testing.T) {
	t.Parallel()

	store := NewReportStore()
	ctx := context.Background()
	require.NoError(t, store.CreateReport(ctx, validation.ValidationReport{ID: "job-1"}))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateReport(ctx, "job-1", func(r *validation.ValidationReport) error {
				r.TotalChecked++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	got, _ := store.GetReport(ctx, "job-1")
	require.Equal(t, 50, got.TotalChecked)
}

func TestListReportsOrdering(t *testing.T) {
	t.Parallel()

	store := NewReportStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reports := []validation.ValidationReport{
		{ID: "old", Collection: "yachts", StartTime: ptr(base), EndTime: ptr(base.Add(time.Minute))},
		{ID: "new", Collection: "yachts", StartTime: ptr(base.Add(time.Hour)), EndTime: ptr(base.Add(2 * time.Hour))},
		{ID: "running", Collection: "yachts", StartTime: ptr(base.Add(3 * time.Hour))},
		{ID: "pending", Collection: "yachts", CreatedAt: base.Add(4 * time.Hour)},
		{ID: "users", Collection: "users", StartTime: ptr(base), EndTime: ptr(base.Add(5 * time.Hour))},
	}
	for _, r := range reports {
		require.NoError(t, store.CreateReport(ctx, r))
	}

	got, err := store.ListReports(ctx, validation.ReportFilter{Collection: "yachts"})
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	require.Equal(t, []string{"new", "old", "running", "pending"}, ids)

	got, err = store.ListReports(ctx, validation.ReportFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "users", got[0].ID)
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultListLimit, ClampLimit(0))
	require.Equal(t, DefaultListLimit, ClampLimit(-5))
	require.Equal(t, 7, ClampLimit(7))
	require.Equal(t, MaxListLimit, ClampLimit(10_000))
}

func TestRepairStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewRepairStore()
	ctx := context.Background()
	require.NoError(t, store.CreateRepair(ctx, validation.RepairResult{ID: "r1", ReportID: "job-1", Status: validation.StatusPending}))
	require.ErrorIs(t, store.CreateRepair(ctx, validation.RepairResult{ID: "r1"}), validation.ErrConflict)

	_, err := store.UpdateRepair(ctx, "r1", func(r *validation.RepairResult) error {
		r.Status = validation.StatusCompleted
		r.Repaired = []validation.RepairEntry{{PreviousURL: "blob:x"}}
		r.RepairedCount = 1
		return nil
	})
	require.NoError(t, err)

	got, err := store.GetRepair(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, validation.StatusCompleted, got.Status)
	got.Repaired[0].PreviousURL = "mutated"
	again, _ := store.GetRepair(ctx, "r1")
	require.Equal(t, "blob:x", again.Repaired[0].PreviousURL)

	_, err = store.GetRepair(ctx, fmt.Sprintf("r%d", 2))
	require.ErrorIs(t, err, validation.ErrNotFound)
}
