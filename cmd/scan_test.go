package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-validator/internal/orchestrator"
	"github.com/JakeFAU/media-validator/internal/validation"
)

type fakeApp struct {
	mu          sync.Mutex
	report      validation.ValidationReport
	repair      validation.RepairResult
	polls       int
	repairs     []orchestrator.RepairRequest
	triggerErr  error
	workersDone chan struct{}
}

func newFakeApp(report validation.ValidationReport) *fakeApp {
	return &fakeApp{report: report, workersDone: make(chan struct{})}
}

func (f *fakeApp) RunWorkers(ctx context.Context) {
	<-ctx.Done()
	close(f.workersDone)
}

func (f *fakeApp) Run(context.Context) error   { return nil }
func (f *fakeApp) Close(context.Context) error { return nil }

func (f *fakeApp) TriggerJob(_ context.Context, req orchestrator.JobRequest) (string, error) {
	if f.triggerErr != nil {
		return "", f.triggerErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.report.Collection = req.Collection
	return f.report.ID, nil
}

func (f *fakeApp) GetReport(context.Context, string) (validation.ValidationReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls < 2 {
		r := f.report
		r.Status = validation.StatusInProgress
		return r, nil
	}
	return f.report, nil
}

func (f *fakeApp) TriggerRepair(_ context.Context, req orchestrator.RepairRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repairs = append(f.repairs, req)
	return f.repair.ID, nil
}

func (f *fakeApp) GetRepair(context.Context, string) (validation.RepairResult, error) {
	return f.repair, nil
}

func TestRunScanPrintsCompletedReport(t *testing.T) {
	t.Parallel()

	app := newFakeApp(validation.ValidationReport{ID: "job-1", Status: validation.StatusCompleted, Counts: validation.Counts{TotalChecked: 3, Valid: 3}})
	var out bytes.Buffer
	err := runScan(context.Background(), app, scanOptions{collection: "yachts", timeout: 5 * time.Second}, &out)
	require.NoError(t, err)

	var got scanOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, "job-1", got.Report.ID)
	require.Equal(t, "yachts", got.Report.Collection)
	require.Nil(t, got.Repair)
	require.Empty(t, app.repairs)
	<-app.workersDone
}

func TestRunScanRepairsInvalidItems(t *testing.T) {
	t.Parallel()

	app := newFakeApp(validation.ValidationReport{
		ID:           "job-2",
		Status:       validation.StatusCompleted,
		Counts:       validation.Counts{Invalid: 1},
		InvalidItems: []validation.InvalidItem{{FieldPath: validation.MustParseFieldPath("media.0.url"), URL: "blob:abc"}},
	})
	app.repair = validation.RepairResult{ID: "repair-1", ReportID: "job-2", Status: validation.StatusCompleted, RepairedCount: 1}

	var out bytes.Buffer
	err := runScan(context.Background(), app, scanOptions{collection: "yachts", repair: true, timeout: 5 * time.Second}, &out)
	require.NoError(t, err)
	require.Equal(t, []orchestrator.RepairRequest{{ReportID: "job-2"}}, app.repairs)

	var got scanOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.NotNil(t, got.Repair)
	require.Equal(t, 1, got.Repair.RepairedCount)
}

func TestRunScanFailedReportReturnsError(t *testing.T) {
	t.Parallel()

	app := newFakeApp(validation.ValidationReport{ID: "job-3", Status: validation.StatusFailed, Error: "canceled"})
	var out bytes.Buffer
	err := runScan(context.Background(), app, scanOptions{collection: "yachts", repair: true, timeout: 5 * time.Second}, &out)
	require.ErrorContains(t, err, "canceled")
	require.Empty(t, app.repairs)
	require.Contains(t, out.String(), `"job-3"`)
}

func TestRunScanTriggerError(t *testing.T) {
	t.Parallel()

	app := newFakeApp(validation.ValidationReport{})
	app.triggerErr = validation.ErrInvalidRequest
	err := runScan(context.Background(), app, scanOptions{collection: "nope", timeout: time.Second}, &bytes.Buffer{})
	require.True(t, errors.Is(err, validation.ErrInvalidRequest))
}

func TestWaitForHonorsDeadline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := waitFor(ctx, func(context.Context) (int, bool, error) {
		return 0, false, validation.ErrNotFound
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	for _, name := range []string{"serve", "scan"} {
		sub, _, err := root.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, sub.Name())
	}
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}
