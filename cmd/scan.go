package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/media-validator/internal/orchestrator"
	"github.com/JakeFAU/media-validator/internal/validation"
)

const pollInterval = 200 * time.Millisecond

type scanOptions struct {
	collection string
	batchSize  int
	repair     bool
	timeout    time.Duration
}

type scanOutput struct {
	Report validation.ValidationReport `json:"report"`
	Repair *validation.RepairResult    `json:"repair,omitempty"`
}

func newScanCmd() *cobra.Command {
	var opts scanOptions
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Runs one validation job in-process and prints the report",
		Long: `scan builds the configured stores, runs a single validation job for one
collection using in-process workers and prints the finished report as JSON.
With --repair the invalid items are repaired afterwards and the repair
result is printed alongside the report.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close(context.Background())
			}()
			return runScan(cmd.Context(), app, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.collection, "collection", "", "collection to validate")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "documents per batch (0 uses the configured default)")
	cmd.Flags().BoolVar(&opts.repair, "repair", false, "repair invalid items once the report completes")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Minute, "overall deadline for the scan")
	_ = cmd.MarkFlagRequired("collection")
	return cmd
}

func runScan(ctx context.Context, app App, opts scanOptions, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		app.RunWorkers(ctx)
	}()
	defer func() {
		cancel()
		<-workersDone
	}()

	jobID, err := app.TriggerJob(ctx, orchestrator.JobRequest{Collection: opts.collection, BatchSize: opts.batchSize})
	if err != nil {
		return fmt.Errorf("trigger job: %w", err)
	}
	report, err := waitFor(ctx, func(ctx context.Context) (validation.ValidationReport, bool, error) {
		r, err := app.GetReport(ctx, jobID)
		return r, err == nil && r.Status.Terminal(), err
	})
	if err != nil {
		return fmt.Errorf("wait for report %s: %w", jobID, err)
	}

	result := scanOutput{Report: report}
	if opts.repair && report.Status == validation.StatusCompleted && len(report.InvalidItems) > 0 {
		repairID, err := app.TriggerRepair(ctx, orchestrator.RepairRequest{ReportID: jobID})
		if err != nil {
			return fmt.Errorf("trigger repair: %w", err)
		}
		repair, err := waitFor(ctx, func(ctx context.Context) (validation.RepairResult, bool, error) {
			r, err := app.GetRepair(ctx, repairID)
			return r, err == nil && r.Status.Terminal(), err
		})
		if err != nil {
			return fmt.Errorf("wait for repair %s: %w", repairID, err)
		}
		result.Repair = &repair
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if report.Status != validation.StatusCompleted {
		return fmt.Errorf("job %s finished %s: %s", jobID, report.Status, report.Error)
	}
	return nil
}

func waitFor[T any](ctx context.Context, poll func(context.Context) (T, bool, error)) (T, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		v, done, err := poll(ctx)
		if done {
			return v, nil
		}
		if err != nil && !errors.Is(err, validation.ErrNotFound) {
			return v, err
		}
		select {
		case <-ctx.Done():
			return v, fmt.Errorf("poll: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
