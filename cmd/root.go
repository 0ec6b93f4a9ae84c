// Package cmd defines the CLI commands for the mediavalidator executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/media-validator/internal/config"
	"github.com/JakeFAU/media-validator/internal/orchestrator"
	"github.com/JakeFAU/media-validator/internal/server"
	"github.com/JakeFAU/media-validator/internal/validation"
)

var cfgFile string

// App is the surface commands use once dependencies are built.
// It is an interface so tests can inject a fake.
type App interface {
	RunWorkers(ctx context.Context)
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	TriggerJob(ctx context.Context, req orchestrator.JobRequest) (string, error)
	GetReport(ctx context.Context, jobID string) (validation.ValidationReport, error)
	TriggerRepair(ctx context.Context, req orchestrator.RepairRequest) (string, error)
	GetRepair(ctx context.Context, repairID string) (validation.RepairResult, error)
}

type builtApp struct {
	*server.App
	orch *orchestrator.Orchestrator
}

func (a builtApp) TriggerJob(ctx context.Context, req orchestrator.JobRequest) (string, error) {
	return a.orch.TriggerJob(ctx, req)
}

func (a builtApp) GetReport(ctx context.Context, jobID string) (validation.ValidationReport, error) {
	return a.orch.GetReport(ctx, jobID)
}

func (a builtApp) TriggerRepair(ctx context.Context, req orchestrator.RepairRequest) (string, error) {
	return a.orch.TriggerRepair(ctx, req)
}

func (a builtApp) GetRepair(ctx context.Context, repairID string) (validation.RepairResult, error) {
	return a.orch.GetRepair(ctx, repairID)
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}
	return builtApp{App: app, orch: app.Orchestrator()}, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mediavalidator",
		Short: "Validates and repairs media references in marketplace documents.",
		Long: `mediavalidator scans document collections for broken, ephemeral or
placeholder media URLs, records the findings in validation reports and
rewrites failing fields with context-appropriate placeholders on request.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (env MEDIAVALIDATOR_* overrides)")
	cmd.AddCommand(newServeCmd(), newScanCmd())
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mediavalidator: %v\n", err)
		os.Exit(1)
	}
}
