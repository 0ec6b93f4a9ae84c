package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-validator/internal/metrics"
	"github.com/JakeFAU/media-validator/internal/validation"
)

// RepairRequest is the input to TriggerRepair. ItemPaths selects invalid items
// by key (collection/documentId/fieldPath) or by bare field path; empty selects
// every invalid item on the report.
type RepairRequest struct {
	ReportID  string   `json:"reportId"`
	ItemPaths []string `json:"itemPaths,omitempty"`
}

// TriggerRepair records a pending repair for items of a completed report and
// enqueues it.
func (o *Orchestrator) TriggerRepair(ctx context.Context, req RepairRequest) (string, error) {
	if req.ReportID == "" {
		return "", fmt.Errorf("%w: reportId is required", validation.ErrInvalidRequest)
	}
	report, err := o.deps.Reports.GetReport(ctx, req.ReportID)
	if err != nil {
		return "", fmt.Errorf("get report: %w", err)
	}
	if report.Status != validation.StatusCompleted {
		return "", fmt.Errorf("report %s is %s: %w", report.ID, report.Status, validation.ErrReportNotCompleted)
	}
	items := SelectItems(report.InvalidItems, req.ItemPaths)
	if len(items) == 0 {
		return "", validation.ErrNoRepairItems
	}

	id, err := o.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate repair id: %w", err)
	}
	result := validation.RepairResult{
		ID:        id,
		ReportID:  report.ID,
		Status:    validation.StatusPending,
		CreatedAt: o.deps.Clock.Now(),
		Repaired:  []validation.RepairEntry{},
		Failed:    []validation.RepairEntry{},
		Skipped:   []validation.RepairEntry{},
	}
	if err := o.deps.Repairs.CreateRepair(ctx, result); err != nil {
		return "", fmt.Errorf("create repair: %w", err)
	}

	task := validation.Task{
		Kind:   validation.TaskRepair,
		JobID:  report.ID,
		Repair: &validation.RepairTask{RepairID: id, ReportID: report.ID, Items: items},
	}
	if err := o.deps.Queue.Enqueue(ctx, task); err != nil {
		failure := &validation.OrchestrationError{JobID: report.ID, Op: "enqueue repair", Err: err}
		o.failRepair(ctx, id, failure)
		return id, failure
	}
	o.logger.Info("repair triggered",
		zap.String("repair_id", id),
		zap.String("report_id", report.ID),
		zap.Int("items", len(items)),
	)
	return id, nil
}

// SelectItems returns the invalid items matched by selectors, in report order.
func SelectItems(items []validation.InvalidItem, selectors []string) []validation.InvalidItem {
	if len(selectors) == 0 {
		return append([]validation.InvalidItem(nil), items...)
	}
	want := make(map[string]struct{}, len(selectors))
	for _, s := range selectors {
		want[s] = struct{}{}
	}
	var out []validation.InvalidItem
	for _, item := range items {
		_, byKey := want[item.Key()]
		_, byPath := want[item.FieldPath.String()]
		if byKey || byPath {
			out = append(out, item)
		}
	}
	return out
}

// RunRepair executes a repair task and stores its outcome. A finished repair
// is not run again.
func (o *Orchestrator) RunRepair(ctx context.Context, task validation.RepairTask) error {
	current, err := o.deps.Repairs.UpdateRepair(ctx, task.RepairID, func(r *validation.RepairResult) error {
		if r.Status == validation.StatusPending {
			r.Status = validation.StatusInProgress
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("start repair: %w", err)
	}
	if current.Status.Terminal() {
		return nil
	}

	applied := o.deps.Repairer.Repair(ctx, task)
	if ctx.Err() != nil {
		return fmt.Errorf("run repair: %w", ctx.Err())
	}

	now := o.deps.Clock.Now()
	result, err := o.deps.Repairs.UpdateRepair(ctx, task.RepairID, func(r *validation.RepairResult) error {
		r.Status = validation.StatusCompleted
		finished := now
		r.FinishedAt = &finished
		r.Repaired, r.RepairedCount = applied.Repaired, applied.RepairedCount
		r.Failed, r.FailedCount = applied.Failed, applied.FailedCount
		r.Skipped, r.SkippedCount = applied.Skipped, applied.SkippedCount
		return nil
	})
	if err != nil {
		return fmt.Errorf("record repair: %w", err)
	}
	metrics.ObserveRepairItems("repaired", result.RepairedCount)
	metrics.ObserveRepairItems("failed", result.FailedCount)
	metrics.ObserveRepairItems("skipped", result.SkippedCount)
	o.publish(ctx, repairEvent(result))
	return nil
}

// GetRepair returns one repair result.
func (o *Orchestrator) GetRepair(ctx context.Context, id string) (validation.RepairResult, error) {
	result, err := o.deps.Repairs.GetRepair(ctx, id)
	if err != nil {
		return validation.RepairResult{}, fmt.Errorf("get repair: %w", err)
	}
	return result, nil
}

func (o *Orchestrator) failRepair(ctx context.Context, id string, cause error) {
	now := o.deps.Clock.Now()
	result, err := o.deps.Repairs.UpdateRepair(ctx, id, func(r *validation.RepairResult) error {
		if r.Status.Terminal() {
			return validation.ErrConflict
		}
		r.Status = validation.StatusFailed
		r.Error = cause.Error()
		finished := now
		r.FinishedAt = &finished
		return nil
	})
	if err != nil {
		if !errors.Is(err, validation.ErrConflict) {
			o.logger.Error("record repair failure", zap.String("repair_id", id), zap.Error(err))
		}
		return
	}
	o.publish(ctx, repairEvent(result))
}
