// Package repair rewrites offending media fields with context-appropriate
// placeholders. Every write is a conditional single-field update, so a repair
// task can be executed any number of times.
package repair

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-validator/internal/retry"
	"github.com/JakeFAU/media-validator/internal/validation"
)

// ReasonValueChanged marks items whose stored value no longer matches the report.
const ReasonValueChanged = "value-changed"

// Executor applies repair tasks against a document store.
type Executor struct {
	docs         validation.FieldWriter
	placeholders Placeholders
	policy       retry.Policy
	logger       *zap.Logger
}

// New builds an Executor.
func New(docs validation.FieldWriter, placeholders Placeholders, policy retry.Policy, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{docs: docs, placeholders: placeholders, policy: policy, logger: logger.Named("repair")}
}

// Repair processes every item in task. It never aborts on a single failure and
// never rolls back writes that already landed. The caller owns ID, status and
// timestamps of the returned result.
func (e *Executor) Repair(ctx context.Context, task validation.RepairTask) validation.RepairResult {
	result := validation.RepairResult{
		ID:       task.RepairID,
		ReportID: task.ReportID,
		Repaired: []validation.RepairEntry{},
		Failed:   []validation.RepairEntry{},
		Skipped:  []validation.RepairEntry{},
	}
	logger := e.logger.With(zap.String("repair_id", task.RepairID), zap.String("report_id", task.ReportID))

	seen := make(map[string]struct{}, len(task.Items))
	for _, item := range task.Items {
		if _, dup := seen[item.Key()]; dup {
			continue
		}
		seen[item.Key()] = struct{}{}

		entry := validation.RepairEntry{
			Ref:            item.Ref,
			FieldPath:      item.FieldPath,
			PreviousURL:    item.URL,
			PlaceholderURL: e.placeholders.Select(item.FieldPath),
		}
		if entry.PlaceholderURL == "" {
			entry.Error = "no placeholder configured"
			result.Failed = append(result.Failed, entry)
			continue
		}

		switch outcome, err := e.repairItem(ctx, item, entry.PlaceholderURL); outcome {
		case outcomeRepaired:
			result.Repaired = append(result.Repaired, entry)
		case outcomeSkipped:
			entry.Error = ReasonValueChanged
			result.Skipped = append(result.Skipped, entry)
		default:
			entry.Error = err.Error()
			result.Failed = append(result.Failed, entry)
			logger.Warn("repair write failed", zap.String("item", item.Key()), zap.Error(err))
		}
	}

	result.RepairedCount = len(result.Repaired)
	result.FailedCount = len(result.Failed)
	result.SkippedCount = len(result.Skipped)
	logger.Info("repair applied",
		zap.Int("repaired", result.RepairedCount),
		zap.Int("failed", result.FailedCount),
		zap.Int("skipped", result.SkippedCount),
	)
	return result
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeRepaired
	outcomeSkipped
)

func (e *Executor) repairItem(ctx context.Context, item validation.InvalidItem, placeholder string) (outcome, error) {
	if item.URL == placeholder {
		return outcomeRepaired, nil
	}
	err := e.policy.Do(ctx, func(ctx context.Context, _ int) error {
		err := e.docs.UpdateField(ctx, item.Ref, item.FieldPath, item.URL, placeholder)
		if errors.Is(err, validation.ErrPreconditionFailed) || errors.Is(err, validation.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		return outcomeRepaired, nil
	}
	if !errors.Is(err, validation.ErrPreconditionFailed) {
		return outcomeFailed, &validation.WriteError{Ref: item.Ref, Path: item.FieldPath, Err: err}
	}

	current, getErr := e.docs.GetField(ctx, item.Ref, item.FieldPath)
	if getErr != nil {
		return outcomeFailed, &validation.WriteError{Ref: item.Ref, Path: item.FieldPath, Err: errors.Join(err, getErr)}
	}
	if s, ok := current.(string); ok && s == placeholder {
		return outcomeRepaired, nil
	}
	return outcomeSkipped, nil
}
