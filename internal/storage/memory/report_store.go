package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/media-validator/internal/validation"
)

// DefaultListLimit and MaxListLimit bound ListReports.
const (
	DefaultListLimit = 20
	MaxListLimit     = 200
)

// ReportStore keeps validation reports in memory. UpdateReport holds the write
// lock for the whole read-modify-write, which serializes merges per store.
type ReportStore struct {
	mu      sync.RWMutex
	reports map[string]validation.ValidationReport
}

// NewReportStore constructs a ReportStore.
func NewReportStore() *ReportStore {
	return &ReportStore{reports: make(map[string]validation.ValidationReport)}
}

// CreateReport stores a new report.
func (s *ReportStore) CreateReport(_ context.Context, report validation.ValidationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reports[report.ID]; exists {
		return fmt.Errorf("create report %s: %w", report.ID, validation.ErrConflict)
	}
	s.reports[report.ID] = report.Clone()
	return nil
}

// GetReport fetches a report by ID.
func (s *ReportStore) GetReport(_ context.Context, id string) (validation.ValidationReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[id]
	if !ok {
		return validation.ValidationReport{}, fmt.Errorf("report %s: %w", id, validation.ErrNotFound)
	}
	return report.Clone(), nil
}

// ListReports returns reports newest first by end time; unfinished reports follow.
func (s *ReportStore) ListReports(_ context.Context, filter validation.ReportFilter) ([]validation.ValidationReport, error) {
	s.mu.RLock()
	out := make([]validation.ValidationReport, 0, len(s.reports))
	for _, r := range s.reports {
		if filter.Collection != "" && r.Collection != filter.Collection {
			continue
		}
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	SortReports(out)
	limit := ClampLimit(filter.Limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateReport applies fn to a copy and stores it when fn succeeds.
func (s *ReportStore) UpdateReport(
	_ context.Context,
	id string,
	fn func(*validation.ValidationReport) error,
) (validation.ValidationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[id]
	if !ok {
		return validation.ValidationReport{}, fmt.Errorf("report %s: %w", id, validation.ErrNotFound)
	}
	working := report.Clone()
	if err := fn(&working); err != nil {
		return report.Clone(), err
	}
	s.reports[id] = working.Clone()
	return working, nil
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// SortReports orders reports by end time descending with unfinished reports
// last, then by start time and creation time descending.
func SortReports(reports []validation.ValidationReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		a, b := reports[i], reports[j]
		if c := compareDesc(a.EndTime, b.EndTime); c != 0 {
			return c < 0
		}
		if c := compareDesc(a.StartTime, b.StartTime); c != 0 {
			return c < 0
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

// compareDesc orders newer first and nil last.
func compareDesc(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.After(*b):
		return -1
	case b.After(*a):
		return 1
	default:
		return 0
	}
}

// RepairStore keeps repair results in memory.
type RepairStore struct {
	mu      sync.RWMutex
	repairs map[string]validation.RepairResult
}

// NewRepairStore constructs a RepairStore.
func NewRepairStore() *RepairStore {
	return &RepairStore{repairs: make(map[string]validation.RepairResult)}
}

// CreateRepair stores a new repair result.
func (s *RepairStore) CreateRepair(_ context.Context, result validation.RepairResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.repairs[result.ID]; exists {
		return fmt.Errorf("create repair %s: %w", result.ID, validation.ErrConflict)
	}
	s.repairs[result.ID] = cloneRepair(result)
	return nil
}

// GetRepair fetches a repair result by ID.
func (s *RepairStore) GetRepair(_ context.Context, id string) (validation.RepairResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repairs[id]
	if !ok {
		return validation.RepairResult{}, fmt.Errorf("repair %s: %w", id, validation.ErrNotFound)
	}
	return cloneRepair(r), nil
}

// UpdateRepair applies fn to a copy and stores it when fn succeeds.
func (s *RepairStore) UpdateRepair(
	_ context.Context,
	id string,
	fn func(*validation.RepairResult) error,
) (validation.RepairResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repairs[id]
	if !ok {
		return validation.RepairResult{}, fmt.Errorf("repair %s: %w", id, validation.ErrNotFound)
	}
	working := cloneRepair(r)
	if err := fn(&working); err != nil {
		return cloneRepair(r), err
	}
	s.repairs[id] = cloneRepair(working)
	return working, nil
}

func cloneRepair(r validation.RepairResult) validation.RepairResult {
	cp := r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	cp.Repaired = slices.Clone(r.Repaired)
	cp.Failed = slices.Clone(r.Failed)
	cp.Skipped = slices.Clone(r.Skipped)
	return cp
}
