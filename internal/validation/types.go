// Package validation defines the core types and interfaces shared by the media
// validation pipeline: scanning, classification, aggregation and repair.
package validation

import (
	"slices"
	"time"
)

// JobStatus represents the lifecycle state of a validation job or repair run.
type JobStatus string

// Lifecycle values persisted with reports and repair results.
const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MediaType is the media family a reference is expected to resolve to.
type MediaType string

// Supported media families.
const (
	MediaImage   MediaType = "image"
	MediaVideo   MediaType = "video"
	MediaUnknown MediaType = "unknown"
)

// Verdict is the validity outcome for a single media reference.
type Verdict string

// Classification verdicts.
const (
	VerdictValid   Verdict = "valid"
	VerdictInvalid Verdict = "invalid"
	VerdictMissing Verdict = "missing"
)

// DocumentRef identifies a document in the store.
type DocumentRef struct {
	Collection string `json:"collection"`
	DocumentID string `json:"documentId"`
}

// String renders the ref as collection/documentId.
func (r DocumentRef) String() string {
	return r.Collection + "/" + r.DocumentID
}

// Document is one stored document as returned by a page read.
type Document struct {
	ID   string
	Data map[string]any
}

// MediaEntry is one normalized media reference extracted from a document field.
type MediaEntry struct {
	Type MediaType `json:"type"`
	URL  string    `json:"url"`
}

// ClassificationResult is the verdict for one MediaEntry.
type ClassificationResult struct {
	Status     Verdict `json:"status"`
	Reason     string  `json:"reason"`
	HTTPStatus int     `json:"httpStatus,omitempty"`
}

// Counts groups the counters tracked per report and per collection.
type Counts struct {
	TotalChecked int `json:"totalChecked"`
	Valid        int `json:"validCount"`
	Invalid      int `json:"invalidCount"`
	Missing      int `json:"missingCount"`
	Malformed    int `json:"malformedCount"`
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.TotalChecked += other.TotalChecked
	c.Valid += other.Valid
	c.Invalid += other.Invalid
	c.Missing += other.Missing
	c.Malformed += other.Malformed
}

// Observe records a single verdict.
func (c *Counts) Observe(v Verdict) {
	c.TotalChecked++
	switch v {
	case VerdictValid:
		c.Valid++
	case VerdictMissing:
		c.Missing++
	default:
		c.Invalid++
	}
}

// InvalidItem is one offending reference recorded on a report.
type InvalidItem struct {
	Ref        DocumentRef `json:"documentRef"`
	FieldPath  FieldPath   `json:"fieldPath"`
	URL        string      `json:"url"`
	Status     Verdict     `json:"status"`
	Reason     string      `json:"reason"`
	HTTPStatus int         `json:"httpStatus,omitempty"`
}

// Key identifies the item as collection/documentId/fieldPath.
func (i InvalidItem) Key() string {
	return i.Ref.String() + "/" + i.FieldPath.String()
}

// ValidationReport is the aggregate outcome of one validation job.
type ValidationReport struct {
	ID         string     `json:"id"`
	Collection string     `json:"collection"`
	Status     JobStatus  `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartTime  *time.Time `json:"startTime,omitempty"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	Counts
	PerCollectionSummary map[string]Counts `json:"perCollectionSummary"`
	InvalidItems         []InvalidItem     `json:"invalidItems"`
	Truncated            bool              `json:"truncated"`
	BatchSize            int               `json:"batchSize"`
	StartIndex           int               `json:"startIndex"`
	TotalBatches         int               `json:"totalBatches"`
	CompletedBatches     []int             `json:"completedBatches"`
	Error                string            `json:"error,omitempty"`
	ArtifactURI          string            `json:"artifactUri,omitempty"`
	SupersededBy         string            `json:"supersededBy,omitempty"`
}

// Job returns the explicit job descriptor carried through crawl and batch stages.
func (r ValidationReport) Job() Job {
	return Job{
		ID:           r.ID,
		Collection:   r.Collection,
		BatchSize:    r.BatchSize,
		StartIndex:   r.StartIndex,
		TotalBatches: r.TotalBatches,
	}
}

// HasBatch reports whether the batch index was already merged.
func (r ValidationReport) HasBatch(index int) bool {
	return slices.Contains(r.CompletedBatches, index)
}

// Clone returns a deep copy safe to hand to callers.
func (r ValidationReport) Clone() ValidationReport {
	cp := r
	if r.StartTime != nil {
		t := *r.StartTime
		cp.StartTime = &t
	}
	if r.EndTime != nil {
		t := *r.EndTime
		cp.EndTime = &t
	}
	if r.PerCollectionSummary != nil {
		cp.PerCollectionSummary = make(map[string]Counts, len(r.PerCollectionSummary))
		for k, v := range r.PerCollectionSummary {
			cp.PerCollectionSummary[k] = v
		}
	}
	cp.InvalidItems = slices.Clone(r.InvalidItems)
	for i := range cp.InvalidItems {
		cp.InvalidItems[i].FieldPath = slices.Clone(r.InvalidItems[i].FieldPath)
	}
	cp.CompletedBatches = slices.Clone(r.CompletedBatches)
	return cp
}

// Job is the explicit job object passed through crawl and batch stages.
type Job struct {
	ID           string `json:"jobId"`
	Collection   string `json:"collection"`
	BatchSize    int    `json:"batchSize"`
	StartIndex   int    `json:"startIndex"`
	TotalBatches int    `json:"totalBatches"`
}

// BatchTask describes one page of a collection to validate.
type BatchTask struct {
	JobID        string `json:"jobId"`
	Collection   string `json:"collection"`
	BatchIndex   int    `json:"batchIndex"`
	TotalBatches int    `json:"totalBatches"`
	StartIndex   int    `json:"startIndex"`
	BatchSize    int    `json:"batchSize"`
}

// Offset returns the absolute collection offset of the batch.
func (b BatchTask) Offset() int {
	return b.StartIndex + b.BatchIndex*b.BatchSize
}

// RepairTask is a set of items to fix for one report.
type RepairTask struct {
	RepairID string        `json:"repairId"`
	ReportID string        `json:"reportId"`
	Items    []InvalidItem `json:"items"`
}

// RepairEntry records the outcome for one repaired, failed or skipped item.
type RepairEntry struct {
	Ref            DocumentRef `json:"documentRef"`
	FieldPath      FieldPath   `json:"fieldPath"`
	PreviousURL    string      `json:"previousUrl"`
	PlaceholderURL string      `json:"placeholderUrl,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// RepairResult is the append-only record of one repair run.
type RepairResult struct {
	ID            string        `json:"id"`
	ReportID      string        `json:"reportId"`
	Status        JobStatus     `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty"`
	RepairedCount int           `json:"repairedCount"`
	FailedCount   int           `json:"failedCount"`
	SkippedCount  int           `json:"skippedCount"`
	Repaired      []RepairEntry `json:"repaired"`
	Failed        []RepairEntry `json:"failed"`
	Skipped       []RepairEntry `json:"skipped"`
	Error         string        `json:"error,omitempty"`
}

// TaskKind discriminates queue messages.
type TaskKind string

// Queue task kinds.
const (
	TaskCrawl  TaskKind = "crawl"
	TaskBatch  TaskKind = "batch"
	TaskRepair TaskKind = "repair"
)

// Task is the envelope placed on the work queue.
type Task struct {
	Kind   TaskKind          `json:"kind"`
	JobID  string            `json:"jobId,omitempty"`
	Batch  *BatchTask        `json:"batch,omitempty"`
	Repair *RepairTask       `json:"repair,omitempty"`
	Trace  map[string]string `json:"trace,omitempty"`
}
