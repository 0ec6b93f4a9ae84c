package validation

import (
	"context"
	"io"
	"time"
)

// DocumentStore is the externally owned keyed-document collection.
type DocumentStore interface {
	DocumentReader
	FieldWriter
}

// DocumentReader pages through a collection.
type DocumentReader interface {
	Count(ctx context.Context, collection string) (int, error)
	// List returns up to limit documents starting at offset, ordered by document ID.
	List(ctx context.Context, collection string, offset, limit int) ([]Document, error)
}

// FieldWriter performs single-field reads and conditional partial updates.
type FieldWriter interface {
	GetField(ctx context.Context, ref DocumentRef, path FieldPath) (any, error)
	// UpdateField sets path to value only while it still holds expected. It returns
	// ErrPreconditionFailed when the current value differs and ErrNotFound when the
	// document or path is gone.
	UpdateField(ctx context.Context, ref DocumentRef, path FieldPath, expected, value string) error
}

// ReportFilter narrows ListReports.
type ReportFilter struct {
	Collection string
	Limit      int
}

// ReportStore persists ValidationReports.
type ReportStore interface {
	CreateReport(ctx context.Context, report ValidationReport) error
	GetReport(ctx context.Context, id string) (ValidationReport, error)
	// ListReports returns reports newest first by end time.
	ListReports(ctx context.Context, filter ReportFilter) ([]ValidationReport, error)
	// UpdateReport applies fn atomically; fn's error aborts the update.
	UpdateReport(ctx context.Context, id string, fn func(*ValidationReport) error) (ValidationReport, error)
}

// RepairStore persists RepairResults.
type RepairStore interface {
	CreateRepair(ctx context.Context, result RepairResult) error
	GetRepair(ctx context.Context, id string) (RepairResult, error)
	UpdateRepair(ctx context.Context, id string, fn func(*RepairResult) error) (RepairResult, error)
}

// Queue is an at-least-once task queue.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Delivery, error)
}

// Prober checks whether a URL is reachable.
type Prober interface {
	Check(ctx context.Context, url string) (statusCode int, contentType string, err error)
}

// BlobStore writes report artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and repair IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Delivery is one dequeued task. Exactly one of Ack or Nack should be called.
type Delivery struct {
	Task Task
	ack  func()
	nack func()
}

// NewDelivery wraps a task with its acknowledgement callbacks.
func NewDelivery(task Task, ack, nack func()) Delivery {
	return Delivery{Task: task, ack: ack, nack: nack}
}

// Ack marks the task as handled.
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack asks the queue to redeliver the task.
func (d Delivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}
