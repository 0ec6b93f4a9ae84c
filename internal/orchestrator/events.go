package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-validator/internal/validation"
)

// Event types published on the events topic.
const (
	EventReportFinished = "validation.report.finished"
	EventRepairFinished = "validation.repair.finished"
)

// Event is the lifecycle message published when a report or repair run ends.
type Event struct {
	Type       string            `json:"type"`
	JobID      string            `json:"jobId,omitempty"`
	RepairID   string            `json:"repairId,omitempty"`
	Collection string            `json:"collection,omitempty"`
	Status     string            `json:"status"`
	Counts     validation.Counts `json:"counts"`
	Repaired   int               `json:"repaired,omitempty"`
	Failed     int               `json:"failed,omitempty"`
	Skipped    int               `json:"skipped,omitempty"`
	Error      string            `json:"error,omitempty"`

	ArtifactURI    string `json:"artifactUri,omitempty"`
	ArtifactSHA256 string `json:"artifactSha256,omitempty"`
}

func reportEvent(r validation.ValidationReport) Event {
	return Event{
		Type:        EventReportFinished,
		JobID:       r.ID,
		Collection:  r.Collection,
		Status:      string(r.Status),
		Counts:      r.Counts,
		ArtifactURI: r.ArtifactURI,
		Error:       r.Error,
	}
}

func repairEvent(r validation.RepairResult) Event {
	return Event{
		Type:     EventRepairFinished,
		JobID:    r.ReportID,
		RepairID: r.ID,
		Status:   string(r.Status),
		Repaired: r.RepairedCount,
		Failed:   r.FailedCount,
		Skipped:  r.SkippedCount,
		Error:    r.Error,
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev Event) {
	if o.deps.Publisher == nil || o.cfg.EventsTopic == "" {
		return
	}
	id, err := o.deps.Publisher.Publish(ctx, o.cfg.EventsTopic, ev)
	if err != nil {
		o.logger.Warn("publish event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	o.logger.Debug("event published", zap.String("type", ev.Type), zap.String("message_id", id))
}

// ArtifactPath is where a report's JSON export is written.
func ArtifactPath(r validation.ValidationReport) string {
	return path.Join("reports", r.Collection, r.ID+".json")
}

type artifact struct {
	uri    string
	digest string
}

// export writes the report JSON to blob storage and records its URI.
func (o *Orchestrator) export(ctx context.Context, report validation.ValidationReport) (artifact, error) {
	if o.deps.Blobs == nil {
		return artifact{}, nil
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return artifact{}, fmt.Errorf("marshal report: %w", err)
	}
	var out artifact
	if o.deps.Hasher != nil {
		if out.digest, err = o.deps.Hasher.Hash(data); err != nil {
			return artifact{}, fmt.Errorf("hash artifact: %w", err)
		}
	}
	out.uri, err = o.deps.Blobs.PutObject(ctx, ArtifactPath(report), "application/json", bytes.NewReader(data))
	if err != nil {
		return artifact{}, fmt.Errorf("put artifact: %w", err)
	}
	if _, err := o.deps.Reports.UpdateReport(ctx, report.ID, func(r *validation.ValidationReport) error {
		r.ArtifactURI = out.uri
		return nil
	}); err != nil {
		return artifact{}, fmt.Errorf("record artifact uri: %w", err)
	}
	return out, nil
}
