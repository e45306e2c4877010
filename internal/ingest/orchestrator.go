package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/authsentry/authsentry/internal/bus"
	"github.com/authsentry/authsentry/internal/detect"
	"github.com/authsentry/authsentry/internal/metrics"
	"github.com/authsentry/authsentry/internal/model"
	"github.com/authsentry/authsentry/internal/normalize"
	"github.com/authsentry/authsentry/internal/registry"
	"github.com/authsentry/authsentry/internal/runstore"
)

// Step statuses reported in the ingest summary.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Summary is what one ingest call returns to the HTTP layer.
type Summary struct {
	RunID               string           `json:"run_id"`
	EventCount          int              `json:"event_count"`
	NormalizationStatus string           `json:"normalization_status"`
	DetectionStatus     string           `json:"detection_status"`
	IncidentCount       int              `json:"incident_count"`
	Incidents           []model.Incident `json:"incidents"`
}

// Orchestrator composes the pipeline for one batch: run allocation, raw
// persistence, normalization, detection, registry commit, artifact
// persistence, counters.
type Orchestrator struct {
	normalizer *normalize.Normalizer
	detector   *detect.Detector
	registry   *registry.Store
	runs       *runstore.Store
	metrics    *metrics.Metrics
	publisher  *bus.IncidentPublisher
	logger     *slog.Logger
	clock      func() string
}

// New wires an orchestrator. The publisher may be nil.
func New(
	normalizer *normalize.Normalizer,
	detector *detect.Detector,
	reg *registry.Store,
	runs *runstore.Store,
	m *metrics.Metrics,
	publisher *bus.IncidentPublisher,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		normalizer: normalizer,
		detector:   detector,
		registry:   reg,
		runs:       runs,
		metrics:    m,
		publisher:  publisher,
		logger:     logger,
		clock: func() string {
			return model.FormatTime(time.Now())
		},
	}
}

// Ingest processes one batch. The registry observes either no change or
// the whole batch: detections are staged locally and committed in one
// registry call. Run artifacts for the batch are durable before return.
func (o *Orchestrator) Ingest(ctx context.Context, batch []model.RawEvent, sourceHint string) (Summary, error) {
	runID := runstore.NewRunID()
	meta := model.RunMeta{
		RunID:      runID,
		CreatedAt:  o.nowString(),
		EventCount: len(batch),
	}

	summary := Summary{
		RunID:               runID,
		EventCount:          len(batch),
		NormalizationStatus: StatusFailed,
		DetectionStatus:     StatusFailed,
		Incidents:           []model.Incident{},
	}

	if err := o.runs.CreateRun(meta, batch); err != nil {
		return summary, fmt.Errorf("create run %s: %w", runID, err)
	}

	o.logger.Info("Run created", "run_id", runID, "event_count", len(batch))

	// Normalization never fails a batch; individual rejections are
	// collected and counted.
	result := o.normalizer.Normalize(batch, sourceHint)
	if err := o.runs.WriteNormalized(runID, result.Events); err != nil {
		return summary, fmt.Errorf("persist normalized for %s: %w", runID, err)
	}
	summary.NormalizationStatus = StatusSuccess

	detected := o.detector.Detect(result.Events)
	if err := o.runs.WriteIncidents(runID, detected); err != nil {
		return summary, fmt.Errorf("persist incidents for %s: %w", runID, err)
	}
	summary.DetectionStatus = StatusSuccess

	// Commit point: stop here on cancellation so the registry is either
	// untouched or fully updated, never partially merged.
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	outcomes, err := o.registry.UpsertAll(detected)
	if err != nil {
		return summary, fmt.Errorf("commit incidents for %s: %w", runID, err)
	}

	incidents := make([]model.Incident, len(outcomes))
	for i, outcome := range outcomes {
		incidents[i] = outcome.Incident
		if o.publisher != nil && (outcome.Created || outcome.Reopened) {
			o.publisher.PublishCreated(outcome.Incident)
		}
	}
	summary.Incidents = incidents
	summary.IncidentCount = len(incidents)

	o.metrics.IncRuns()
	o.metrics.AddEventsIngested(len(batch))
	o.metrics.AddEventsNormalized(len(result.Events))
	for _, rejection := range result.Rejections {
		o.metrics.IncRejected(rejection.Reason)
	}

	o.logger.Info("Ingest complete",
		"run_id", runID,
		"raw", len(batch),
		"normalized", len(result.Events),
		"rejected", len(result.Rejections),
		"incidents", len(incidents))

	return summary, nil
}

func (o *Orchestrator) nowString() string {
	return o.clock()
}
