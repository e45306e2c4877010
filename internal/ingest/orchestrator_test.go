package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authsentry/authsentry/internal/bus"
	"github.com/authsentry/authsentry/internal/detect"
	"github.com/authsentry/authsentry/internal/mapping"
	"github.com/authsentry/authsentry/internal/metrics"
	"github.com/authsentry/authsentry/internal/model"
	"github.com/authsentry/authsentry/internal/normalize"
	"github.com/authsentry/authsentry/internal/registry"
	"github.com/authsentry/authsentry/internal/risk"
	"github.com/authsentry/authsentry/internal/runstore"
)

const testMappingConfig = `
_default:
  fields:
    timestamp: ["timestamp", "time", "ts"]
    source_ip: ["source_ip", "ip"]
    username: ["username", "user"]
    event_type: ["event_type", "type"]
    result: ["result", "outcome"]
    reason: ["reason", "error"]
    user_agent: ["user_agent", "ua"]
    source: ["source", "provider"]
`

type harness struct {
	orchestrator *Orchestrator
	registry     *registry.Store
	runs         *runstore.Store
	metrics      *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dir := t.TempDir()
	mappingPath := filepath.Join(dir, "field_mappings.yaml")
	require.NoError(t, os.WriteFile(mappingPath, []byte(testMappingConfig), 0o644))
	mappings := mapping.NewLoader(mappingPath, logger)
	_, err := mappings.Load()
	require.NoError(t, err)

	normalizer, err := normalize.New(mappings, logger)
	require.NoError(t, err)

	m := metrics.New()
	runs, err := runstore.New(filepath.Join(dir, "runs"), logger)
	require.NoError(t, err)

	reg := registry.New(filepath.Join(dir, "runs", "incidents.json"), m, nil, logger)
	require.NoError(t, reg.Rehydrate())
	riskEngine := risk.NewEngine(logger)
	reg.SetSink(riskEngine)

	publisher := bus.NewIncidentPublisher(nil, logger)
	return &harness{
		orchestrator: New(normalizer, detect.New(detect.DefaultConfig(), logger), reg, runs, m, publisher, logger),
		registry:     reg,
		runs:         runs,
		metrics:      m,
	}
}

func rawBruteForceBatch(n int) []model.RawEvent {
	batch := make([]model.RawEvent, n)
	for i := 0; i < n; i++ {
		batch[i] = model.RawEvent{
			"timestamp":  fmt.Sprintf("2025-06-01T05:00:%02dZ", i),
			"source_ip":  "203.0.113.10",
			"username":   "alice",
			"event_type": "login_attempt",
			"result":     "failure",
		}
	}
	return batch
}

func TestIngestProducesRunAndIncident(t *testing.T) {
	h := newHarness(t)

	summary, err := h.orchestrator.Ingest(context.Background(), rawBruteForceBatch(5), "")
	require.NoError(t, err)

	assert.True(t, runstore.ValidRunID(summary.RunID))
	assert.Equal(t, StatusSuccess, summary.NormalizationStatus)
	assert.Equal(t, StatusSuccess, summary.DetectionStatus)
	require.Equal(t, 1, summary.IncidentCount)

	// The run's artifacts exist and match the summary.
	events, err := h.runs.Normalized(summary.RunID)
	require.NoError(t, err)
	assert.Len(t, events, 5)

	incidents, err := h.runs.Incidents(summary.RunID)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, summary.Incidents[0].IncidentID, incidents[0].IncidentID)

	assert.Len(t, h.registry.List(), 1)
	assert.Equal(t, int64(1), h.metrics.Get(metrics.RunsTotal))
}

func TestZeroSurvivorsStillCreatesRun(t *testing.T) {
	h := newHarness(t)

	summary, err := h.orchestrator.Ingest(context.Background(), []model.RawEvent{{"garbage": true}}, "")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, summary.NormalizationStatus)
	assert.Equal(t, 0, summary.IncidentCount)

	events, err := h.runs.Normalized(summary.RunID)
	require.NoError(t, err)
	assert.Empty(t, events)

	incidents, err := h.runs.Incidents(summary.RunID)
	require.NoError(t, err)
	assert.Empty(t, incidents)
}

func TestCancelledIngestLeavesRegistryUntouched(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orchestrator.Ingest(ctx, rawBruteForceBatch(5), "")
	require.Error(t, err)

	// Registry saw nothing; the commit point is after the context check.
	assert.Empty(t, h.registry.List())
	assert.Equal(t, int64(0), h.metrics.Get(metrics.RunsTotal))
}

func TestReingestSameBatchIsDeterministic(t *testing.T) {
	h := newHarness(t)

	first, err := h.orchestrator.Ingest(context.Background(), rawBruteForceBatch(5), "")
	require.NoError(t, err)
	second, err := h.orchestrator.Ingest(context.Background(), rawBruteForceBatch(5), "")
	require.NoError(t, err)

	require.Equal(t, 1, first.IncidentCount)
	require.Equal(t, 1, second.IncidentCount)
	assert.Equal(t, first.Incidents[0].IncidentID, second.Incidents[0].IncidentID)

	// One registry entry, evidence counts folded together.
	list := h.registry.List()
	require.Len(t, list, 1)
	assert.Equal(t, 10, list[0].Evidence.Counts.Failures)
	assert.Equal(t, int64(1), h.metrics.GetBreakdown(metrics.IncidentsCreatedTotal, "brute_force"))
	assert.Equal(t, int64(1), h.metrics.GetBreakdown(metrics.IncidentsMergedTotal, "brute_force"))
}
