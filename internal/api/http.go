package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/authsentry/authsentry/internal/ingest"
	"github.com/authsentry/authsentry/internal/metrics"
	"github.com/authsentry/authsentry/internal/model"
	"github.com/authsentry/authsentry/internal/registry"
	"github.com/authsentry/authsentry/internal/risk"
	"github.com/authsentry/authsentry/internal/runstore"
)

const maxIngestBody = 32 << 20 // 32MB

// Server exposes the analytics core over HTTP. It owns no state of its
// own; every handler delegates to the injected components.
type Server struct {
	router       *chi.Mux
	orchestrator *ingest.Orchestrator
	registry     *registry.Store
	riskEngine   *risk.Engine
	runs         *runstore.Store
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(
	orchestrator *ingest.Orchestrator,
	reg *registry.Store,
	riskEngine *risk.Engine,
	runs *runstore.Store,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		orchestrator: orchestrator,
		registry:     reg,
		riskEngine:   riskEngine,
		runs:         runs,
		metrics:      m,
		logger:       logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Post("/ingest", s.handleIngest)
	s.router.Post("/ingest/", s.handleIngest)

	s.router.Get("/runs", s.handleListRuns)
	s.router.Get("/runs/", s.handleListRuns)
	s.router.Get("/runs/{run_id}/meta", s.handleRunMeta)
	s.router.Get("/runs/{run_id}/normalized", s.handleRunNormalized)
	s.router.Get("/runs/{run_id}/incidents", s.handleRunIncidents)

	s.router.Get("/incidents", s.handleListIncidents)
	s.router.Get("/incidents/", s.handleListIncidents)
	s.router.Get("/incidents/{incident_id}", s.handleGetIncident)
	s.router.Patch("/incidents/{incident_id}", s.handlePatchIncident)

	s.router.Get("/entity-risk", s.handleEntityRisk)
	s.router.Get("/entity-risk/", s.handleEntityRisk)

	s.router.Get("/metrics", s.handleMetrics)
	s.router.Get("/metrics/", s.handleMetrics)
	s.router.Method(http.MethodGet, "/metrics/prom", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	s.router.Get("/health", s.handleHealth)
}

// incidentResponse decorates an incident with the read-time staleness
// flag.
type incidentResponse struct {
	model.Incident
	IsStale bool `json:"is_stale"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBody)

	var batch []model.RawEvent
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON array of events")
		return
	}
	if len(batch) == 0 {
		writeError(w, http.StatusBadRequest, "no events provided")
		return
	}

	sourceHint := r.URL.Query().Get("source")

	summary, err := s.orchestrator.Ingest(r.Context(), batch, sourceHint)
	if err != nil {
		s.logger.Error("Ingest failed", "run_id", summary.RunID, "error", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := s.runs.ListRuns()
	if err != nil {
		s.logger.Error("Run listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleRunMeta(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	meta, err := s.runs.Meta(runID)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleRunNormalized(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	events, err := s.runs.Normalized(runID)
	if err != nil {
		writeRunError(w, err)
		return
	}
	if events == nil {
		events = []model.NormalizedEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event_count": len(events),
		"events":      events,
	})
}

func (s *Server) handleRunIncidents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	incidents, err := s.runs.Incidents(runID)
	if err != nil {
		writeRunError(w, err)
		return
	}
	if incidents == nil {
		incidents = []model.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incident_count": len(incidents),
		"incidents":      incidents,
	})
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents := s.registry.List()
	out := make([]incidentResponse, len(incidents))
	for i, incident := range incidents {
		out[i] = incidentResponse{Incident: incident, IsStale: s.registry.IsStale(incident)}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incident_count": len(out),
		"incidents":      out,
	})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "incident_id")
	incident, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, incidentResponse{Incident: incident, IsStale: s.registry.IsStale(incident)})
}

func (s *Server) handlePatchIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "incident_id")

	var payload struct {
		Status           string `json:"status"`
		ResolutionReason string `json:"resolution_reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !model.ValidStatus(payload.Status) {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	incident, err := s.registry.Transition(id, payload.Status, payload.ResolutionReason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, incidentResponse{Incident: incident, IsStale: s.registry.IsStale(incident)})
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "incident not found")
	case errors.Is(err, registry.ErrMissingResolution):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, registry.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("Transition failed", "incident_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "transition failed")
	}
}

func (s *Server) handleEntityRisk(w http.ResponseWriter, r *http.Request) {
	entities := s.riskEngine.GetAll()
	if entities == nil {
		entities = []risk.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generated_at":          model.FormatTime(time.Now()),
		"decay_half_life_hours": risk.DecayHalfLifeHours,
		"increment_weights":     risk.IncrementWeights,
		"entities":              entities,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runstore.ErrInvalidRunID):
		writeError(w, http.StatusBadRequest, "invalid_run_id")
	case errors.Is(err, runstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	default:
		writeError(w, http.StatusInternalServerError, "failed to read run artifact")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing left to do but note it.
		slog.Default().Error("Response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
