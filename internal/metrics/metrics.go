package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter names exposed on the JSON surface.
const (
	RunsTotal             = "runs_total"
	EventsIngestedTotal   = "events_ingested_total"
	EventsNormalizedTotal = "events_normalized_total"
)

// Breakdown names. Each maps a label value to a count.
const (
	EventsRejectedTotal   = "events_rejected_total"
	IncidentsCreatedTotal = "incidents_created_total"
	IncidentsMergedTotal  = "incidents_merged_total"
	TransitionsTotal      = "transitions_total"
)

// Snapshot is a point-in-time copy of every counter, safe to serialize.
type Snapshot struct {
	Counters   map[string]int64            `json:"counters"`
	Breakdowns map[string]map[string]int64 `json:"breakdowns"`
}

// Metrics is the process-wide tally of runs, events, and incident
// lifecycle activity. Counters only ever go up at runtime; they are
// rebuilt from durable state at startup. Every counter is mirrored to a
// Prometheus collector on a private registry.
type Metrics struct {
	mu         sync.Mutex
	counters   map[string]int64
	breakdowns map[string]map[string]int64

	registry *prometheus.Registry

	promRuns             prometheus.Counter
	promEventsIngested   prometheus.Counter
	promEventsNormalized prometheus.Counter
	promRejected         *prometheus.CounterVec
	promIncidentsCreated *prometheus.CounterVec
	promIncidentsMerged  *prometheus.CounterVec
	promTransitions      *prometheus.CounterVec
}

// New creates an empty metrics set with its own Prometheus registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		counters: map[string]int64{
			RunsTotal:             0,
			EventsIngestedTotal:   0,
			EventsNormalizedTotal: 0,
		},
		breakdowns: map[string]map[string]int64{
			EventsRejectedTotal:   {},
			IncidentsCreatedTotal: {},
			IncidentsMergedTotal:  {},
			TransitionsTotal:      {},
		},
		registry: registry,
		promRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "authsentry_runs_total",
			Help: "Total number of ingest runs processed",
		}),
		promEventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "authsentry_events_ingested_total",
			Help: "Total number of raw events received",
		}),
		promEventsNormalized: factory.NewCounter(prometheus.CounterOpts{
			Name: "authsentry_events_normalized_total",
			Help: "Total number of events that survived normalization",
		}),
		promRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authsentry_events_rejected_total",
			Help: "Events dropped during normalization, by reason",
		}, []string{"reason"}),
		promIncidentsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authsentry_incidents_created_total",
			Help: "Incidents inserted into the registry, by type",
		}, []string{"type"}),
		promIncidentsMerged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authsentry_incidents_merged_total",
			Help: "Incident upserts folded into an existing identity, by type",
		}, []string{"type"}),
		promTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authsentry_transitions_total",
			Help: "Incident lifecycle transitions, by from->to edge",
		}, []string{"transition"}),
	}
}

// Registry exposes the Prometheus registry for the scrape handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncRuns counts one completed ingest run.
func (m *Metrics) IncRuns() {
	m.mu.Lock()
	m.counters[RunsTotal]++
	m.mu.Unlock()
	m.promRuns.Inc()
}

// AddEventsIngested counts raw events received in a batch.
func (m *Metrics) AddEventsIngested(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.counters[EventsIngestedTotal] += int64(n)
	m.mu.Unlock()
	m.promEventsIngested.Add(float64(n))
}

// AddEventsNormalized counts events that survived normalization.
func (m *Metrics) AddEventsNormalized(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.counters[EventsNormalizedTotal] += int64(n)
	m.mu.Unlock()
	m.promEventsNormalized.Add(float64(n))
}

// IncRejected counts one event dropped during normalization.
func (m *Metrics) IncRejected(reason string) {
	m.mu.Lock()
	m.breakdowns[EventsRejectedTotal][reason]++
	m.mu.Unlock()
	m.promRejected.WithLabelValues(reason).Inc()
}

// IncIncidentCreated counts a fresh registry insert.
func (m *Metrics) IncIncidentCreated(incidentType string) {
	m.mu.Lock()
	m.breakdowns[IncidentsCreatedTotal][incidentType]++
	m.mu.Unlock()
	m.promIncidentsCreated.WithLabelValues(incidentType).Inc()
}

// IncIncidentMerged counts an upsert that folded into an existing identity.
func (m *Metrics) IncIncidentMerged(incidentType string) {
	m.mu.Lock()
	m.breakdowns[IncidentsMergedTotal][incidentType]++
	m.mu.Unlock()
	m.promIncidentsMerged.WithLabelValues(incidentType).Inc()
}

// IncTransition counts one lifecycle transition edge.
func (m *Metrics) IncTransition(from, to string) {
	edge := from + "->" + to
	m.mu.Lock()
	m.breakdowns[TransitionsTotal][edge]++
	m.mu.Unlock()
	m.promTransitions.WithLabelValues(edge).Inc()
}

// Get returns a flat counter value, 0 when absent.
func (m *Metrics) Get(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// GetBreakdown returns one labeled value, 0 when absent.
func (m *Metrics) GetBreakdown(name, label string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bd, ok := m.breakdowns[name]; ok {
		return bd[label]
	}
	return 0
}

// Snapshot copies all counters for the JSON surface.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	breakdowns := make(map[string]map[string]int64, len(m.breakdowns))
	for name, bd := range m.breakdowns {
		inner := make(map[string]int64, len(bd))
		for label, v := range bd {
			inner[label] = v
		}
		breakdowns[name] = inner
	}
	return Snapshot{Counters: counters, Breakdowns: breakdowns}
}

// Rebuild seeds the counters from durable state at startup: run metadata
// and normalized-event counts from the artifact store, incident types from
// the registry. Rejection, merge, and transition history is not recoverable
// from artifacts and starts at zero.
func (m *Metrics) Rebuild(runs int, eventsIngested, eventsNormalized int64, incidentsByType map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[RunsTotal] = int64(runs)
	m.counters[EventsIngestedTotal] = eventsIngested
	m.counters[EventsNormalizedTotal] = eventsNormalized
	created := make(map[string]int64, len(incidentsByType))
	for t, n := range incidentsByType {
		created[t] = n
	}
	m.breakdowns[IncidentsCreatedTotal] = created

	m.promRuns.Add(float64(runs))
	m.promEventsIngested.Add(float64(eventsIngested))
	m.promEventsNormalized.Add(float64(eventsNormalized))
	for t, n := range incidentsByType {
		m.promIncidentsCreated.WithLabelValues(t).Add(float64(n))
	}
}
