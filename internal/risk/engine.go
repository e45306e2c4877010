package risk

import (
	"log/slog"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/authsentry/authsentry/internal/model"
)

// Entity kinds tracked by the engine.
const (
	KindUsername = "username"
	KindSourceIP = "source_ip"
)

// DecayHalfLifeHours is the half-life of every entity score.
const DecayHalfLifeHours = 24.0

var decayLambda = math.Ln2 / DecayHalfLifeHours

// IncrementWeights is the per-incident score added to each involved
// entity, by incident type.
var IncrementWeights = map[string]float64{
	model.TypeBruteForce:      10.0,
	model.TypeCredentialAbuse: 25.0,
}

// entityKey identifies one scored entity.
type entityKey struct {
	Kind  string
	Value string
}

// entityState is the engine's write-side state for one entity. Score is
// the value at the moment of the last write; observation decays it lazily.
type entityState struct {
	score       float64
	lastUpdated time.Time

	// contributions guards the once-per-(incident, entity) weight rule.
	contributions map[string]bool

	totalIncidents    int
	openIncidents     int
	highestConfidence int
	lastSeen          string
}

// incidentFacts caches what aggregates need from each recorded incident.
type incidentFacts struct {
	status     string
	confidence int
	lastSeen   string
	entities   []entityKey
}

// Entity is one row of the risk table. Score is the lazily decayed
// observed value; StoredScore is the raw value at last write so callers
// can audit the decay.
type Entity struct {
	EntityKind        string  `json:"entity_kind"`
	EntityValue       string  `json:"entity_value"`
	Score             float64 `json:"score"`
	StoredScore       float64 `json:"stored_score"`
	TotalIncidents    int     `json:"total_incidents"`
	OpenIncidents     int     `json:"open_incidents"`
	HighestConfidence int     `json:"highest_confidence"`
	LastSeen          string  `json:"last_seen,omitempty"`
}

// Engine maintains weighted, exponentially decaying per-entity risk
// scores derived from the incident registry. It is a read-through view:
// Reset plus a replay of the registry rebuilds it deterministically. A
// replay anchors each weight at the incident's current last_seen, so an
// incident whose last_seen a later merge moved forward scores from that
// later instant after a replay.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	entities  map[entityKey]*entityState
	incidents map[string]incidentFacts
}

// NewEngine creates an empty risk engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		logger:    logger,
		now:       time.Now,
		entities:  make(map[entityKey]*entityState),
		incidents: make(map[string]incidentFacts),
	}
}

// RecordIncident folds one post-merge incident into the engine. The
// weight for the incident's type is applied once per (incident, entity)
// pair; re-recording the same identity refreshes aggregates without
// compounding the score.
func (e *Engine) RecordIncident(incident model.Incident) {
	weight := IncrementWeights[incident.Type]
	entities := collectEntities(incident)
	at := e.eventTime(incident.LastSeen)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.incidents[incident.IncidentID] = incidentFacts{
		status:     incident.Status,
		confidence: incident.Confidence,
		lastSeen:   incident.LastSeen,
		entities:   entities,
	}

	touched := make(map[entityKey]bool, len(entities))
	for _, key := range entities {
		touched[key] = true
		state := e.entities[key]
		if state == nil {
			state = &entityState{
				lastUpdated:   at,
				contributions: make(map[string]bool),
			}
			e.entities[key] = state
		}
		if weight > 0 && !state.contributions[incident.IncidentID] {
			state.contributions[incident.IncidentID] = true
			decayStateTo(state, at)
			state.score += weight
		}
	}

	e.recomputeAggregatesLocked(touched)
}

// Reset clears all state. Used before a startup replay.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entities = make(map[entityKey]*entityState)
	e.incidents = make(map[string]incidentFacts)
}

// Rehydrate resets the engine and replays incidents in created_at order,
// producing deterministic startup state.
func (e *Engine) Rehydrate(incidents []model.Incident) {
	ordered := append([]model.Incident(nil), incidents...)
	sort.SliceStable(ordered, func(a, b int) bool {
		if ordered[a].CreatedAt != ordered[b].CreatedAt {
			return ordered[a].CreatedAt < ordered[b].CreatedAt
		}
		return ordered[a].IncidentID < ordered[b].IncidentID
	})

	e.Reset()
	for _, incident := range ordered {
		e.RecordIncident(incident)
	}
	e.logger.Info("Risk engine rehydrated", "incidents", len(ordered))
}

// GetAll returns every scored entity with lazily decayed scores, sorted
// by score descending, then open incidents, then last seen.
func (e *Engine) GetAll() []Entity {
	now := e.now().UTC()

	e.mu.Lock()
	out := make([]Entity, 0, len(e.entities))
	for key, state := range e.entities {
		out = append(out, Entity{
			EntityKind:        key.Kind,
			EntityValue:       key.Value,
			Score:             round2(observedScore(state, now)),
			StoredScore:       round2(state.score),
			TotalIncidents:    state.totalIncidents,
			OpenIncidents:     state.openIncidents,
			HighestConfidence: state.highestConfidence,
			LastSeen:          state.lastSeen,
		})
	}
	e.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		if out[a].OpenIncidents != out[b].OpenIncidents {
			return out[a].OpenIncidents > out[b].OpenIncidents
		}
		if out[a].LastSeen != out[b].LastSeen {
			return out[a].LastSeen > out[b].LastSeen
		}
		if out[a].EntityKind != out[b].EntityKind {
			return out[a].EntityKind < out[b].EntityKind
		}
		return out[a].EntityValue < out[b].EntityValue
	})
	return out
}

// eventTime anchors a score write to the incident's own clock so replays
// are deterministic; wall clock only backstops unparseable values.
func (e *Engine) eventTime(lastSeen string) time.Time {
	if t, err := model.ParseTime(lastSeen); err == nil {
		return t
	}
	return e.now().UTC()
}

// recomputeAggregatesLocked rebuilds the per-entity incident aggregates
// for the touched entities from the incident facts cache.
func (e *Engine) recomputeAggregatesLocked(touched map[entityKey]bool) {
	for key := range touched {
		state := e.entities[key]
		if state == nil {
			continue
		}
		state.totalIncidents = 0
		state.openIncidents = 0
		state.highestConfidence = 0
		state.lastSeen = ""

		for _, facts := range e.incidents {
			if !containsKey(facts.entities, key) {
				continue
			}
			state.totalIncidents++
			if facts.status == model.StatusOpen {
				state.openIncidents++
			}
			if facts.confidence > state.highestConfidence {
				state.highestConfidence = facts.confidence
			}
			if facts.lastSeen > state.lastSeen {
				state.lastSeen = facts.lastSeen
			}
		}
	}
}

func containsKey(keys []entityKey, key entityKey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// collectEntities extracts the scored entities from an incident: the
// subject IP and username, plus everything in affected_entities,
// classified by shape.
func collectEntities(incident model.Incident) []entityKey {
	set := make(map[entityKey]bool)

	if incident.Subject.SourceIP != "" {
		set[entityKey{KindSourceIP, incident.Subject.SourceIP}] = true
	}
	if incident.Subject.Username != "" {
		set[entityKey{KindUsername, incident.Subject.Username}] = true
	}
	for _, entity := range incident.Evidence.AffectedEntities {
		if entity == "" {
			continue
		}
		if net.ParseIP(entity) != nil {
			set[entityKey{KindSourceIP, entity}] = true
		} else {
			set[entityKey{KindUsername, entity}] = true
		}
	}

	out := make([]entityKey, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Kind != out[b].Kind {
			return out[a].Kind < out[b].Kind
		}
		return out[a].Value < out[b].Value
	})
	return out
}

// decayStateTo advances the stored score to the given instant. Writes
// earlier than the last update do not rewind it.
func decayStateTo(state *entityState, at time.Time) {
	if !at.After(state.lastUpdated) {
		return
	}
	state.score = decayScore(state.score, at.Sub(state.lastUpdated))
	state.lastUpdated = at
}

func observedScore(state *entityState, now time.Time) float64 {
	if !now.After(state.lastUpdated) {
		return state.score
	}
	return decayScore(state.score, now.Sub(state.lastUpdated))
}

func decayScore(score float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return score
	}
	hours := elapsed.Hours()
	decayed := score * math.Exp(-decayLambda*hours)
	if decayed < 0 {
		return 0
	}
	return decayed
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
