package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/authsentry/authsentry/internal/metrics"
	"github.com/authsentry/authsentry/internal/model"
	"github.com/authsentry/authsentry/internal/runstore"
)

// fileVersion is the registry persistence format version.
const fileVersion = 1

// StaleAfter is how long an open incident may go without new evidence
// before it is reported stale.
const StaleAfter = 7 * 24 * time.Hour

// ErrNotFound is returned when an incident id is not in the registry.
var ErrNotFound = errors.New("not_found")

// ErrInvalidTransition is returned for a lifecycle edge that is not
// allowed from the incident's current status.
var ErrInvalidTransition = errors.New("invalid_transition")

// ErrMissingResolution is returned when a close is requested without a
// resolution reason.
var ErrMissingResolution = errors.New("resolution_reason required to close an incident")

// IncidentSink receives every post-merge incident after the registry lock
// is released. The entity risk engine implements it.
type IncidentSink interface {
	RecordIncident(model.Incident)
}

// UpsertOutcome reports what one staged upsert did.
type UpsertOutcome struct {
	Incident model.Incident
	Created  bool
	Reopened bool
}

// Store is the persistent incident registry: an in-memory map from
// incident id to incident, flushed atomically to a single JSON file on
// every mutation. It exclusively owns incident state; readers get copies.
type Store struct {
	path    string
	logger  *slog.Logger
	metrics *metrics.Metrics
	sink    IncidentSink
	now     func() time.Time

	mu        sync.RWMutex
	incidents map[string]model.Incident
	// Unknown JSON fields from older or newer builds, preserved verbatim
	// across load/save. Keyed by incident id; topExtras holds unknown
	// top-level keys of the registry file itself.
	extras    map[string]map[string]json.RawMessage
	topExtras map[string]json.RawMessage
}

// New creates a registry persisted at path. The sink may be nil.
func New(path string, m *metrics.Metrics, sink IncidentSink, logger *slog.Logger) *Store {
	return &Store{
		path:      path,
		logger:    logger,
		metrics:   m,
		sink:      sink,
		now:       time.Now,
		incidents: make(map[string]model.Incident),
		extras:    make(map[string]map[string]json.RawMessage),
		topExtras: make(map[string]json.RawMessage),
	}
}

// SetSink wires the incident sink after construction. The risk engine is
// built alongside the registry, so the composition root connects them once
// both exist.
func (s *Store) SetSink(sink IncidentSink) {
	s.sink = sink
}

// Rehydrate loads the registry file. A missing file is an empty registry.
func (s *Store) Rehydrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("No registry file, starting empty", "path", s.path)
			return nil
		}
		return fmt.Errorf("read registry %s: %w", s.path, err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return fmt.Errorf("decode registry %s: %w", s.path, err)
	}

	incidents := make(map[string]model.Incident)
	extras := make(map[string]map[string]json.RawMessage)
	topExtras := make(map[string]json.RawMessage)

	for key, raw := range top {
		switch key {
		case "version":
			// Recognized; format changes would branch here.
		case "incidents":
			var entries map[string]json.RawMessage
			if err := json.Unmarshal(raw, &entries); err != nil {
				return fmt.Errorf("decode registry incidents: %w", err)
			}
			for id, entry := range entries {
				var incident model.Incident
				if err := json.Unmarshal(entry, &incident); err != nil {
					s.logger.Warn("Skipping undecodable incident", "incident_id", id, "error", err)
					continue
				}
				incidents[id] = incident
				if extra := unknownFields(entry); len(extra) > 0 {
					extras[id] = extra
				}
			}
		default:
			topExtras[key] = raw
		}
	}

	s.incidents = incidents
	s.extras = extras
	s.topExtras = topExtras

	s.logger.Info("Registry rehydrated", "path", s.path, "incidents", len(incidents))
	return nil
}

// UpsertAll commits a batch of detected incidents. Merges are staged
// against copies and committed together with a single flush, so a caller
// cancelling mid-ingest observes either no change or the whole batch.
// On a flush failure the in-memory state is rolled back and the error is
// returned; nothing is reported to the sink or the counters.
func (s *Store) UpsertAll(batch []model.Incident) ([]UpsertOutcome, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	s.mu.Lock()

	now := model.FormatTime(s.now())
	previous := make(map[string]*model.Incident, len(batch))
	outcomes := make([]UpsertOutcome, 0, len(batch))

	for _, incoming := range batch {
		id := incoming.IncidentID
		if _, saved := previous[id]; !saved {
			if existing, ok := s.incidents[id]; ok {
				cp := copyIncident(existing)
				previous[id] = &cp
			} else {
				previous[id] = nil
			}
		}

		existing, ok := s.incidents[id]
		if !ok {
			fresh := copyIncident(incoming)
			fresh.Status = model.StatusOpen
			fresh.ResolutionReason = nil
			fresh.CreatedAt = now
			fresh.UpdatedAt = now
			s.incidents[id] = fresh
			outcomes = append(outcomes, UpsertOutcome{Incident: copyIncident(fresh), Created: true})
			continue
		}

		merged := mergeIncidents(existing, incoming, now)
		reopened := existing.Status == model.StatusClosed
		if reopened {
			merged.Status = model.StatusOpen
			merged.ResolutionReason = nil
		} else {
			merged.Status = existing.Status
			merged.ResolutionReason = existing.ResolutionReason
		}
		s.incidents[id] = merged
		outcomes = append(outcomes, UpsertOutcome{Incident: copyIncident(merged), Reopened: reopened})
	}

	if err := s.persistLocked(); err != nil {
		for id, prev := range previous {
			if prev == nil {
				delete(s.incidents, id)
			} else {
				s.incidents[id] = *prev
			}
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("persist registry: %w", err)
	}
	s.mu.Unlock()

	// Sink and counter writes happen strictly after the registry lock is
	// released to keep lock ordering flat.
	for _, outcome := range outcomes {
		if s.metrics != nil {
			if outcome.Created {
				s.metrics.IncIncidentCreated(outcome.Incident.Type)
			} else {
				s.metrics.IncIncidentMerged(outcome.Incident.Type)
			}
		}
		if s.sink != nil {
			s.sink.RecordIncident(outcome.Incident)
		}
	}

	return outcomes, nil
}

// Upsert commits a single incident. See UpsertAll.
func (s *Store) Upsert(incident model.Incident) (UpsertOutcome, error) {
	outcomes, err := s.UpsertAll([]model.Incident{incident})
	if err != nil {
		return UpsertOutcome{}, err
	}
	return outcomes[0], nil
}

// Transition moves an incident along the lifecycle. Allowed edges:
// open→acknowledged and acknowledged→closed (with a resolution reason).
// closed→open happens only through merge, never through this call.
func (s *Store) Transition(id, target string, resolutionReason string) (model.Incident, error) {
	s.mu.Lock()

	existing, ok := s.incidents[id]
	if !ok {
		s.mu.Unlock()
		return model.Incident{}, ErrNotFound
	}

	allowed := map[string]string{
		model.StatusOpen:         model.StatusAcknowledged,
		model.StatusAcknowledged: model.StatusClosed,
	}
	if next, ok := allowed[existing.Status]; !ok || next != target {
		s.mu.Unlock()
		return model.Incident{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, target)
	}
	if target == model.StatusClosed && resolutionReason == "" {
		s.mu.Unlock()
		return model.Incident{}, ErrMissingResolution
	}

	from := existing.Status
	prev := copyIncident(existing)

	updated := copyIncident(existing)
	updated.Status = target
	updated.UpdatedAt = model.FormatTime(s.now())
	if target == model.StatusClosed {
		reason := resolutionReason
		updated.ResolutionReason = &reason
	}
	s.incidents[id] = updated

	if err := s.persistLocked(); err != nil {
		s.incidents[id] = prev
		s.mu.Unlock()
		return model.Incident{}, fmt.Errorf("persist registry: %w", err)
	}
	result := copyIncident(updated)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncTransition(from, target)
	}
	if s.sink != nil {
		s.sink.RecordIncident(result)
	}
	return result, nil
}

// Get returns a copy of one incident.
func (s *Store) Get(id string) (model.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	incident, ok := s.incidents[id]
	if !ok {
		return model.Incident{}, ErrNotFound
	}
	return copyIncident(incident), nil
}

// List returns copies of all incidents, ordered by incident id.
func (s *Store) List() []model.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.incidents))
	for id := range s.incidents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]model.Incident, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyIncident(s.incidents[id]))
	}
	return out
}

// IsStale reports whether an open incident has gone a week without new
// evidence.
func (s *Store) IsStale(incident model.Incident) bool {
	if incident.Status != model.StatusOpen {
		return false
	}
	seen, err := model.ParseTime(incident.LastSeen)
	if err != nil {
		return false
	}
	return s.now().UTC().Sub(seen) > StaleAfter
}

// Persist flushes the current state. Mutating operations flush on their
// own; this exists for shutdown paths.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	entries := make(map[string]json.RawMessage, len(s.incidents))
	for id, incident := range s.incidents {
		encoded, err := json.Marshal(incident)
		if err != nil {
			return fmt.Errorf("encode incident %s: %w", id, err)
		}
		if extra := s.extras[id]; len(extra) > 0 {
			encoded, err = mergeExtras(encoded, extra)
			if err != nil {
				return fmt.Errorf("merge extras for %s: %w", id, err)
			}
		}
		entries[id] = encoded
	}

	top := make(map[string]interface{}, 2+len(s.topExtras))
	top["version"] = fileVersion
	top["incidents"] = entries
	for key, raw := range s.topExtras {
		top[key] = raw
	}

	data, err := json.MarshalIndent(top, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	return runstore.WriteFileAtomic(s.path, data)
}

// incidentJSONKeys are the field names this build writes for an incident.
// Anything else found on read is carried in extras and re-emitted on write.
var incidentJSONKeys = map[string]bool{
	"incident_id": true, "type": true, "mitre": true, "severity": true,
	"confidence": true, "status": true, "subject": true, "evidence": true,
	"explanation": true, "summary": true, "recommended_actions": true,
	"evidence_count": true, "source_count": true, "first_seen": true,
	"last_seen": true, "created_at": true, "updated_at": true,
	"resolution_reason": true,
}

func unknownFields(entry json.RawMessage) map[string]json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil {
		return nil
	}
	extra := make(map[string]json.RawMessage)
	for key, raw := range fields {
		if !incidentJSONKeys[key] {
			extra[key] = raw
		}
	}
	return extra
}

func mergeExtras(encoded []byte, extra map[string]json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, err
	}
	for key, raw := range extra {
		if _, taken := fields[key]; !taken {
			fields[key] = raw
		}
	}
	return json.Marshal(fields)
}
