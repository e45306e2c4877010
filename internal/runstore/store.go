package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/authsentry/authsentry/internal/model"
)

// Artifact file names inside a run directory.
const (
	RawFile        = "raw.json"
	MetaFile       = "meta.json"
	NormalizedFile = "normalized.json"
	IncidentsFile  = "incidents.json"
)

// ErrInvalidRunID is returned for any path component that is not a
// well-formed run id. It guards every read against path traversal.
var ErrInvalidRunID = errors.New("invalid_run_id")

// ErrNotFound is returned when a run or one of its artifacts is missing.
var ErrNotFound = errors.New("not_found")

var runIDPattern = regexp.MustCompile(`^run-[0-9a-f]{32}$`)

// ValidRunID reports whether id is a well-formed run identifier.
func ValidRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

// NewRunID allocates a fresh run identity: "run-" plus 32 hex characters.
func NewRunID() string {
	return "run-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Store persists per-run artifacts under a root directory, one directory
// per run. Every file write is atomic (temp + rename). A single writer
// owns a run: the ingest call that created it.
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create runs root %s: %w", dir, err)
	}
	return &Store{root: dir, logger: logger}, nil
}

// Root returns the runs root directory.
func (s *Store) Root() string {
	return s.root
}

// CreateRun writes the raw batch and run metadata for a new run.
func (s *Store) CreateRun(meta model.RunMeta, raw []model.RawEvent) error {
	if !ValidRunID(meta.RunID) {
		return ErrInvalidRunID
	}
	dir := filepath.Join(s.root, meta.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, RawFile), raw); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, MetaFile), meta)
}

// WriteNormalized persists the normalized sequence for a run.
func (s *Store) WriteNormalized(runID string, events []model.NormalizedEvent) error {
	if !ValidRunID(runID) {
		return ErrInvalidRunID
	}
	if events == nil {
		events = []model.NormalizedEvent{}
	}
	return writeJSON(filepath.Join(s.root, runID, NormalizedFile), events)
}

// WriteIncidents persists the per-run incident snapshot.
func (s *Store) WriteIncidents(runID string, incidents []model.Incident) error {
	if !ValidRunID(runID) {
		return ErrInvalidRunID
	}
	if incidents == nil {
		incidents = []model.Incident{}
	}
	return writeJSON(filepath.Join(s.root, runID, IncidentsFile), incidents)
}

// ListRuns returns all run ids, newest first.
func (s *Store) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	type dated struct {
		id      string
		created string
	}
	var runs []dated
	for _, entry := range entries {
		if !entry.IsDir() || !ValidRunID(entry.Name()) {
			continue
		}
		meta, err := s.Meta(entry.Name())
		if err != nil {
			s.logger.Warn("Skipping run with unreadable metadata", "run_id", entry.Name(), "error", err)
			continue
		}
		runs = append(runs, dated{id: entry.Name(), created: meta.CreatedAt})
	}

	sort.Slice(runs, func(a, b int) bool {
		if runs[a].created != runs[b].created {
			return runs[a].created > runs[b].created
		}
		return runs[a].id > runs[b].id
	})

	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.id
	}
	return ids, nil
}

// Meta reads a run's metadata.
func (s *Store) Meta(runID string) (model.RunMeta, error) {
	var meta model.RunMeta
	if !ValidRunID(runID) {
		return meta, ErrInvalidRunID
	}
	if err := readJSON(filepath.Join(s.root, runID, MetaFile), &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// Normalized reads a run's normalized events.
func (s *Store) Normalized(runID string) ([]model.NormalizedEvent, error) {
	if !ValidRunID(runID) {
		return nil, ErrInvalidRunID
	}
	var events []model.NormalizedEvent
	if err := readJSON(filepath.Join(s.root, runID, NormalizedFile), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Incidents reads a run's incident snapshot.
func (s *Store) Incidents(runID string) ([]model.Incident, error) {
	if !ValidRunID(runID) {
		return nil, ErrInvalidRunID
	}
	var incidents []model.Incident
	if err := readJSON(filepath.Join(s.root, runID, IncidentsFile), &incidents); err != nil {
		return nil, err
	}
	return incidents, nil
}

// Stats aggregates durable history for the startup metrics rebuild.
type Stats struct {
	Runs             int
	EventsIngested   int64
	EventsNormalized int64
}

// ScanStats walks every run directory and tallies ingest history.
func (s *Store) ScanStats() (Stats, error) {
	var stats Stats
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return stats, fmt.Errorf("scan runs: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !ValidRunID(entry.Name()) {
			continue
		}
		meta, err := s.Meta(entry.Name())
		if err != nil {
			continue
		}
		stats.Runs++
		stats.EventsIngested += int64(meta.EventCount)
		if events, err := s.Normalized(entry.Name()); err == nil {
			stats.EventsNormalized += int64(len(events))
		}
	}
	return stats, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// WriteFileAtomic writes data to path via a temp file and rename so
// readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
