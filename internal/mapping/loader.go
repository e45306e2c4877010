package mapping

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultProfile is the profile used when no source-specific profile
// matches an event.
const DefaultProfile = "_default"

var validResults = map[string]bool{
	"success": true,
	"failure": true,
	"other":   true,
}

// Snapshot is an immutable view of the loaded profiles.
type Snapshot struct {
	Profiles map[string]*Profile
	Version  int64
}

// Loader reads per-source field-alias profiles from a YAML file and serves
// immutable snapshots. It optionally watches the file and swaps in a new
// snapshot when the file changes and still validates.
type Loader struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	snapshot *Snapshot

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewLoader creates a loader for the profile file at path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	return &Loader{path: path, logger: logger}
}

// Load parses and validates the profile file, replacing the current
// snapshot on success. Validation failure leaves any previous snapshot in
// place and returns the joined error list.
func (l *Loader) Load() (*Snapshot, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read mapping config %s: %w", l.path, err)
	}

	profiles := make(map[string]*Profile)
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("parse mapping config %s: %w", l.path, err)
	}

	if errs := Validate(profiles); len(errs) > 0 {
		return nil, fmt.Errorf("invalid mapping config %s: %v", l.path, errs)
	}

	snapshot := &Snapshot{
		Profiles: profiles,
		Version:  time.Now().UnixNano(),
	}

	l.mu.Lock()
	l.snapshot = snapshot
	l.mu.Unlock()

	l.logger.Info("Mapping profiles loaded",
		"path", l.path,
		"profiles", len(profiles),
		"version", snapshot.Version)

	return snapshot, nil
}

// Snapshot returns the current snapshot. Nil before the first Load.
func (l *Loader) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// Resolve returns a resolver for the named source. Unknown sources use the
// _default profile alone.
func (l *Loader) Resolve(source string) *Resolver {
	snap := l.Snapshot()
	if snap == nil {
		return &Resolver{Source: source}
	}
	return &Resolver{
		Source:  source,
		profile: snap.Profiles[source],
		def:     snap.Profiles[DefaultProfile],
	}
}

// Validate checks the loaded profiles and returns every problem found.
// An empty slice means the config is usable.
func Validate(profiles map[string]*Profile) []string {
	var errs []string

	def, ok := profiles[DefaultProfile]
	if !ok || def == nil {
		errs = append(errs, "missing required '_default' profile")
		return errs
	}

	for _, field := range CanonicalFields {
		if len(def.Fields[field]) == 0 {
			errs = append(errs, fmt.Sprintf("_default profile is missing aliases for required field %q", field))
		}
	}

	for name, profile := range profiles {
		if profile == nil {
			errs = append(errs, fmt.Sprintf("profile %q must be a mapping", name))
			continue
		}
		for field, aliases := range profile.Fields {
			if len(aliases) == 0 {
				errs = append(errs, fmt.Sprintf("profile %q: field %q has an empty alias list", name, field))
			}
		}
		for raw, mapped := range profile.ResultMap {
			if !validResults[mapped] {
				errs = append(errs, fmt.Sprintf("profile %q: result_map[%q]=%q is not success/failure/other", name, raw, mapped))
			}
		}
	}

	return errs
}

// Watch starts an fsnotify watcher on the profile file and reloads it
// after writes, debounced so editors that write in bursts trigger one
// reload. A reload that fails validation is logged and the previous
// snapshot stays active.
func (l *Loader) Watch(debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create mapping watcher: %w", err)
	}
	// Watch the directory: editors replace files via rename, which drops
	// a watch on the file itself.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch mapping dir: %w", err)
	}

	l.watcher = watcher
	l.stop = make(chan struct{})

	go l.watchLoop(debounce)
	l.logger.Info("Mapping profile watcher started", "path", l.path)
	return nil
}

// Close stops the watcher if one is running.
func (l *Loader) Close() {
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	if l.watcher != nil {
		l.watcher.Close()
		l.watcher = nil
	}
}

func (l *Loader) watchLoop(debounce time.Duration) {
	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			if _, err := l.Load(); err != nil {
				l.logger.Warn("Mapping reload failed, keeping previous profiles", "error", err)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Mapping watcher error", "error", err)
		case <-l.stop:
			return
		}
	}
}
