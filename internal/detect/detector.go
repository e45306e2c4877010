package detect

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/authsentry/authsentry/internal/model"
)

// Default rule constants. All four are overridable through Config.
const (
	DefaultWindowSeconds      = 60
	DefaultBruteForceFailures = 5
	DefaultSprayDistinctUsers = 5
	DefaultSprayFailures      = 8

	// suppressionCap bounds the emitted-identity cache. One entry per
	// flushed identity; a batch approaching this many incidents is far
	// outside normal operation.
	suppressionCap = 65536
)

// Config holds the sliding-window rule thresholds.
type Config struct {
	WindowSeconds      int
	BruteForceFailures int
	SprayDistinctUsers int
	SprayFailures      int
}

// DefaultConfig returns the documented rule defaults.
func DefaultConfig() Config {
	return Config{
		WindowSeconds:      DefaultWindowSeconds,
		BruteForceFailures: DefaultBruteForceFailures,
		SprayDistinctUsers: DefaultSprayDistinctUsers,
		SprayFailures:      DefaultSprayFailures,
	}
}

// candidate is the latest qualifying window snapshot for one grouping
// key. As the key's window grows the snapshot is overwritten, so one
// cluster of failures yields one incident spanning its full extent
// instead of one incident per threshold crossing.
type candidate struct {
	windowStart string
	windowEnd   string
	events      []model.NormalizedEvent
}

// Detector runs the sliding-window rules over a normalized batch. It holds
// no cross-batch state; every Detect call is independent and deterministic.
type Detector struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a detector with the given thresholds.
func New(cfg Config, logger *slog.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger}
}

// Detect walks the chronologically sorted events and emits incidents for
// the brute-force and credential-abuse rules. Each grouping key slides
// its own window — (source_ip, username) pairs for brute force, source_ip
// for credential abuse — so bounds and counts never leak between keys.
// Output order is deterministic: sorted by incident id.
func (d *Detector) Detect(events []model.NormalizedEvent) []model.Incident {
	type sortable struct {
		ts    time.Time
		index int
		event model.NormalizedEvent
	}

	// Re-sort defensively so detection output depends only on event
	// content, not on caller ordering.
	var ordered []sortable
	for i, ev := range events {
		ts, err := model.ParseTime(ev.Timestamp)
		if err != nil {
			continue
		}
		ordered = append(ordered, sortable{ts: ts, index: i, event: ev})
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		if !ordered[a].ts.Equal(ordered[b].ts) {
			return ordered[a].ts.Before(ordered[b].ts)
		}
		return ordered[a].index < ordered[b].index
	})

	maxAge := time.Duration(d.cfg.WindowSeconds) * time.Second

	// One FIFO per grouping key, per rule.
	pairWindows := make(map[[2]string]*failureWindow)
	ipWindows := make(map[string]*failureWindow)

	// Identities already flushed in this pass. Identical windows hash to
	// identical ids, so one cache covers both rules.
	emitted, _ := lru.New[string, bool](suppressionCap)

	pendingBF := make(map[[2]string]*candidate)
	pendingCA := make(map[string]*candidate)
	var incidents []model.Incident

	flushBF := func(key [2]string) {
		pending := pendingBF[key]
		if pending == nil {
			return
		}
		delete(pendingBF, key)
		id := IncidentID(BruteForceSeed(key[0], key[1], pending.windowStart, pending.windowEnd, len(pending.events)))
		if _, seen := emitted.Get(id); seen {
			return
		}
		emitted.Add(id, true)
		incidents = append(incidents, d.bruteForceIncident(id, key[0], key[1], pending))
	}
	flushCA := func(ip string) {
		pending := pendingCA[ip]
		if pending == nil {
			return
		}
		delete(pendingCA, ip)
		users := len(distinctUsers(pending.events))
		id := IncidentID(CredAbuseSeed(ip, pending.windowStart, pending.windowEnd, len(pending.events), users))
		if _, seen := emitted.Get(id); seen {
			return
		}
		emitted.Add(id, true)
		incidents = append(incidents, d.credAbuseIncident(id, ip, pending, users))
	}

	for _, item := range ordered {
		if item.event.Result != model.ResultFailure {
			continue
		}
		ip := item.event.SourceIP
		user := item.event.Username
		if ip == "" || user == "" {
			continue
		}

		// Rule 1: brute force against a single account.
		pairKey := [2]string{ip, user}
		pairWindow := pairWindows[pairKey]
		if pairWindow == nil {
			pairWindow = newFailureWindow(maxAge)
			pairWindows[pairKey] = pairWindow
		}
		pairWindow.Push(item.ts, item.event)

		if pairWindow.Len() >= d.cfg.BruteForceFailures {
			windowStart, windowEnd := pairWindow.Bounds()
			next := &candidate{
				windowStart: windowStart,
				windowEnd:   windowEnd,
				events:      pairWindow.Events(),
			}
			if prev := pendingBF[pairKey]; prev != nil && prev.windowEnd < next.windowStart {
				// The window moved past the previous cluster entirely.
				flushBF(pairKey)
			}
			pendingBF[pairKey] = next
		}

		// Rule 2: credential abuse (password spraying) from a single IP.
		ipWindow := ipWindows[ip]
		if ipWindow == nil {
			ipWindow = newFailureWindow(maxAge)
			ipWindows[ip] = ipWindow
		}
		ipWindow.Push(item.ts, item.event)

		if ipWindow.Len() >= d.cfg.SprayFailures {
			ipEvents := ipWindow.Events()
			if len(distinctUsers(ipEvents)) >= d.cfg.SprayDistinctUsers {
				windowStart, windowEnd := ipWindow.Bounds()
				next := &candidate{
					windowStart: windowStart,
					windowEnd:   windowEnd,
					events:      ipEvents,
				}
				if prev := pendingCA[ip]; prev != nil && prev.windowEnd < next.windowStart {
					flushCA(ip)
				}
				pendingCA[ip] = next
			}
		}
	}

	// End of batch: flush every remaining candidate in deterministic order.
	bfKeys := make([][2]string, 0, len(pendingBF))
	for key := range pendingBF {
		bfKeys = append(bfKeys, key)
	}
	sort.Slice(bfKeys, func(a, b int) bool {
		if bfKeys[a][0] != bfKeys[b][0] {
			return bfKeys[a][0] < bfKeys[b][0]
		}
		return bfKeys[a][1] < bfKeys[b][1]
	})
	for _, key := range bfKeys {
		flushBF(key)
	}

	caKeys := make([]string, 0, len(pendingCA))
	for ip := range pendingCA {
		caKeys = append(caKeys, ip)
	}
	sort.Strings(caKeys)
	for _, ip := range caKeys {
		flushCA(ip)
	}

	sort.Slice(incidents, func(a, b int) bool {
		return incidents[a].IncidentID < incidents[b].IncidentID
	})

	if len(incidents) > 0 {
		d.logger.Info("Detection pass complete",
			"events", len(events),
			"incidents", len(incidents))
	}
	return incidents
}

func (d *Detector) bruteForceIncident(id, ip, user string, pending *candidate) model.Incident {
	events := pending.events
	severity, confidence := bruteForceGrade(len(events))
	firstSeen, lastSeen := seenBounds(events)

	incident := model.Incident{
		IncidentID: id,
		Type:       model.TypeBruteForce,
		Mitre:      model.MitreFor(model.TypeBruteForce),
		Severity:   severity,
		Confidence: confidence,
		Status:     model.StatusOpen,
		Subject:    model.Subject{SourceIP: ip, Username: user},
		Evidence: model.Evidence{
			WindowStart:      pending.windowStart,
			WindowEnd:        pending.windowEnd,
			Counts:           model.Counts{Failures: len(events)},
			Timeline:         timeline(events),
			Events:           append([]model.NormalizedEvent(nil), events...),
			AffectedEntities: affectedEntities(ip, events),
		},
		Explanation: model.Explanation{
			Threshold:    d.cfg.BruteForceFailures,
			Observed:     len(events),
			Window:       fmt.Sprintf("%ds", d.cfg.WindowSeconds),
			TriggerField: "username",
		},
		RecommendedActions: BruteForceActions(),
		EvidenceCount:      len(events),
		SourceCount:        distinctSources(events),
		FirstSeen:          firstSeen,
		LastSeen:           lastSeen,
	}
	incident.Summary = bruteForceSummary(incident)
	return incident
}

func (d *Detector) credAbuseIncident(id, ip string, pending *candidate, userCount int) model.Incident {
	events := pending.events
	severity := model.SeverityHigh
	if userCount > 15 {
		severity = model.SeverityCritical
	}
	firstSeen, lastSeen := seenBounds(events)

	incident := model.Incident{
		IncidentID: id,
		Type:       model.TypeCredentialAbuse,
		Mitre:      model.MitreFor(model.TypeCredentialAbuse),
		Severity:   severity,
		Confidence: 90,
		Status:     model.StatusOpen,
		Subject:    model.Subject{SourceIP: ip},
		Evidence: model.Evidence{
			WindowStart:      pending.windowStart,
			WindowEnd:        pending.windowEnd,
			Counts:           model.Counts{Failures: len(events), DistinctUsers: userCount},
			Timeline:         timeline(events),
			Events:           append([]model.NormalizedEvent(nil), events...),
			AffectedEntities: affectedEntities(ip, events),
		},
		Explanation: model.Explanation{
			Threshold:    d.cfg.SprayDistinctUsers,
			Observed:     userCount,
			Window:       fmt.Sprintf("%ds", d.cfg.WindowSeconds),
			TriggerField: "source_ip",
		},
		RecommendedActions: CredAbuseActions(),
		EvidenceCount:      len(events),
		SourceCount:        distinctSources(events),
		FirstSeen:          firstSeen,
		LastSeen:           lastSeen,
	}
	incident.Summary = credAbuseSummary(incident)
	return incident
}

// bruteForceGrade maps a failure count to severity and confidence.
func bruteForceGrade(failures int) (string, int) {
	switch {
	case failures >= 20:
		return model.SeverityHigh, 95
	case failures >= 10:
		return model.SeverityMedium, 85
	default:
		return model.SeverityLow, 70
	}
}

func distinctUsers(events []model.NormalizedEvent) map[string]bool {
	users := make(map[string]bool)
	for _, ev := range events {
		if ev.Username != "" {
			users[ev.Username] = true
		}
	}
	return users
}

func distinctSources(events []model.NormalizedEvent) int {
	sources := make(map[string]bool)
	for _, ev := range events {
		if ev.Source != "" {
			sources[ev.Source] = true
		}
	}
	return len(sources)
}

func timeline(events []model.NormalizedEvent) []model.TimelineEntry {
	out := make([]model.TimelineEntry, len(events))
	for i, ev := range events {
		out[i] = model.TimelineEntry{
			Timestamp: ev.Timestamp,
			EventType: ev.EventType,
			Result:    ev.Result,
			Reason:    ev.Reason,
			Username:  ev.Username,
		}
	}
	return out
}

func affectedEntities(ip string, events []model.NormalizedEvent) []string {
	set := map[string]bool{ip: true}
	for _, ev := range events {
		if ev.Username != "" {
			set[ev.Username] = true
		}
	}
	out := make([]string, 0, len(set))
	for entity := range set {
		out = append(out, entity)
	}
	sort.Strings(out)
	return out
}

func seenBounds(events []model.NormalizedEvent) (string, string) {
	if len(events) == 0 {
		return "", ""
	}
	first, last := events[0].Timestamp, events[0].Timestamp
	for _, ev := range events[1:] {
		if ev.Timestamp < first {
			first = ev.Timestamp
		}
		if ev.Timestamp > last {
			last = ev.Timestamp
		}
	}
	return first, last
}
