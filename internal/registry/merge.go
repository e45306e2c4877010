package registry

import (
	"sort"

	"github.com/authsentry/authsentry/internal/model"
)

// copyIncident deep-copies an incident so callers never share slices with
// registry-owned state.
func copyIncident(in model.Incident) model.Incident {
	out := in
	out.RecommendedActions = append([]string(nil), in.RecommendedActions...)
	out.Evidence.Timeline = append([]model.TimelineEntry(nil), in.Evidence.Timeline...)
	out.Evidence.Events = append([]model.NormalizedEvent(nil), in.Evidence.Events...)
	out.Evidence.AffectedEntities = append([]string(nil), in.Evidence.AffectedEntities...)
	if in.ResolutionReason != nil {
		reason := *in.ResolutionReason
		out.ResolutionReason = &reason
	}
	return out
}

// mergeIncidents folds an incoming detection into the existing record with
// the same identity. Counts sum; evidence lists concatenate with
// duplicates removed; severity and confidence take the stronger value; the
// human-facing fields follow the latest detection. Status handling is the
// caller's job.
func mergeIncidents(existing, incoming model.Incident, now string) model.Incident {
	merged := copyIncident(existing)

	merged.FirstSeen = minTimestamp(existing.FirstSeen, incoming.FirstSeen)
	merged.LastSeen = maxTimestamp(existing.LastSeen, incoming.LastSeen)
	merged.UpdatedAt = now
	merged.CreatedAt = existing.CreatedAt

	merged.Evidence.WindowStart = minTimestamp(existing.Evidence.WindowStart, incoming.Evidence.WindowStart)
	merged.Evidence.WindowEnd = maxTimestamp(existing.Evidence.WindowEnd, incoming.Evidence.WindowEnd)

	merged.Evidence.Counts.Failures = existing.Evidence.Counts.Failures + incoming.Evidence.Counts.Failures
	merged.Evidence.Counts.DistinctUsers = existing.Evidence.Counts.DistinctUsers + incoming.Evidence.Counts.DistinctUsers

	merged.Evidence.Timeline = dedupeTimeline(existing.Evidence.Timeline, incoming.Evidence.Timeline)
	merged.Evidence.Events = dedupeEvents(existing.Evidence.Events, incoming.Evidence.Events)
	merged.Evidence.AffectedEntities = unionSorted(existing.Evidence.AffectedEntities, incoming.Evidence.AffectedEntities)

	merged.Severity = model.StrongerSeverity(existing.Severity, incoming.Severity)
	if incoming.Confidence > merged.Confidence {
		merged.Confidence = incoming.Confidence
	}

	merged.Subject = incoming.Subject
	merged.Summary = incoming.Summary
	merged.RecommendedActions = append([]string(nil), incoming.RecommendedActions...)
	merged.Explanation = incoming.Explanation

	merged.EvidenceCount = len(merged.Evidence.Events)
	merged.SourceCount = mergedSourceCount(existing, incoming, merged.Evidence.Events)

	return merged
}

type evidenceKey struct {
	timestamp string
	eventType string
	username  string
}

func dedupeTimeline(lists ...[]model.TimelineEntry) []model.TimelineEntry {
	seen := make(map[evidenceKey]bool)
	var out []model.TimelineEntry
	for _, list := range lists {
		for _, entry := range list {
			key := evidenceKey{entry.Timestamp, entry.EventType, entry.Username}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, entry)
		}
	}
	return out
}

func dedupeEvents(lists ...[]model.NormalizedEvent) []model.NormalizedEvent {
	seen := make(map[evidenceKey]bool)
	var out []model.NormalizedEvent
	for _, list := range lists {
		for _, event := range list {
			key := evidenceKey{event.Timestamp, event.EventType, event.Username}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, event)
		}
	}
	return out
}

func unionSorted(lists ...[]string) []string {
	set := make(map[string]bool)
	for _, list := range lists {
		for _, v := range list {
			set[v] = true
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func mergedSourceCount(existing, incoming model.Incident, events []model.NormalizedEvent) int {
	sources := make(map[string]bool)
	for _, ev := range events {
		if ev.Source != "" {
			sources[ev.Source] = true
		}
	}
	if len(sources) > 0 {
		return len(sources)
	}
	if incoming.SourceCount > existing.SourceCount {
		return incoming.SourceCount
	}
	return existing.SourceCount
}

func minTimestamp(a, b string) string {
	if cmp, ok := compareTimestamps(a, b); ok {
		if cmp <= 0 {
			return a
		}
		return b
	}
	if a == "" {
		return b
	}
	if b != "" && b < a {
		return b
	}
	return a
}

func maxTimestamp(a, b string) string {
	if cmp, ok := compareTimestamps(a, b); ok {
		if cmp >= 0 {
			return a
		}
		return b
	}
	if a == "" {
		return b
	}
	if b > a {
		return b
	}
	return a
}

func compareTimestamps(a, b string) (int, bool) {
	ta, errA := model.ParseTime(a)
	tb, errB := model.ParseTime(b)
	if errA != nil || errB != nil {
		return 0, false
	}
	switch {
	case ta.Before(tb):
		return -1, true
	case ta.After(tb):
		return 1, true
	default:
		return 0, true
	}
}
