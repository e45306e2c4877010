package model

import (
	"time"
)

// RawEvent is an untyped login event exactly as it arrived in an ingest
// batch. Structure is imposed later by the normalizer.
type RawEvent map[string]interface{}

// Canonical result values for a normalized event.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultOther   = "other"
)

// Incident types.
const (
	TypeBruteForce      = "brute_force"
	TypeCredentialAbuse = "credential_abuse"
)

// Incident lifecycle statuses.
const (
	StatusOpen         = "open"
	StatusAcknowledged = "acknowledged"
	StatusClosed       = "closed"
)

// Severity levels, weakest first.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// TimeLayout is the canonical timestamp encoding used everywhere: ISO-8601
// UTC with second precision and a Z suffix. Incident identity hashes this
// exact encoding, so it must never change.
const TimeLayout = "2006-01-02T15:04:05Z"

// FormatTime renders t in the canonical encoding.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimeLayout)
}

// ParseTime parses a canonical timestamp. It accepts RFC3339 with or
// without fractional seconds so artifacts written by older builds remain
// readable.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// NormalizedEvent is a raw event projected into the canonical schema.
type NormalizedEvent struct {
	Timestamp string `json:"timestamp"`
	SourceIP  string `json:"source_ip,omitempty"`
	Username  string `json:"username,omitempty"`
	EventType string `json:"event_type"`
	Result    string `json:"result"`
	Reason    string `json:"reason,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Source    string `json:"source,omitempty"`
}

// MitreMapping ties an incident type to its ATT&CK classification.
type MitreMapping struct {
	Tactic        string `json:"tactic"`
	Technique     string `json:"technique"`
	TechniqueName string `json:"technique_name"`
}

// MitreFor returns the ATT&CK mapping for an incident type.
func MitreFor(incidentType string) MitreMapping {
	if incidentType == TypeCredentialAbuse {
		return MitreMapping{
			Tactic:        "Credential Access",
			Technique:     "T1110.003",
			TechniqueName: "Password Spraying",
		}
	}
	return MitreMapping{
		Tactic:        "Credential Access",
		Technique:     "T1110",
		TechniqueName: "Brute Force",
	}
}

// Subject identifies who an incident is about. Username is empty for
// credential-abuse incidents, which span many accounts.
type Subject struct {
	SourceIP string `json:"source_ip"`
	Username string `json:"username,omitempty"`
}

// TimelineEntry is a compact per-event view kept inside incident evidence.
type TimelineEntry struct {
	Timestamp string `json:"timestamp"`
	EventType string `json:"event_type"`
	Result    string `json:"result"`
	Reason    string `json:"reason,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Counts aggregates the window that produced an incident.
type Counts struct {
	Failures      int `json:"failures"`
	DistinctUsers int `json:"distinct_users,omitempty"`
}

// Evidence carries everything needed to audit a detection.
type Evidence struct {
	WindowStart      string            `json:"window_start"`
	WindowEnd        string            `json:"window_end"`
	Counts           Counts            `json:"counts"`
	Timeline         []TimelineEntry   `json:"timeline"`
	Events           []NormalizedEvent `json:"events"`
	AffectedEntities []string          `json:"affected_entities"`
}

// Explanation records the threshold crossing that triggered the detection.
type Explanation struct {
	Threshold    int    `json:"threshold"`
	Observed     int    `json:"observed"`
	Window       string `json:"window"`
	TriggerField string `json:"trigger_field"`
}

// Incident is the registry's unit of state. Identity is content-addressed:
// IncidentID is a pure function of the evidence (see detect.IncidentID).
type Incident struct {
	IncidentID         string       `json:"incident_id"`
	Type               string       `json:"type"`
	Mitre              MitreMapping `json:"mitre"`
	Severity           string       `json:"severity"`
	Confidence         int          `json:"confidence"`
	Status             string       `json:"status"`
	Subject            Subject      `json:"subject"`
	Evidence           Evidence     `json:"evidence"`
	Explanation        Explanation  `json:"explanation"`
	Summary            string       `json:"summary"`
	RecommendedActions []string     `json:"recommended_actions"`
	EvidenceCount      int          `json:"evidence_count"`
	SourceCount        int          `json:"source_count"`
	FirstSeen          string       `json:"first_seen"`
	LastSeen           string       `json:"last_seen"`
	CreatedAt          string       `json:"created_at,omitempty"`
	UpdatedAt          string       `json:"updated_at,omitempty"`
	ResolutionReason   *string      `json:"resolution_reason"`
}

// RunMeta describes one ingest batch.
type RunMeta struct {
	RunID      string `json:"run_id"`
	CreatedAt  string `json:"created_at"`
	EventCount int    `json:"event_count"`
}

var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityRank returns the ordinal of a severity, 0 for unknown values.
func SeverityRank(severity string) int {
	return severityRank[severity]
}

// StrongerSeverity returns whichever of the two severities ranks higher.
func StrongerSeverity(a, b string) string {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// ValidSeverity reports whether s is one of the four severity levels.
func ValidSeverity(s string) bool {
	_, ok := severityRank[s]
	return ok
}

// ValidStatus reports whether s is a lifecycle status.
func ValidStatus(s string) bool {
	return s == StatusOpen || s == StatusAcknowledged || s == StatusClosed
}
