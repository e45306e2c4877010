package normalize

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/authsentry/authsentry/internal/mapping"
	"github.com/authsentry/authsentry/internal/model"
)

//go:embed normalized_event.json
var schemaJSON []byte

// Rejection reasons, exposed verbatim in counters and per-run reports.
const (
	ReasonTelemetry      = "telemetry"
	ReasonTimestampParse = "timestamp_parse"
	ReasonSchema         = "schema"
)

// MissingRequiredReason builds the rejection reason for an unresolvable
// required field.
func MissingRequiredReason(field string) string {
	return "missing_required:" + field
}

// Event types that are operational telemetry, never security-relevant.
// Profile reject_event_types extend this set per source.
var telemetryTypes = map[string]bool{
	"heartbeat":    true,
	"health_check": true,
	"ping":         true,
	"keepalive":    true,
	"metrics":      true,
}

// epochMillisCutoff: numeric timestamps above this are epoch milliseconds.
const epochMillisCutoff = 1e11

// Rejection records one event that did not survive normalization.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result is the outcome of normalizing one batch.
type Result struct {
	Events     []model.NormalizedEvent
	Rejections []Rejection
}

// RejectedTotal returns how many events were dropped for the given reason.
func (r Result) RejectedTotal(reason string) int {
	n := 0
	for _, rej := range r.Rejections {
		if rej.Reason == reason {
			n++
		}
	}
	return n
}

// Normalizer projects raw login events into the canonical schema using the
// field-alias profiles.
type Normalizer struct {
	mappings *mapping.Loader
	schema   *jsonschema.Schema
	logger   *slog.Logger
}

// New creates a normalizer. The canonical schema is compiled once; failure
// to compile is a build defect, not an input condition.
func New(mappings *mapping.Loader, logger *slog.Logger) (*Normalizer, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("normalized_event.json", strings.NewReader(string(schemaJSON))); err != nil {
		return nil, fmt.Errorf("add canonical schema resource: %w", err)
	}
	schema, err := compiler.Compile("normalized_event.json")
	if err != nil {
		return nil, fmt.Errorf("compile canonical schema: %w", err)
	}
	return &Normalizer{mappings: mappings, schema: schema, logger: logger}, nil
}

// Normalize runs the pipeline over one batch: resolve aliases, drop
// telemetry, coerce timestamps, translate results, validate, sort.
// Individual event failures are collected; the batch always completes.
func (n *Normalizer) Normalize(batch []model.RawEvent, sourceHint string) Result {
	type keyed struct {
		ts    time.Time
		index int
		event model.NormalizedEvent
	}

	var kept []keyed
	var rejections []Rejection

	reject := func(index int, reason string) {
		rejections = append(rejections, Rejection{Index: index, Reason: reason})
	}

	for i, raw := range batch {
		resolver := n.resolverFor(raw, sourceHint)

		// event_type drives both the telemetry gate and detection grouping.
		eventType, ok := stringField(resolver, raw, "event_type")
		if !ok {
			reject(i, MissingRequiredReason("event_type"))
			continue
		}
		eventType = strings.ToLower(eventType)

		if n.isTelemetry(eventType, resolver) {
			reject(i, ReasonTelemetry)
			continue
		}

		rawTS, ok := resolver.Lookup(raw, "timestamp")
		if !ok {
			reject(i, MissingRequiredReason("timestamp"))
			continue
		}
		ts, ok := CoerceTimestamp(rawTS)
		if !ok {
			reject(i, ReasonTimestampParse)
			continue
		}

		rawResult, ok := stringField(resolver, raw, "result")
		if !ok {
			reject(i, MissingRequiredReason("result"))
			continue
		}

		event := model.NormalizedEvent{
			Timestamp: model.FormatTime(ts),
			EventType: eventType,
			Result:    resolver.MapResult(rawResult),
		}
		if v, ok := stringField(resolver, raw, "source_ip"); ok {
			event.SourceIP = v
		}
		if v, ok := stringField(resolver, raw, "username"); ok {
			event.Username = v
		}
		if v, ok := stringField(resolver, raw, "reason"); ok {
			event.Reason = v
		}
		if v, ok := stringField(resolver, raw, "user_agent"); ok {
			event.UserAgent = v
		}
		if v, ok := stringField(resolver, raw, "source"); ok {
			event.Source = v
		}

		if err := n.validate(event); err != nil {
			n.logger.Debug("Event failed schema validation", "index", i, "error", err)
			reject(i, ReasonSchema)
			continue
		}

		kept = append(kept, keyed{ts: ts, index: i, event: event})
	}

	// Chronological order, ties broken by original input position.
	sort.SliceStable(kept, func(a, b int) bool {
		if !kept[a].ts.Equal(kept[b].ts) {
			return kept[a].ts.Before(kept[b].ts)
		}
		return kept[a].index < kept[b].index
	})

	events := make([]model.NormalizedEvent, len(kept))
	for i, k := range kept {
		events[i] = k.event
	}

	return Result{Events: events, Rejections: rejections}
}

// resolverFor picks the profile for one event: the batch source hint wins,
// otherwise the event's own source alias, otherwise _default.
func (n *Normalizer) resolverFor(raw model.RawEvent, sourceHint string) *mapping.Resolver {
	if sourceHint != "" {
		return n.mappings.Resolve(sourceHint)
	}
	def := n.mappings.Resolve("")
	if v, ok := def.Lookup(raw, "source"); ok {
		if s, ok := v.(string); ok {
			return n.mappings.Resolve(strings.TrimSpace(s))
		}
	}
	return def
}

func (n *Normalizer) isTelemetry(eventType string, resolver *mapping.Resolver) bool {
	if telemetryTypes[eventType] {
		return true
	}
	for _, t := range resolver.RejectTypes() {
		if strings.EqualFold(t, eventType) {
			return true
		}
	}
	return false
}

func (n *Normalizer) validate(event model.NormalizedEvent) error {
	// The schema validates the JSON form, so round-trip through it.
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return n.schema.Validate(doc)
}

func stringField(resolver *mapping.Resolver, raw model.RawEvent, field string) (string, bool) {
	v, ok := resolver.Lookup(raw, field)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// CoerceTimestamp accepts integer epoch seconds, integer or float epoch
// milliseconds (values above 1e11 are millis), or an ISO-8601 string.
// Naive strings are assumed UTC.
func CoerceTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return fromEpoch(t), true
	case int:
		return fromEpoch(float64(t)), true
	case int64:
		return fromEpoch(float64(t)), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f), true
	case string:
		return parseISO(strings.TrimSpace(t))
	default:
		return time.Time{}, false
	}
}

func fromEpoch(v float64) time.Time {
	if v > epochMillisCutoff {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999-07:00",
}

func parseISO(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	// Numeric strings are epoch values that arrived quoted.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f), true
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
