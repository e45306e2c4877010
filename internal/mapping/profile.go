package mapping

import (
	"strings"
)

// CanonicalFields is the locked canonical field list. Every _default
// profile must declare aliases for all of them.
var CanonicalFields = []string{
	"timestamp",
	"source_ip",
	"username",
	"event_type",
	"result",
	"reason",
	"user_agent",
	"source",
}

// Profile declares, per canonical field, the ordered raw-field aliases for
// one log source. An alias containing a dot is resolved as a path into
// nested objects ("winlog.event_data.IpAddress").
type Profile struct {
	Fields           map[string][]string `yaml:"fields"`
	RejectEventTypes []string            `yaml:"reject_event_types"`
	ResultMap        map[string]string   `yaml:"result_map"`
}

// Resolver binds a source profile to the _default profile so per-field
// fallback works the same way for every caller.
type Resolver struct {
	Source  string
	profile *Profile
	def     *Profile
}

// Aliases returns the ordered alias list for a canonical field, falling
// back to _default when the source profile does not declare the field.
func (r *Resolver) Aliases(field string) []string {
	if r.profile != nil {
		if aliases, ok := r.profile.Fields[field]; ok && len(aliases) > 0 {
			return aliases
		}
	}
	if r.def != nil {
		return r.def.Fields[field]
	}
	return nil
}

// Lookup walks the alias list for field in declaration order and returns
// the first value present in the raw event. Dot-separated aliases descend
// into nested objects. Empty strings do not count as present.
func (r *Resolver) Lookup(raw map[string]interface{}, field string) (interface{}, bool) {
	for _, alias := range r.Aliases(field) {
		if v, ok := lookupAlias(raw, alias); ok {
			return v, true
		}
	}
	return nil, false
}

// RejectTypes returns the profile's event types to drop, falling back to
// _default when the source profile declares none.
func (r *Resolver) RejectTypes() []string {
	if r.profile != nil && len(r.profile.RejectEventTypes) > 0 {
		return r.profile.RejectEventTypes
	}
	if r.def != nil {
		return r.def.RejectEventTypes
	}
	return nil
}

// MapResult translates a raw outcome value to the canonical result
// enumeration. success and failure always pass through; anything not in
// the result_map becomes other.
func (r *Resolver) MapResult(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "success" || v == "failure" {
		return v
	}
	for _, p := range []*Profile{r.profile, r.def} {
		if p == nil {
			continue
		}
		if mapped, ok := p.ResultMap[v]; ok {
			return mapped
		}
	}
	return "other"
}

func lookupAlias(raw map[string]interface{}, alias string) (interface{}, bool) {
	// Exact key wins even when the alias contains a dot.
	if v, ok := raw[alias]; ok && present(v) {
		return v, true
	}
	if !strings.Contains(alias, ".") {
		return nil, false
	}
	parts := strings.Split(alias, ".")
	var cur interface{} = raw
	for _, part := range parts {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	if !present(cur) {
		return nil, false
	}
	return cur, true
}

func present(v interface{}) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}
