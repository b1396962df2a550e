// Package schema holds the schema registry and field-extraction rule table
// that the trace parser consults to turn opaque event JSON into denormalized
// columns. Dotted-path resolution is a small hand-rolled tree-walk: CIRISLens
// does not pull in a general JSONPath engine for this, since the paths it
// needs to resolve are always simple dotted field accesses, never predicates
// or wildcards.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of a registered schema version.
type Status string

const (
	StatusCurrent    Status = "current"
	StatusSupported  Status = "supported"
	StatusDeprecated Status = "deprecated"
)

// DataType is the coercion target for an extracted field.
type DataType string

const (
	TypeString    DataType = "string"
	TypeInt       DataType = "int"
	TypeFloat     DataType = "float"
	TypeBoolean   DataType = "boolean"
	TypeJSON      DataType = "json"
	TypeTimestamp DataType = "timestamp"
)

// FieldExtractionRule maps one (event_type, field) to a destination column.
type FieldExtractionRule struct {
	EventType string
	FieldName string
	JSONPath  string // dotted path within the event's data object; "" means the whole object
	DataType  DataType
	Column    string
}

// Version is one registered schema version and its rule set.
type Version struct {
	Version             string
	Status              Status
	SignatureEventTypes []string
	RequiredEventTypes  []string
	OptionalEventTypes  []string
	Rules               []FieldExtractionRule
}

func (v Version) eventTypeSet() map[string]struct{} {
	set := make(map[string]struct{}, len(v.RequiredEventTypes)+len(v.OptionalEventTypes)+len(v.SignatureEventTypes))
	for _, list := range [][]string{v.RequiredEventTypes, v.OptionalEventTypes, v.SignatureEventTypes} {
		for _, et := range list {
			set[et] = struct{}{}
		}
	}
	return set
}

// matches implements the §4.1 schema-detection rule: required ⊆ E and
// E ⊆ required ∪ optional ∪ signature_types.
func (v Version) matches(present map[string]struct{}) bool {
	for _, req := range v.RequiredEventTypes {
		if _, ok := present[req]; !ok {
			return false
		}
	}
	allowed := v.eventTypeSet()
	for et := range present {
		if _, ok := allowed[et]; !ok {
			return false
		}
	}
	return true
}

var statusPriority = map[Status]int{
	StatusCurrent:    0,
	StatusSupported:  1,
	StatusDeprecated: 2,
}

// Registry is an in-memory, shared-read, copy-on-write-update table of
// schema versions and their extraction rules. Updates (admin-surface schema
// registration) are out of scope (§1); Reload is the read-refresh path.
type Registry struct {
	mu       sync.RWMutex
	versions []Version
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Reload atomically replaces the registry contents, sorted by status
// priority (current first) so Match walks in the order §4.1 requires.
func (r *Registry) Reload(versions []Version) {
	sorted := make([]Version, len(versions))
	copy(sorted, versions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return statusPriority[sorted[i].Status] < statusPriority[sorted[j].Status]
	})

	r.mu.Lock()
	r.versions = sorted
	r.mu.Unlock()
}

// ErrUnknownSchema is returned when no registered version's event-type set matches.
var ErrUnknownSchema = fmt.Errorf("schema: no registered version matches the observed event types")

// Match returns the first schema version (current > supported > deprecated)
// whose event-type constraints are satisfied by the given event types.
func (r *Registry) Match(eventTypes []string) (Version, error) {
	present := make(map[string]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		present[et] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.versions {
		if v.matches(present) {
			return v, nil
		}
	}
	return Version{}, ErrUnknownSchema
}

// RulesForEventType returns the extraction rules for one event type within a version.
func (v Version) RulesForEventType(eventType string) []FieldExtractionRule {
	var out []FieldExtractionRule
	for _, rule := range v.Rules {
		if rule.EventType == eventType {
			out = append(out, rule)
		}
	}
	return out
}

// ExtractField resolves rule.JSONPath against data and coerces the result to
// rule.DataType. An empty JSONPath means "use the entire object". A
// coercion failure returns ok=false and a warning string; it is never an error.
func ExtractField(data map[string]any, rule FieldExtractionRule) (value any, warning string, ok bool) {
	var raw any = data
	if rule.JSONPath != "" {
		raw = walkPath(data, rule.JSONPath)
	}
	if raw == nil {
		return nil, "", true
	}
	return coerce(raw, rule.DataType)
}

// walkPath resolves a dotted path ("a.b.c") against a nested
// map[string]any, left to right. A missing intermediate key yields nil.
func walkPath(data map[string]any, path string) any {
	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func coerce(raw any, target DataType) (value any, warning string, ok bool) {
	switch target {
	case TypeString:
		if s, isStr := raw.(string); isStr {
			return s, "", true
		}
		return nil, fmt.Sprintf("expected string, got %T", raw), false
	case TypeInt:
		switch n := raw.(type) {
		case float64:
			return int64(n), "", true
		case int:
			return int64(n), "", true
		case int64:
			return n, "", true
		case string:
			if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
				return parsed, "", true
			}
		}
		return nil, fmt.Sprintf("expected int, got %T", raw), false
	case TypeFloat:
		switch n := raw.(type) {
		case float64:
			return n, "", true
		case int:
			return float64(n), "", true
		case string:
			if parsed, err := strconv.ParseFloat(n, 64); err == nil {
				return parsed, "", true
			}
		}
		return nil, fmt.Sprintf("expected float, got %T", raw), false
	case TypeBoolean:
		switch b := raw.(type) {
		case bool:
			return b, "", true
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed, "", true
			}
		}
		return nil, fmt.Sprintf("expected boolean, got %T", raw), false
	case TypeTimestamp:
		if s, isStr := raw.(string); isStr {
			if ts, err := time.Parse(time.RFC3339, s); err == nil {
				return ts, "", true
			}
		}
		return nil, fmt.Sprintf("expected RFC3339 timestamp, got %T", raw), false
	case TypeJSON:
		return raw, "", true
	default:
		return nil, fmt.Sprintf("unknown data type %q", target), false
	}
}
