// Package trace holds the covenant trace domain model and the parser that
// turns opaque trace JSON into a validated, schema-tagged, denormalized record.
package trace

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ciris-ai/cirislens/domain/schema"
)

// Component names carried by a covenant trace, per schema version.
const (
	ComponentThoughtStart        = "THOUGHT_START"
	ComponentSnapshotAndContext  = "SNAPSHOT_AND_CONTEXT"
	ComponentDMAResults          = "DMA_RESULTS"
	ComponentASPDMAResult        = "ASPDMA_RESULT"
	ComponentTSASPDMAResult      = "TSASPDMA_RESULT"
	ComponentConscienceResult    = "CONSCIENCE_RESULT"
	ComponentActionResult        = "ACTION_RESULT"
	ComponentIDMAResult          = "IDMA_RESULT" // 1.9.3+
)

// RawEvent is one {event_type, data} entry in a trace's components array.
type RawEvent struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// RawTrace is the wire shape POSTed by agents, decoded JSON-object form.
type RawTrace struct {
	TraceID         string     `json:"trace_id"`
	AgentIDHash     string     `json:"agent_id_hash"`
	AgentName       string     `json:"agent_name"`
	Timestamp       time.Time  `json:"timestamp"`
	Components      []RawEvent `json:"components"`
	Signature       string     `json:"signature"`
	SignatureKeyID  string     `json:"signature_key_id"`
	AuditSequenceNo int64      `json:"audit_sequence_number"`
	AuditEntryHash  string     `json:"audit_entry_hash"`
	PublicSample    bool       `json:"public_sample"`
	PartnerID       string     `json:"partner_id"`
}

// Denormalized scalar columns extracted for query performance (§3 Trace).
type Denormalized struct {
	CSDMAPlausibility  *float64
	DSDMAAlignment     *float64
	IDMANumeric        *float64
	ConsciencePass      *bool
	ActionWasOverridden *bool
	EntropyLevel        *float64
	CoherenceLevel      *float64
	SelectedAction      *string
	ActionSuccess       *bool
	ResourceTokens      *int64
	ResourceTimeMS      *int64
	AuditSequenceNumber int64
	AuditEntryHash      string
}

// ParsedTrace is the validated output of Parse: ready to persist.
type ParsedTrace struct {
	TraceID           string
	AgentIDHash       string
	AgentName         string
	Timestamp         time.Time
	SchemaVersion     string
	RawBlob           json.RawMessage
	Signature         string
	SignatureKeyID    string
	SignatureVerified bool
	PublicSample      bool
	PartnerID         string
	Denorm            Denormalized
	TraceType         string // derived: the set of component event types present
	Domain            string // extracted from SNAPSHOT_AND_CONTEXT if present
}

// ValidationError is a trace-level failure that aborts ingest of that trace.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func validationErr(code, msg string) *ValidationError {
	return &ValidationError{Code: code, Message: msg}
}

// Parse validates and denormalizes a decoded trace against the registry,
// returning field-level warnings that do not abort ingest.
func Parse(raw RawTrace, rawBlob json.RawMessage, registry *schema.Registry) (ParsedTrace, []string, error) {
	if raw.TraceID == "" {
		return ParsedTrace{}, nil, validationErr("MISSING_TRACE_ID", "trace_id is required")
	}
	if raw.Signature == "" {
		return ParsedTrace{}, nil, validationErr("MISSING_SIGNATURE", "signature is required")
	}
	if len(raw.Components) == 0 {
		return ParsedTrace{}, nil, validationErr("MALFORMED_COMPONENTS", "components must be non-empty")
	}

	eventTypes := make([]string, 0, len(raw.Components))
	byType := make(map[string]map[string]any, len(raw.Components))
	for _, c := range raw.Components {
		if c.EventType == "" {
			return ParsedTrace{}, nil, validationErr("MALFORMED_COMPONENTS", "component missing event_type")
		}
		eventTypes = append(eventTypes, c.EventType)
		byType[c.EventType] = c.Data
	}

	version, err := registry.Match(eventTypes)
	if err != nil {
		return ParsedTrace{}, nil, validationErr("UNKNOWN_SCHEMA", err.Error())
	}

	parsed := ParsedTrace{
		TraceID:        raw.TraceID,
		AgentIDHash:    raw.AgentIDHash,
		AgentName:      raw.AgentName,
		Timestamp:      raw.Timestamp,
		SchemaVersion:  version.Version,
		RawBlob:        rawBlob,
		Signature:      raw.Signature,
		SignatureKeyID: raw.SignatureKeyID,
		PublicSample:   raw.PublicSample,
		PartnerID:      raw.PartnerID,
		TraceType:      traceTypeOf(eventTypes),
		Denorm: Denormalized{
			AuditSequenceNumber: raw.AuditSequenceNo,
			AuditEntryHash:      raw.AuditEntryHash,
		},
	}

	var warnings []string

	for _, eventType := range eventTypes {
		data := byType[eventType]
		for _, rule := range version.RulesForEventType(eventType) {
			value, warn, ok := schema.ExtractField(data, rule)
			if warn != "" {
				warnings = append(warnings, fmt.Sprintf("%s.%s: %s", eventType, rule.FieldName, warn))
			}
			if !ok {
				continue
			}
			applyColumn(&parsed.Denorm, rule.Column, value)
		}
	}

	if snap, ok := byType[ComponentSnapshotAndContext]; ok {
		if d, ok := snap["domain"].(string); ok {
			parsed.Domain = d
		}
	}

	return parsed, warnings, nil
}

func traceTypeOf(eventTypes []string) string {
	sorted := append([]string(nil), eventTypes...)
	sort.Strings(sorted)
	out := ""
	for i, et := range sorted {
		if i > 0 {
			out += "+"
		}
		out += et
	}
	return out
}

// applyColumn is the last-write-wins sink for denormalized columns. Column
// names are the table-driven destination the field-extraction rules name.
func applyColumn(d *Denormalized, column string, value any) {
	switch column {
	case "csdma_plausibility":
		setFloat(&d.CSDMAPlausibility, value)
	case "dsdma_alignment":
		setFloat(&d.DSDMAAlignment, value)
	case "idma_numeric":
		setFloat(&d.IDMANumeric, value)
	case "conscience_pass":
		setBool(&d.ConsciencePass, value)
	case "action_was_overridden":
		setBool(&d.ActionWasOverridden, value)
	case "entropy_level":
		setFloat(&d.EntropyLevel, value)
	case "coherence_level":
		setFloat(&d.CoherenceLevel, value)
	case "selected_action":
		if s, ok := value.(string); ok {
			d.SelectedAction = &s
		}
	case "action_success":
		setBool(&d.ActionSuccess, value)
	case "resource_tokens":
		setInt(&d.ResourceTokens, value)
	case "resource_time_ms":
		setInt(&d.ResourceTimeMS, value)
	}
}

func setFloat(dst **float64, value any) {
	if f, ok := value.(float64); ok {
		*dst = &f
	}
}

func setBool(dst **bool, value any) {
	if b, ok := value.(bool); ok {
		*dst = &b
	}
}

func setInt(dst **int64, value any) {
	if i, ok := value.(int64); ok {
		*dst = &i
	}
}

// CanonicalComponents serializes the components array with lexicographically
// sorted keys and no insignificant whitespace, the exact byte form the
// signature is computed over (§4.2).
func CanonicalComponents(components []RawEvent) ([]byte, error) {
	canon := make([]any, len(components))
	for i, c := range components {
		canon[i] = map[string]any{
			"event_type": c.EventType,
			"data":       sortedCopy(c.Data),
		}
	}
	return marshalSortedKeys(canon)
}

// sortedCopy recursively copies a map so nested maps also serialize with
// sorted keys via encoding/json, which sorts map[string]any keys natively.
func sortedCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func marshalSortedKeys(v any) ([]byte, error) {
	// encoding/json marshals map keys in sorted (lexicographic) order already,
	// so no extra canonicalization library is needed here.
	return json.Marshal(v)
}

// VerifySignature checks sig over the canonical serialization of components
// using the given Ed25519 public key.
func VerifySignature(publicKey ed25519.PublicKey, components []RawEvent, sig []byte) (bool, error) {
	canon, err := CanonicalComponents(components)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(publicKey, canon, sig), nil
}
