package trace

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/ciris-ai/cirislens/domain/schema"
)

func testRegistry() *schema.Registry {
	r := schema.NewRegistry()
	r.Reload([]schema.Version{{
		Version:            "1.0",
		Status:             schema.StatusCurrent,
		RequiredEventTypes: []string{ComponentThoughtStart, ComponentActionResult},
		OptionalEventTypes: []string{ComponentIDMAResult},
		Rules: []schema.FieldExtractionRule{
			{EventType: ComponentActionResult, FieldName: "selected_action", JSONPath: "action", DataType: schema.TypeString, Column: "selected_action"},
			{EventType: ComponentActionResult, FieldName: "resource_tokens", JSONPath: "resources.tokens", DataType: schema.TypeInt, Column: "resource_tokens"},
		},
	}})
	return r
}

func sampleRaw() RawTrace {
	return RawTrace{
		TraceID:        "trace-1",
		AgentIDHash:    "agent-hash",
		AgentName:      "agent-1",
		Timestamp:      time.Now(),
		Signature:      "c2ln", // irrelevant to Parse; signature verification is a separate step
		SignatureKeyID: "key-1",
		Components: []RawEvent{
			{EventType: ComponentThoughtStart, Data: map[string]any{}},
			{EventType: ComponentActionResult, Data: map[string]any{
				"action":    "speak",
				"resources": map[string]any{"tokens": float64(17)},
			}},
		},
	}
}

func TestParse_DenormalizesMatchedFields(t *testing.T) {
	parsed, warnings, err := Parse(sampleRaw(), []byte(`{}`), testRegistry())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if parsed.Denorm.SelectedAction == nil || *parsed.Denorm.SelectedAction != "speak" {
		t.Errorf("SelectedAction = %v, want \"speak\"", parsed.Denorm.SelectedAction)
	}
	if parsed.Denorm.ResourceTokens == nil || *parsed.Denorm.ResourceTokens != 17 {
		t.Errorf("ResourceTokens = %v, want 17", parsed.Denorm.ResourceTokens)
	}
	if parsed.TraceType != ComponentActionResult+"+"+ComponentThoughtStart {
		t.Errorf("TraceType = %q", parsed.TraceType)
	}
}

func TestParse_RejectsMissingTraceID(t *testing.T) {
	raw := sampleRaw()
	raw.TraceID = ""
	_, _, err := Parse(raw, nil, testRegistry())
	verr, ok := err.(*ValidationError)
	if !ok || verr.Code != "MISSING_TRACE_ID" {
		t.Fatalf("err = %v, want MISSING_TRACE_ID", err)
	}
}

func TestParse_RejectsUnknownSchema(t *testing.T) {
	raw := sampleRaw()
	raw.Components = []RawEvent{{EventType: "NOT_A_REAL_EVENT", Data: map[string]any{}}}
	_, _, err := Parse(raw, nil, testRegistry())
	verr, ok := err.(*ValidationError)
	if !ok || verr.Code != "UNKNOWN_SCHEMA" {
		t.Fatalf("err = %v, want UNKNOWN_SCHEMA", err)
	}
}

func TestParse_WarnsButSucceedsOnTypeMismatch(t *testing.T) {
	raw := sampleRaw()
	raw.Components[1].Data["action"] = 123 // wrong type: expects string
	parsed, warnings, err := Parse(raw, nil, testRegistry())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", warnings)
	}
	if parsed.Denorm.SelectedAction != nil {
		t.Errorf("SelectedAction should be unset after a coercion failure, got %v", *parsed.Denorm.SelectedAction)
	}
}

func TestVerifySignature_RoundTrips(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	components := sampleRaw().Components

	canon, err := CanonicalComponents(components)
	if err != nil {
		t.Fatalf("CanonicalComponents: %v", err)
	}
	sig := ed25519.Sign(priv, canon)

	ok, err := VerifySignature(pub, components, sig)
	if err != nil || !ok {
		t.Fatalf("VerifySignature: ok=%v err=%v", ok, err)
	}
}

func TestVerifySignature_RejectsTamperedComponents(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	components := sampleRaw().Components
	canon, _ := CanonicalComponents(components)
	sig := ed25519.Sign(priv, canon)

	components[1].Data["action"] = "tampered"
	ok, err := VerifySignature(pub, components, sig)
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if ok {
		t.Error("VerifySignature should reject tampered components")
	}
}

func TestKeyCache_PutGetReload(t *testing.T) {
	cache := NewKeyCache()
	pub, _, _ := ed25519.GenerateKey(nil)
	key := PublicKey{KeyID: "key-1", Algorithm: "Ed25519", Bytes: pub}

	cache.Put(key)
	got, ok := cache.Get("key-1")
	if !ok || string(got.Bytes) != string(pub) {
		t.Fatalf("Get after Put failed: ok=%v", ok)
	}

	cache.Reload([]PublicKey{})
	if _, ok := cache.Get("key-1"); ok {
		t.Error("Get after Reload([]) should miss")
	}
}

func TestPublicKey_ActiveRespectsExpiryAndRevocation(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired := PublicKey{ExpiresAt: &past}
	if expired.Active(now) {
		t.Error("expired key should not be active")
	}

	revoked := PublicKey{RevokedAt: &past}
	if revoked.Active(now) {
		t.Error("revoked key should not be active")
	}

	valid := PublicKey{ExpiresAt: &future}
	if !valid.Active(now) {
		t.Error("unexpired, unrevoked key should be active")
	}
}
