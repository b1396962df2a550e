// Package ingest implements the Covenant Trace Ingest pipeline: size-check,
// hash, parse, signer-key resolution, signature verification, dedup, and
// persistence for a batch of covenant traces posted to /covenant/events.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ciris-ai/cirislens/applications/storage/postgres"
	"github.com/ciris-ai/cirislens/domain/schema"
	"github.com/ciris-ai/cirislens/domain/trace"
	"github.com/ciris-ai/cirislens/infrastructure/logging"
)

// TraceStore is the subset of the trace repository the pipeline writes
// through. Implemented by applications/storage/postgres.TraceRepository.
type TraceStore interface {
	Insert(ctx context.Context, t trace.ParsedTrace) error
}

// MalformedStore records metadata-only evidence of rejected payloads (§3
// MalformedTraceRecord). The payload body itself is never persisted.
type MalformedStore interface {
	Insert(ctx context.Context, rec postgres.MalformedTraceRecord) error
}

// Result is the per-trace outcome returned to the caller, keyed by trace_id
// per spec §5 ("must return per-trace results keyed by trace_id").
type Result struct {
	TraceID  string   `json:"trace_id"`
	Accepted bool     `json:"accepted"`
	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// BatchResult is the response body for POST /covenant/events.
type BatchResult struct {
	Results []Result `json:"results"`
}

// Pipeline wires the schema registry, key cache, storage, and a bounded
// worker pool for per-trace parse/verify concurrency.
type Pipeline struct {
	registry      *schema.Registry
	keys          *trace.KeyCache
	traces        TraceStore
	malformed     MalformedStore
	log           *logging.Logger
	maxWorkers    int
	maxBatchBytes int64
}

func New(registry *schema.Registry, keys *trace.KeyCache, traces TraceStore, malformed MalformedStore, log *logging.Logger, maxWorkers int, maxBatchBytes int64) *Pipeline {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	return &Pipeline{
		registry:      registry,
		keys:          keys,
		traces:        traces,
		malformed:     malformed,
		log:           log,
		maxWorkers:    maxWorkers,
		maxBatchBytes: maxBatchBytes,
	}
}

// RawBatch is the decoded POST /covenant/events body: either a single trace
// or an array of traces, normalized by the caller before IngestBatch.
type RawBatch struct {
	Traces []json.RawMessage
}

// IngestBatch parses, verifies, and persists every trace in the batch.
// Traces are processed concurrently (bounded by p.maxWorkers); storage
// writes for distinct traces are independent, so one trace's failure never
// blocks another's.
func (p *Pipeline) IngestBatch(ctx context.Context, batch RawBatch, sourceIP string) BatchResult {
	results := make([]Result, len(batch.Traces))
	sem := make(chan struct{}, p.maxWorkers)
	var wg sync.WaitGroup

	for i, raw := range batch.Traces {
		i, raw := i, raw
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.ingestOne(ctx, raw, sourceIP)
		}()
	}
	wg.Wait()

	return BatchResult{Results: results}
}

func (p *Pipeline) ingestOne(ctx context.Context, raw json.RawMessage, sourceIP string) Result {
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	var rt trace.RawTrace
	if err := json.Unmarshal(raw, &rt); err != nil {
		p.recordMalformed(ctx, digest, int64(len(raw)), sourceIP, nil, []string{err.Error()}, nil)
		return Result{Error: fmt.Sprintf("invalid JSON: %v", err)}
	}

	parsed, warnings, err := trace.Parse(rt, raw, p.registry)
	if err != nil {
		p.recordMalformed(ctx, digest, int64(len(raw)), sourceIP, eventTypesOf(rt), []string{err.Error()}, warnings)
		return Result{TraceID: rt.TraceID, Error: err.Error()}
	}

	switch p.verifySignature(rt) {
	case verifyInvalid:
		p.recordMalformed(ctx, digest, int64(len(raw)), sourceIP, eventTypesOf(rt), []string{"invalid signature"}, warnings)
		return Result{TraceID: rt.TraceID, Error: "invalid signature"}
	case verifyValid:
		parsed.SignatureVerified = true
	case verifyUnknownKey:
		parsed.SignatureVerified = false
	}

	if err := p.traces.Insert(ctx, parsed); err != nil {
		if p.log != nil {
			p.log.WithError(err).WithFields(map[string]interface{}{"trace_id": parsed.TraceID}).Error("trace insert failed")
		}
		return Result{TraceID: parsed.TraceID, Error: "storage unavailable"}
	}

	return Result{TraceID: parsed.TraceID, Accepted: true, Warnings: warnings}
}

// verifyResult distinguishes the three §4.2/§7 signature outcomes: a key the
// registry has simply never seen yet is accepted unverified and queued for
// later re-verification, but a key that IS known and is either revoked/expired
// or fails to validate the signature is a hard rejection, never a store.
type verifyResult int

const (
	verifyUnknownKey verifyResult = iota
	verifyValid
	verifyInvalid
)

// verifySignature resolves the signer key from the cache and checks the
// Ed25519 signature over the trace's canonical component encoding.
func (p *Pipeline) verifySignature(rt trace.RawTrace) verifyResult {
	key, ok := p.keys.Get(rt.SignatureKeyID)
	if !ok {
		return verifyUnknownKey
	}
	if !key.Active(rt.Timestamp) {
		return verifyInvalid
	}
	sigBytes, err := decodeSignature(rt.Signature)
	if err != nil {
		return verifyInvalid
	}
	valid, err := trace.VerifySignature(key.Bytes, rt.Components, sigBytes)
	if err != nil || !valid {
		return verifyInvalid
	}
	return verifyValid
}

func eventTypesOf(rt trace.RawTrace) []string {
	eventTypes := make([]string, 0, len(rt.Components))
	for _, c := range rt.Components {
		eventTypes = append(eventTypes, c.EventType)
	}
	return eventTypes
}

func (p *Pipeline) recordMalformed(ctx context.Context, digest string, size int64, sourceIP string, eventTypes, errs, warnings []string) {
	if p.malformed == nil {
		return
	}
	if err := p.malformed.Insert(ctx, postgres.MalformedTraceRecord{
		SHA256OfPayload:    digest,
		Size:               size,
		SourceIP:           sourceIP,
		DetectedEventTypes: eventTypes,
		Errors:             errs,
		Warnings:           warnings,
	}); err != nil && p.log != nil {
		p.log.WithError(err).Warn("failed to record malformed trace")
	}
}

func decodeSignature(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
