package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ciris-ai/cirislens/domain/trace"
)

// ErrDuplicateTrace is returned by InsertTrace when trace_id already exists;
// callers treat this as an idempotent success, not a failure (§4.2).
var ErrDuplicateTrace = errors.New("storage: trace already exists")

// TraceRepository persists and queries covenant_traces.
type TraceRepository struct {
	db *DB
}

func NewTraceRepository(db *DB) *TraceRepository {
	return &TraceRepository{db: db}
}

// Insert writes one parsed trace. Duplicate trace_id returns ErrDuplicateTrace.
func (r *TraceRepository) Insert(ctx context.Context, t trace.ParsedTrace) error {
	d := t.Denorm
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO cirislens.covenant_traces (
			trace_id, agent_id_hash, agent_name, "timestamp", schema_version, raw_blob,
			signature, signature_key_id, signature_verified, public_sample, partner_id,
			trace_type, domain, csdma_plausibility, dsdma_alignment, idma_numeric,
			conscience_pass, action_was_overridden, entropy_level, coherence_level,
			selected_action, action_success, resource_tokens, resource_time_ms,
			audit_sequence_number, audit_entry_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		ON CONFLICT (trace_id, "timestamp") DO NOTHING
	`,
		t.TraceID, t.AgentIDHash, t.AgentName, t.Timestamp, t.SchemaVersion, json.RawMessage(t.RawBlob),
		t.Signature, t.SignatureKeyID, t.SignatureVerified, t.PublicSample, nullIfEmpty(t.PartnerID),
		t.TraceType, nullIfEmpty(t.Domain), d.CSDMAPlausibility, d.DSDMAAlignment, d.IDMANumeric,
		d.ConsciencePass, d.ActionWasOverridden, d.EntropyLevel, d.CoherenceLevel,
		d.SelectedAction, d.ActionSuccess, d.ResourceTokens, d.ResourceTimeMS,
		d.AuditSequenceNumber, nullIfEmpty(d.AuditEntryHash),
	)
	if err != nil {
		return fmt.Errorf("storage: insert trace: %w", err)
	}

	exists, err := r.exists(ctx, t.TraceID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("storage: insert trace: row not written")
	}
	return nil
}

func (r *TraceRepository) exists(ctx context.Context, traceID string) (bool, error) {
	var n int
	err := r.db.SQL.QueryRowContext(ctx,
		`SELECT count(*) FROM cirislens.covenant_traces WHERE trace_id = $1`, traceID).Scan(&n)
	return n > 0, err
}

// MarkSignatureVerified flips signature_verified=true once a previously
// unknown signer key is registered and reverification succeeds.
func (r *TraceRepository) MarkSignatureVerified(ctx context.Context, traceID string) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE cirislens.covenant_traces SET signature_verified = true WHERE trace_id = $1`, traceID)
	return err
}

// UnverifiedTraceIDs returns trace ids whose signer key was unknown at
// ingest, for the reverification worker (§5).
func (r *TraceRepository) UnverifiedTraceIDs(ctx context.Context, limit int) ([]string, []string, error) {
	rows, err := r.db.SQL.QueryContext(ctx,
		`SELECT trace_id, signature_key_id FROM cirislens.covenant_traces
		 WHERE signature_verified = false AND signature_key_id IS NOT NULL
		 ORDER BY "timestamp" LIMIT $1`, limit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var ids, keyIDs []string
	for rows.Next() {
		var id, keyID string
		if err := rows.Scan(&id, &keyID); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		keyIDs = append(keyIDs, keyID)
	}
	return ids, keyIDs, rows.Err()
}

// LoadRawForVerification returns the original posted trace JSON for a
// reverification pass: raw_blob carries the same {components, signature,
// signature_key_id, timestamp} shape the ingest pipeline first parsed, so it
// decodes straight back into trace.RawTrace.
func (r *TraceRepository) LoadRawForVerification(ctx context.Context, traceID string) (trace.RawTrace, error) {
	var raw json.RawMessage
	err := r.db.SQL.QueryRowContext(ctx,
		`SELECT raw_blob FROM cirislens.covenant_traces WHERE trace_id = $1 LIMIT 1`, traceID).Scan(&raw)
	if err != nil {
		return trace.RawTrace{}, fmt.Errorf("storage: load raw trace: %w", err)
	}

	var rt trace.RawTrace
	if err := json.Unmarshal(raw, &rt); err != nil {
		return trace.RawTrace{}, fmt.Errorf("storage: decode raw trace: %w", err)
	}
	return rt, nil
}

// TraceFilter shapes a GET /covenant/traces query.
type TraceFilter struct {
	AgentIDHash string
	Domain      string
	Since       *time.Time
	Until       *time.Time
	PublicOnly  bool
	OwnAgents   []string // partner tier: agent_id_hash ∈ own_agents
	PartnerIDs  []string // partner tier: partner_id ∈ partner_access[]
	Limit       int
	Offset      int
}

// TraceRow is a query-result row; fields elided per access tier are left zero.
type TraceRow struct {
	TraceID           string
	AgentIDHash       string
	AgentName         string
	Timestamp         time.Time
	SchemaVersion     string
	SignatureVerified bool
	PublicSample      bool
	Domain            string
	TraceType         string
	CoherenceLevel    sql.NullFloat64
	CSDMAPlausibility sql.NullFloat64
	SelectedAction    sql.NullString
	PartnerID         sql.NullString // partner tier ACL: partner_id ∈ partner_access[]
	Signature         string         // elided by caller for partner/public tiers
	RawBlob           json.RawMessage
}

// Query runs a filtered, paginated search. Access-tier elision (raw
// prompts/signatures for partner; all but public_sample rows for public) is
// applied by the HTTP layer, not here — this always returns the full row so
// a single query serves every tier.
func (r *TraceRepository) Query(ctx context.Context, f TraceFilter) ([]TraceRow, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT trace_id, agent_id_hash, agent_name, "timestamp", schema_version,
		signature_verified, public_sample, domain, trace_type, coherence_level,
		csdma_plausibility, selected_action, signature, raw_blob
		FROM cirislens.covenant_traces WHERE 1=1`)

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.AgentIDHash != "" {
		sb.WriteString(" AND agent_id_hash = " + arg(f.AgentIDHash))
	}
	if f.Domain != "" {
		sb.WriteString(" AND domain = " + arg(f.Domain))
	}
	if f.Since != nil {
		sb.WriteString(` AND "timestamp" >= ` + arg(*f.Since))
	}
	if f.Until != nil {
		sb.WriteString(` AND "timestamp" <= ` + arg(*f.Until))
	}
	if f.PublicOnly {
		sb.WriteString(" AND public_sample = true")
	} else if len(f.OwnAgents) > 0 || len(f.PartnerIDs) > 0 {
		sb.WriteString(" AND (public_sample = true")
		if len(f.OwnAgents) > 0 {
			sb.WriteString(" OR agent_id_hash = ANY(" + arg(pq.Array(f.OwnAgents)) + ")")
		}
		if len(f.PartnerIDs) > 0 {
			sb.WriteString(" OR partner_id = ANY(" + arg(pq.Array(f.PartnerIDs)) + ")")
		}
		sb.WriteString(")")
	}

	sb.WriteString(` ORDER BY "timestamp" DESC LIMIT ` + arg(limitOrDefault(f.Limit)) + ` OFFSET ` + arg(f.Offset))

	rows, err := r.db.SQL.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query traces: %w", err)
	}
	defer rows.Close()

	var out []TraceRow
	for rows.Next() {
		var row TraceRow
		if err := rows.Scan(&row.TraceID, &row.AgentIDHash, &row.AgentName, &row.Timestamp,
			&row.SchemaVersion, &row.SignatureVerified, &row.PublicSample, &row.Domain, &row.TraceType,
			&row.CoherenceLevel, &row.CSDMAPlausibility, &row.SelectedAction, &row.Signature, &row.RawBlob); err != nil {
			return nil, fmt.Errorf("storage: scan trace: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetByID returns a single trace, or sql.ErrNoRows.
func (r *TraceRepository) GetByID(ctx context.Context, traceID string) (TraceRow, error) {
	var row TraceRow
	err := r.db.SQL.QueryRowContext(ctx, `SELECT trace_id, agent_id_hash, agent_name, "timestamp",
		schema_version, signature_verified, public_sample, domain, trace_type, coherence_level,
		csdma_plausibility, selected_action, partner_id, signature, raw_blob
		FROM cirislens.covenant_traces WHERE trace_id = $1`, traceID).Scan(
		&row.TraceID, &row.AgentIDHash, &row.AgentName, &row.Timestamp, &row.SchemaVersion,
		&row.SignatureVerified, &row.PublicSample, &row.Domain, &row.TraceType, &row.CoherenceLevel,
		&row.CSDMAPlausibility, &row.SelectedAction, &row.PartnerID, &row.Signature, &row.RawBlob)
	return row, err
}

// Statistics aggregates simple counts for GET /covenant/statistics.
type Statistics struct {
	TotalTraces       int64
	VerifiedTraces    int64
	DistinctAgents    int64
	MalformedLast24h  int64
}

func (r *TraceRepository) Statistics(ctx context.Context) (Statistics, error) {
	var s Statistics
	err := r.db.SQL.QueryRowContext(ctx, `
		SELECT count(*), count(*) FILTER (WHERE signature_verified), count(DISTINCT agent_id_hash)
		FROM cirislens.covenant_traces`).Scan(&s.TotalTraces, &s.VerifiedTraces, &s.DistinctAgents)
	if err != nil {
		return s, fmt.Errorf("storage: statistics: %w", err)
	}
	err = r.db.SQL.QueryRowContext(ctx, `
		SELECT count(*) FROM cirislens.malformed_traces WHERE "timestamp" >= now() - INTERVAL '24 hours'`,
	).Scan(&s.MalformedLast24h)
	if err != nil {
		return s, fmt.Errorf("storage: statistics malformed: %w", err)
	}
	return s, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
