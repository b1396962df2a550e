package postgres

import (
	"context"
	"fmt"

	"github.com/ciris-ai/cirislens/domain/trace"
)

// MalformedTraceRecord mirrors §3: metadata-only evidence of a rejected
// ingest. The payload body itself is never stored.
type MalformedTraceRecord struct {
	SHA256OfPayload    string
	Size               int64
	SourceIP           string
	DetectedEventTypes []string
	Errors             []string
	Warnings           []string
}

type MalformedTraceRepository struct{ db *DB }

func NewMalformedTraceRepository(db *DB) *MalformedTraceRepository {
	return &MalformedTraceRepository{db: db}
}

func (r *MalformedTraceRepository) Insert(ctx context.Context, rec MalformedTraceRecord) error {
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO cirislens.malformed_traces (sha256_of_payload, size, source_ip, detected_event_types, errors, warnings)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (sha256_of_payload) DO NOTHING
	`, rec.SHA256OfPayload, rec.Size, rec.SourceIP, pqArray(rec.DetectedEventTypes), pqArray(rec.Errors), pqArray(rec.Warnings))
	if err != nil {
		return fmt.Errorf("storage: insert malformed trace: %w", err)
	}
	return nil
}

// PublicKeyRepository manages the append-only signer key table (§3).
type PublicKeyRepository struct{ db *DB }

func NewPublicKeyRepository(db *DB) *PublicKeyRepository {
	return &PublicKeyRepository{db: db}
}

func (r *PublicKeyRepository) Register(ctx context.Context, k trace.PublicKey) error {
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO cirislens.public_keys (key_id, algorithm, public_key, expires_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (key_id) DO NOTHING
	`, k.KeyID, k.Algorithm, []byte(k.Bytes), k.ExpiresAt)
	if err != nil {
		return fmt.Errorf("storage: register public key: %w", err)
	}
	return nil
}

func (r *PublicKeyRepository) LoadAll(ctx context.Context) ([]trace.PublicKey, error) {
	rows, err := r.db.SQL.QueryContext(ctx,
		`SELECT key_id, algorithm, public_key, created_at, expires_at, revoked_at FROM cirislens.public_keys`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trace.PublicKey
	for rows.Next() {
		var k trace.PublicKey
		var raw []byte
		if err := rows.Scan(&k.KeyID, &k.Algorithm, &raw, &k.CreatedAt, &k.ExpiresAt, &k.RevokedAt); err != nil {
			return nil, err
		}
		k.Bytes = raw
		out = append(out, k)
	}
	return out, rows.Err()
}
