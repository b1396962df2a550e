package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PollSourceRow mirrors the §3 PollSource entity. AuthTokenEncrypted is the
// ciphertext only; the plaintext token is never read back through this path.
type PollSourceRow struct {
	Name               string
	BaseURL            string
	AuthTokenEncrypted string
	Enabled            bool
	IntervalSeconds    int
	LastSuccessAt      *time.Time
	LastError          string
	CircuitState       string
}

type PollSourceRepository struct{ db *DB }

func NewPollSourceRepository(db *DB) *PollSourceRepository {
	return &PollSourceRepository{db: db}
}

func (r *PollSourceRepository) ListEnabled(ctx context.Context) ([]PollSourceRow, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT name, base_url, auth_token_encrypted, enabled, interval_seconds, last_success_at, last_error, circuit_state
		FROM cirislens.poll_sources WHERE enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("storage: list poll sources: %w", err)
	}
	defer rows.Close()

	var out []PollSourceRow
	for rows.Next() {
		var p PollSourceRow
		var lastErr sql.NullString
		if err := rows.Scan(&p.Name, &p.BaseURL, &p.AuthTokenEncrypted, &p.Enabled, &p.IntervalSeconds,
			&p.LastSuccessAt, &lastErr, &p.CircuitState); err != nil {
			return nil, err
		}
		p.LastError = lastErr.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PollSourceRepository) RecordSuccess(ctx context.Context, name string, at time.Time) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE cirislens.poll_sources SET last_success_at = $2, last_error = NULL WHERE name = $1`, name, at)
	return err
}

func (r *PollSourceRepository) RecordError(ctx context.Context, name, errMsg string) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE cirislens.poll_sources SET last_error = $2 WHERE name = $1`, name, errMsg)
	return err
}

func (r *PollSourceRepository) UpdateCircuitState(ctx context.Context, name, state string) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE cirislens.poll_sources SET circuit_state = $2 WHERE name = $1`, name, state)
	return err
}
