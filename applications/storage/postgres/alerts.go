package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ciris-ai/cirislens/domain/analyzer"
)

type AlertRepository struct{ db *DB }

func NewAlertRepository(db *DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// InsertAlerts implements analyzer.AlertSink. The analyzer only ever inserts;
// status mutation is exclusively through Acknowledge/Resolve.
func (r *AlertRepository) InsertAlerts(ctx context.Context, alerts []analyzer.AnomalyAlert) error {
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: insert alerts: begin: %w", err)
	}
	defer tx.Rollback()

	for _, a := range alerts {
		if a.AlertID == "" {
			a.AlertID = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cirislens.anomaly_alerts
				(alert_id, severity, mechanism, agent_id_hash, domain, metric, value, baseline, deviation,
				 "timestamp", evidence_trace_ids, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, a.AlertID, a.Severity, a.Mechanism, a.AgentIDHash, nullIfEmpty(a.Domain), a.Metric,
			a.Value, a.Baseline, a.Deviation, a.Timestamp, pqArray(a.EvidenceTraceIDs), analyzer.StatusOpen)
		if err != nil {
			return fmt.Errorf("storage: insert alert: %w", err)
		}
	}
	return tx.Commit()
}

type AlertFilter struct {
	Status   string
	Severity string
	Limit    int
	Offset   int
}

func (r *AlertRepository) List(ctx context.Context, f AlertFilter) ([]analyzer.AnomalyAlert, error) {
	query := `SELECT alert_id, severity, mechanism, agent_id_hash, coalesce(domain,''), metric, value,
		baseline, deviation, "timestamp", evidence_trace_ids, status, coalesce(resolution_note,'')
		FROM cirislens.anomaly_alerts WHERE 1=1`
	var args []any
	add := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		query += " AND status = " + add(f.Status)
	}
	if f.Severity != "" {
		query += " AND severity = " + add(f.Severity)
	}
	query += ` ORDER BY "timestamp" DESC LIMIT ` + add(limitOrDefault(f.Limit)) + ` OFFSET ` + add(f.Offset)

	rows, err := r.db.SQL.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list alerts: %w", err)
	}
	defer rows.Close()

	var out []analyzer.AnomalyAlert
	for rows.Next() {
		var a analyzer.AnomalyAlert
		var evidence []byte
		if err := rows.Scan(&a.AlertID, &a.Severity, &a.Mechanism, &a.AgentIDHash, &a.Domain, &a.Metric,
			&a.Value, &a.Baseline, &a.Deviation, &a.Timestamp, &evidence, &a.Status, &a.ResolutionNote); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AlertRepository) Acknowledge(ctx context.Context, alertID string) error {
	res, err := r.db.SQL.ExecContext(ctx,
		`UPDATE cirislens.anomaly_alerts SET status = $2 WHERE alert_id = $1 AND status = $3`,
		alertID, analyzer.StatusAcknowledged, analyzer.StatusOpen)
	return requireRowAffected(res, err)
}

func (r *AlertRepository) Resolve(ctx context.Context, alertID, note string) error {
	res, err := r.db.SQL.ExecContext(ctx,
		`UPDATE cirislens.anomaly_alerts SET status = $2, resolution_note = $3, resolved_at = now() WHERE alert_id = $1`,
		alertID, analyzer.StatusResolved, note)
	return requireRowAffected(res, err)
}

// MeanResolutionHours returns the mean hours between alert creation and
// resolution for an agent's alerts over the window, feeding the §4.6
// Resilience factor's MTTR term. Zero if the agent has no resolved alerts.
func (r *AlertRepository) MeanResolutionHours(ctx context.Context, agentIDHash string, since time.Time) (float64, error) {
	var hours sql.NullFloat64
	err := r.db.SQL.QueryRowContext(ctx, `
		SELECT avg(EXTRACT(EPOCH FROM (resolved_at - "timestamp")) / 3600.0)
		FROM cirislens.anomaly_alerts
		WHERE agent_id_hash = $1 AND status = 'resolved' AND resolved_at IS NOT NULL AND "timestamp" >= $2
	`, agentIDHash, since).Scan(&hours)
	if err != nil {
		return 0, fmt.Errorf("storage: mean resolution hours: %w", err)
	}
	return hours.Float64, nil
}

func requireRowAffected(res interface{ RowsAffected() (int64, error) }, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("storage: alert not found or not in expected state")
	}
	return nil
}
