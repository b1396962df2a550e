package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// MetricPoint is one agent-reported metric sample, as shipped by the Log
// Shipper SDK's metrics channel.
type MetricPoint struct {
	Agent      string
	MetricName string
	Timestamp  time.Time
	Labels     map[string]string
	Value      float64
}

// LogRecord is one agent-reported log line after SDK-side redaction.
type LogRecord struct {
	Agent      string
	Timestamp  time.Time
	Severity   string
	Body       string
	Attributes map[string]any
}

type TelemetryRepository struct{ db *DB }

func NewTelemetryRepository(db *DB) *TelemetryRepository {
	return &TelemetryRepository{db: db}
}

func (r *TelemetryRepository) InsertMetrics(ctx context.Context, points []MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: insert metrics: begin: %w", err)
	}
	defer tx.Rollback()

	for _, p := range points {
		labels, err := json.Marshal(p.Labels)
		if err != nil {
			return fmt.Errorf("storage: marshal metric labels: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cirislens.metrics (agent, metric_name, "timestamp", labels, value)
			VALUES ($1,$2,$3,$4,$5)
		`, p.Agent, p.MetricName, p.Timestamp, labels, p.Value); err != nil {
			return fmt.Errorf("storage: insert metric: %w", err)
		}
	}
	return tx.Commit()
}

func (r *TelemetryRepository) InsertLogs(ctx context.Context, records []LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: insert logs: begin: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		attrs, err := json.Marshal(rec.Attributes)
		if err != nil {
			return fmt.Errorf("storage: marshal log attributes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cirislens.logs (agent, "timestamp", severity, body, attributes)
			VALUES ($1,$2,$3,$4,$5)
		`, rec.Agent, rec.Timestamp, rec.Severity, rec.Body, attrs); err != nil {
			return fmt.Errorf("storage: insert log: %w", err)
		}
	}
	return tx.Commit()
}

// StatusCheck is one health probe result for a service/region pair (§4.8).
type StatusCheck struct {
	Service   string
	Region    string
	CheckedAt time.Time
	Healthy   bool
	LatencyMS *float64
}

func (r *TelemetryRepository) InsertStatusCheck(ctx context.Context, c StatusCheck) error {
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO cirislens.status_checks (service, region, checked_at, healthy, latency_ms)
		VALUES ($1,$2,$3,$4,$5)
	`, c.Service, c.Region, c.CheckedAt, c.Healthy, c.LatencyMS)
	if err != nil {
		return fmt.Errorf("storage: insert status check: %w", err)
	}
	return nil
}

// ServiceUptime is the fraction of healthy checks for a service/region over
// a window, the §4.8 uptime rollup.
type ServiceUptime struct {
	Service       string
	Region        string
	UptimeRatio   float64
	MeanLatencyMS float64
	SampleCount   int
}

func (r *TelemetryRepository) Uptime(ctx context.Context, since time.Time) ([]ServiceUptime, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT service, region, avg(healthy::int) AS uptime_ratio,
		       coalesce(avg(latency_ms), 0) AS mean_latency_ms, count(*) AS sample_count
		FROM cirislens.status_checks
		WHERE checked_at >= $1
		GROUP BY service, region
	`, since)
	if err != nil {
		return nil, fmt.Errorf("storage: uptime: %w", err)
	}
	defer rows.Close()

	var out []ServiceUptime
	for rows.Next() {
		var u ServiceUptime
		if err := rows.Scan(&u.Service, &u.Region, &u.UptimeRatio, &u.MeanLatencyMS, &u.SampleCount); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ConnectivityEvent records a poll-source or agent connectivity transition
// (circuit opened/closed, source unreachable, etc).
type ConnectivityEvent struct {
	Agent      string
	EventType  string
	Detail     string
	OccurredAt time.Time
}

func (r *TelemetryRepository) InsertConnectivityEvent(ctx context.Context, e ConnectivityEvent) error {
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO cirislens.connectivity_events (agent, event_type, detail, occurred_at)
		VALUES ($1,$2,$3,$4)
	`, e.Agent, e.EventType, nullIfEmpty(e.Detail), e.OccurredAt)
	if err != nil {
		return fmt.Errorf("storage: insert connectivity event: %w", err)
	}
	return nil
}

// ServiceLogRecord is one CIRISLens-internal structured log line persisted
// via POST /logs/ingest, distinct from agent covenant telemetry.
type ServiceLogRecord struct {
	ID         string
	Service    string
	Level      string
	Message    string
	Attributes map[string]any
	Redacted   bool
}

func (r *TelemetryRepository) InsertServiceLog(ctx context.Context, rec ServiceLogRecord) error {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("storage: marshal service log attributes: %w", err)
	}
	_, err = r.db.SQL.ExecContext(ctx, `
		INSERT INTO cirislens.service_logs (id, service, level, message, attributes, redacted)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.ID, rec.Service, rec.Level, rec.Message, attrs, rec.Redacted)
	if err != nil {
		return fmt.Errorf("storage: insert service log: %w", err)
	}
	return nil
}
