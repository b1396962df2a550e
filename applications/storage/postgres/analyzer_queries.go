package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ciris-ai/cirislens/domain/analyzer"
)

// AnalyzerStore implements analyzer.Store over covenant_traces, using sqlx
// struct-scanning for these read/reporting-shaped aggregate queries.
type AnalyzerStore struct{ db *DB }

func NewAnalyzerStore(db *DB) *AnalyzerStore {
	return &AnalyzerStore{db: db}
}

type agentDomainStatsRow struct {
	Agent         string  `db:"agent_id_hash"`
	Domain        string  `db:"domain"`
	Count         int     `db:"count"`
	MeanCSDMA     float64 `db:"mean_csdma"`
	MeanDSDMA     float64 `db:"mean_dsdma"`
	MeanCoherence float64 `db:"mean_coherence"`
	SampleTraceID string  `db:"sample_trace_id"`
}

func (s *AnalyzerStore) AgentDomainStats(ctx context.Context, since time.Time, minTraces int) ([]analyzer.AgentDomainStats, error) {
	var rows []agentDomainStatsRow
	err := s.db.SQLX.SelectContext(ctx, &rows, `
		SELECT agent_id_hash, domain, count(*) AS count,
		       avg(csdma_plausibility) AS mean_csdma,
		       avg(dsdma_alignment) AS mean_dsdma,
		       avg(coherence_level) AS mean_coherence,
		       (array_agg(trace_id))[1] AS sample_trace_id
		FROM cirislens.covenant_traces
		WHERE signature_verified = true AND domain IS NOT NULL AND "timestamp" >= $1
		GROUP BY agent_id_hash, domain
		HAVING count(*) >= $2
	`, since, minTraces)
	if err != nil {
		return nil, fmt.Errorf("storage: agent domain stats: %w", err)
	}

	out := make([]analyzer.AgentDomainStats, len(rows))
	for i, r := range rows {
		out[i] = analyzer.AgentDomainStats{
			Agent: r.Agent, Domain: r.Domain, Count: r.Count,
			MeanCSDMA: r.MeanCSDMA, MeanDSDMA: r.MeanDSDMA, MeanCoherence: r.MeanCoherence,
			SampleTraceID: r.SampleTraceID,
		}
	}
	return out, nil
}

type agentTraceTypeGroupRow struct {
	Agent           string  `db:"agent_id_hash"`
	TraceType       string  `db:"trace_type"`
	DistinctActions int     `db:"distinct_actions"`
	CSDMAStdDev     float64 `db:"csdma_stddev"`
	Count           int     `db:"count"`
	SampleTraceID   string  `db:"sample_trace_id"`
}

func (s *AnalyzerStore) AgentTraceTypeGroups(ctx context.Context, since time.Time) ([]analyzer.AgentTraceTypeGroup, error) {
	var rows []agentTraceTypeGroupRow
	err := s.db.SQLX.SelectContext(ctx, &rows, `
		SELECT agent_id_hash, trace_type,
		       count(DISTINCT selected_action) AS distinct_actions,
		       coalesce(stddev_pop(csdma_plausibility), 0) AS csdma_stddev,
		       count(*) AS count,
		       (array_agg(trace_id))[1] AS sample_trace_id
		FROM cirislens.covenant_traces
		WHERE "timestamp" >= $1
		GROUP BY agent_id_hash, trace_type
	`, since)
	if err != nil {
		return nil, fmt.Errorf("storage: agent trace type groups: %w", err)
	}

	out := make([]analyzer.AgentTraceTypeGroup, len(rows))
	for i, r := range rows {
		out[i] = analyzer.AgentTraceTypeGroup{
			Agent: r.Agent, TraceType: r.TraceType, DistinctActions: r.DistinctActions,
			CSDMAStdDev: r.CSDMAStdDev, Count: r.Count, SampleTraceID: r.SampleTraceID,
		}
	}
	return out, nil
}

func (s *AnalyzerStore) AgentSequences(ctx context.Context) ([]analyzer.AgentSequence, error) {
	rows, err := s.db.SQL.QueryContext(ctx, `
		SELECT agent_id_hash, audit_sequence_number, trace_id
		FROM cirislens.covenant_traces
		ORDER BY agent_id_hash, audit_sequence_number
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: agent sequences: %w", err)
	}
	defer rows.Close()

	byAgent := map[string]*analyzer.AgentSequence{}
	var order []string
	for rows.Next() {
		var agent, traceID string
		var seq int64
		if err := rows.Scan(&agent, &seq, &traceID); err != nil {
			return nil, err
		}
		a, ok := byAgent[agent]
		if !ok {
			a = &analyzer.AgentSequence{Agent: agent, TraceIDsBySeq: map[int64]string{}}
			byAgent[agent] = a
			order = append(order, agent)
		}
		a.Sequences = append(a.Sequences, seq)
		a.TraceIDsBySeq[seq] = traceID
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]analyzer.AgentSequence, 0, len(order))
	for _, agent := range order {
		out = append(out, *byAgent[agent])
	}
	return out, nil
}

type agentDailyMeansRow struct {
	Agent         string    `db:"agent_id_hash"`
	Day           time.Time `db:"day"`
	Count         int       `db:"count"`
	MeanCoherence float64   `db:"mean_coherence"`
	MeanCSDMA     float64   `db:"mean_csdma"`
}

func (s *AnalyzerStore) AgentDailyMeans(ctx context.Context, since time.Time, minPerDay int) ([]analyzer.AgentDailyMeans, error) {
	var rows []agentDailyMeansRow
	err := s.db.SQLX.SelectContext(ctx, &rows, `
		SELECT agent_id_hash, date_trunc('day', "timestamp") AS day, count(*) AS count,
		       avg(coherence_level) AS mean_coherence, avg(csdma_plausibility) AS mean_csdma
		FROM cirislens.covenant_traces
		WHERE "timestamp" >= $1
		GROUP BY agent_id_hash, day
		HAVING count(*) >= $2
		ORDER BY agent_id_hash, day
	`, since, minPerDay)
	if err != nil {
		return nil, fmt.Errorf("storage: agent daily means: %w", err)
	}

	out := make([]analyzer.AgentDailyMeans, len(rows))
	for i, r := range rows {
		out[i] = analyzer.AgentDailyMeans{
			Agent: r.Agent, Day: r.Day, Count: r.Count,
			MeanCoherence: r.MeanCoherence, MeanCSDMA: r.MeanCSDMA,
		}
	}
	return out, nil
}

type agentDomainOverrideRow struct {
	Agent         string `db:"agent_id_hash"`
	Domain        string `db:"domain"`
	Count         int    `db:"count"`
	OverrideCount int    `db:"override_count"`
	SampleTraceID string `db:"sample_trace_id"`
}

func (s *AnalyzerStore) AgentDomainOverrides(ctx context.Context, since time.Time, minTraces int) ([]analyzer.AgentDomainOverride, error) {
	var rows []agentDomainOverrideRow
	err := s.db.SQLX.SelectContext(ctx, &rows, `
		SELECT agent_id_hash, domain, count(*) AS count,
		       count(*) FILTER (WHERE action_was_overridden) AS override_count,
		       (array_agg(trace_id))[1] AS sample_trace_id
		FROM cirislens.covenant_traces
		WHERE domain IS NOT NULL AND "timestamp" >= $1
		GROUP BY agent_id_hash, domain
		HAVING count(*) >= $2
	`, since, minTraces)
	if err != nil {
		return nil, fmt.Errorf("storage: agent domain overrides: %w", err)
	}

	out := make([]analyzer.AgentDomainOverride, len(rows))
	for i, r := range rows {
		out[i] = analyzer.AgentDomainOverride{
			Agent: r.Agent, Domain: r.Domain, Count: r.Count,
			OverrideCount: r.OverrideCount, SampleTraceID: r.SampleTraceID,
		}
	}
	return out, nil
}
