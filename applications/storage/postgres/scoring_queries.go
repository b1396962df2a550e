package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ciris-ai/cirislens/domain/scoring"
)

// ScoringStore builds a scoring.TraceWindow per agent from a window of
// covenant traces and their resolved alerts. Two of the §4.6 Open Question
// factors have no ground-truth source yet and are held at documented
// placeholders here rather than in the scoring math itself:
// IdentityChangeRate (D_identity, no self-reported identity baseline exists
// in the ingested schema) and ReplaySampleSuccess (I_replay, no replay-sampling
// subsystem exists yet) are both held at their "trust the agent" defaults
// (0 and 1 respectively) until those sources are wired.
type ScoringStore struct {
	db     *DB
	alerts *AlertRepository
}

func NewScoringStore(db *DB, alerts *AlertRepository) *ScoringStore {
	return &ScoringStore{db: db, alerts: alerts}
}

type agentWindowRow struct {
	Count                int     `db:"count"`
	SignaturePassRate    float64 `db:"signature_pass_rate"`
	RequiredFieldCoverage float64 `db:"required_field_coverage"`
	OverrideRate         float64 `db:"override_rate"`
	RegressionRate       float64 `db:"regression_rate"`
	DeferralQuality      float64 `db:"deferral_quality"`
	UnsafeFailureRate    float64 `db:"unsafe_failure_rate"`
	MeanCoherence        float64 `db:"mean_coherence"`
	CoherenceStdDev      float64 `db:"coherence_stddev"`
	AllFacultiesPassRate float64 `db:"all_faculties_pass_rate"`
}

// Window aggregates an agent's trace history over the window starting at
// since into the shape scoring.Compute expects.
func (s *ScoringStore) Window(ctx context.Context, agentIDHash string, since time.Time, p scoring.Params) (scoring.TraceWindow, error) {
	var row agentWindowRow
	err := s.db.SQLX.GetContext(ctx, &row, `
		SELECT
			count(*) AS count,
			avg(signature_verified::int) AS signature_pass_rate,
			avg((csdma_plausibility IS NOT NULL AND coherence_level IS NOT NULL)::int) AS required_field_coverage,
			avg(coalesce(action_was_overridden::int, 0)) AS override_rate,
			avg((action_success IS NOT NULL AND NOT action_success)::int) AS regression_rate,
			avg((selected_action = 'DEFER' AND coalesce(action_success, true))::int) AS deferral_quality,
			avg((action_success IS NOT NULL AND NOT action_success AND NOT coalesce(action_was_overridden, false))::int) AS unsafe_failure_rate,
			coalesce(avg(coherence_level), 0) AS mean_coherence,
			coalesce(stddev_pop(coherence_level), 0) AS coherence_stddev,
			avg((csdma_plausibility IS NOT NULL AND dsdma_alignment IS NOT NULL
				AND idma_numeric IS NOT NULL AND conscience_pass IS TRUE)::int) AS all_faculties_pass_rate
		FROM cirislens.covenant_traces
		WHERE agent_id_hash = $1 AND "timestamp" >= $2
	`, agentIDHash, since)
	if err != nil {
		return scoring.TraceWindow{}, fmt.Errorf("storage: agent scoring window: %w", err)
	}

	mttr, err := s.alerts.MeanResolutionHours(ctx, agentIDHash, since)
	if err != nil {
		return scoring.TraceWindow{}, err
	}

	w := scoring.TraceWindow{
		TraceCount: row.Count,

		IdentityChangeRate:     0,
		ConscienceOverrideRate: row.OverrideRate,

		SignaturePassRate:     row.SignaturePassRate,
		RequiredFieldCoverage: row.RequiredFieldCoverage,
		ReplaySampleSuccess:   1,

		DriftRate:      row.CoherenceStdDev,
		MTTRHours:      mttr,
		RegressionRate: row.RegressionRate,

		ExpectedCalibrationError: 0,
		DeferralQuality:          row.DeferralQuality,
		UnsafeFailureRate:        row.UnsafeFailureRate,

		SustainedCoherence:   row.MeanCoherence,
		PositiveMomentBoost:  0,
		AllFacultiesPassRate: row.AllFacultiesPassRate,
	}
	return w, nil
}

// DistinctAgents lists agent_id_hash values with at least one trace in the
// window, for fleet-wide scoring sweeps.
func (s *ScoringStore) DistinctAgents(ctx context.Context, since time.Time) ([]string, error) {
	var agents []string
	err := s.db.SQLX.SelectContext(ctx, &agents, `
		SELECT DISTINCT agent_id_hash FROM cirislens.covenant_traces WHERE "timestamp" >= $1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("storage: distinct agents: %w", err)
	}
	return agents, nil
}
