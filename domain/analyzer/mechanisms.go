package analyzer

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Store is the read-only view over trace history each mechanism needs. The
// storage layer implements this with SQL aggregate queries; mechanisms never
// see raw trace rows, only the pre-aggregated shapes below, since every
// aggregation (group-by, mean, stddev) is cheaper to do once in the database
// than to reimplement over full result sets in Go.
type Store interface {
	AgentDomainStats(ctx context.Context, since time.Time, minTraces int) ([]AgentDomainStats, error)
	AgentTraceTypeGroups(ctx context.Context, since time.Time) ([]AgentTraceTypeGroup, error)
	AgentSequences(ctx context.Context) ([]AgentSequence, error)
	AgentDailyMeans(ctx context.Context, since time.Time, minPerDay int) ([]AgentDailyMeans, error)
	AgentDomainOverrides(ctx context.Context, since time.Time, minTraces int) ([]AgentDomainOverride, error)
}

type AgentDomainStats struct {
	Agent         string
	Domain        string
	Count         int
	MeanCSDMA     float64
	MeanDSDMA     float64
	MeanCoherence float64
	SampleTraceID string
}

type AgentTraceTypeGroup struct {
	Agent           string
	TraceType       string
	DistinctActions int
	CSDMAStdDev     float64
	Count           int
	SampleTraceID   string
}

type AgentSequence struct {
	Agent      string
	Sequences  []int64
	TraceIDsBySeq map[int64]string
}

type AgentDailyMeans struct {
	Agent         string
	Day           time.Time
	Count         int
	MeanCoherence float64
	MeanCSDMA     float64
}

type AgentDomainOverride struct {
	Agent         string
	Domain        string
	Count         int
	OverrideCount int
	SampleTraceID string
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64, m float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// divergenceMetric names one of the three §4.5(a) signals and how to pull
// its per-agent value out of AgentDomainStats.
type divergenceMetric struct {
	name  string
	value func(AgentDomainStats) float64
}

var divergenceMetrics = []divergenceMetric{
	{"csdma_plausibility", func(a AgentDomainStats) float64 { return a.MeanCSDMA }},
	{"dsdma_alignment", func(a AgentDomainStats) float64 { return a.MeanDSDMA }},
	{"coherence_level", func(a AgentDomainStats) float64 { return a.MeanCoherence }},
}

// CrossAgentDivergence implements §4.5(a): daily, per-domain z-score of each
// agent's csdma_plausibility, dsdma_alignment, and coherence_level means
// against the domain's population mean/stddev. Any one metric crossing
// threshold is enough to alert (S5 is a CSDMA-only divergence case).
func CrossAgentDivergence(ctx context.Context, store Store, now time.Time) ([]AnomalyAlert, error) {
	stats, err := store.AgentDomainStats(ctx, now.AddDate(0, 0, -7), 10)
	if err != nil {
		return nil, fmt.Errorf("cross_agent_divergence: %w", err)
	}

	byDomain := map[string][]AgentDomainStats{}
	for _, s := range stats {
		byDomain[s.Domain] = append(byDomain[s.Domain], s)
	}

	var alerts []AnomalyAlert
	for domain, agents := range byDomain {
		if len(agents) < 3 {
			continue
		}
		for _, metric := range divergenceMetrics {
			values := make([]float64, len(agents))
			for i, a := range agents {
				values[i] = metric.value(a)
			}
			domainMean := mean(values)
			domainStd := stddev(values, domainMean)
			if domainStd == 0 {
				continue
			}
			for _, a := range agents {
				v := metric.value(a)
				z := math.Abs(v-domainMean) / domainStd
				sev, ok := thresholdSeverity(z, 2, 3)
				if !ok {
					continue
				}
				alerts = append(alerts, AnomalyAlert{
					Severity:         sev,
					Mechanism:        MechanismCrossAgentDivergence,
					AgentIDHash:      a.Agent,
					Domain:           domain,
					Metric:           metric.name,
					Value:            v,
					Baseline:         domainMean,
					Deviation:        z,
					Timestamp:        now,
					EvidenceTraceIDs: nonEmpty(a.SampleTraceID),
					Status:           StatusOpen,
				})
			}
		}
	}
	return alerts, nil
}

// IntraAgentConsistency implements §4.5(b).
func IntraAgentConsistency(ctx context.Context, store Store, now time.Time) ([]AnomalyAlert, error) {
	groups, err := store.AgentTraceTypeGroups(ctx, now.AddDate(0, 0, -30))
	if err != nil {
		return nil, fmt.Errorf("intra_agent_consistency: %w", err)
	}

	var alerts []AnomalyAlert
	for _, g := range groups {
		var sev Severity
		switch {
		case g.DistinctActions > 3 && g.CSDMAStdDev > 0.20:
			sev = SeverityCritical
		case g.DistinctActions > 2 && g.CSDMAStdDev > 0.15:
			sev = SeverityWarning
		default:
			continue
		}
		alerts = append(alerts, AnomalyAlert{
			Severity:         sev,
			Mechanism:        MechanismIntraAgentConsistency,
			AgentIDHash:      g.Agent,
			Metric:           "csdma_plausibility_stddev",
			Value:            g.CSDMAStdDev,
			Baseline:         0.15,
			Deviation:        g.CSDMAStdDev - 0.15,
			Timestamp:        now,
			EvidenceTraceIDs: nonEmpty(g.SampleTraceID),
			Status:           StatusOpen,
		})
	}
	return alerts, nil
}

// HashChainVerification implements §4.5(c): any sequence gap is critical.
func HashChainVerification(ctx context.Context, store Store, now time.Time) ([]AnomalyAlert, error) {
	sequences, err := store.AgentSequences(ctx)
	if err != nil {
		return nil, fmt.Errorf("hash_chain_verification: %w", err)
	}

	var alerts []AnomalyAlert
	for _, s := range sequences {
		for i := 1; i < len(s.Sequences); i++ {
			if s.Sequences[i]-s.Sequences[i-1] != 1 {
				evidence := []string{}
				if id, ok := s.TraceIDsBySeq[s.Sequences[i-1]]; ok {
					evidence = append(evidence, id)
				}
				if id, ok := s.TraceIDsBySeq[s.Sequences[i]]; ok {
					evidence = append(evidence, id)
				}
				alerts = append(alerts, AnomalyAlert{
					Severity:         SeverityCritical,
					Mechanism:        MechanismHashChainVerification,
					AgentIDHash:      s.Agent,
					Metric:           "sequence_gap",
					Value:            float64(s.Sequences[i]),
					Baseline:         float64(s.Sequences[i-1] + 1),
					Deviation:        float64(s.Sequences[i] - s.Sequences[i-1] - 1),
					Timestamp:        now,
					EvidenceTraceIDs: evidence,
					Status:           StatusOpen,
				})
			}
		}
	}
	return alerts, nil
}

// TemporalDrift implements §4.5(d).
func TemporalDrift(ctx context.Context, store Store, now time.Time) ([]AnomalyAlert, error) {
	daily, err := store.AgentDailyMeans(ctx, now.AddDate(0, 0, -30), 5)
	if err != nil {
		return nil, fmt.Errorf("temporal_drift: %w", err)
	}

	byAgent := map[string][]AgentDailyMeans{}
	for _, d := range daily {
		byAgent[d.Agent] = append(byAgent[d.Agent], d)
	}

	var alerts []AnomalyAlert
	for agent, days := range byAgent {
		for i := 1; i < len(days); i++ {
			delta := math.Abs(days[i].MeanCoherence - days[i-1].MeanCoherence)
			sev, ok := thresholdSeverity(delta, 0.15, 0.25)
			if !ok {
				continue
			}
			alerts = append(alerts, AnomalyAlert{
				Severity:    sev,
				Mechanism:   MechanismTemporalDrift,
				AgentIDHash: agent,
				Metric:      "coherence_level_day_delta",
				Value:       days[i].MeanCoherence,
				Baseline:    days[i-1].MeanCoherence,
				Deviation:   delta,
				Timestamp:   days[i].Day,
				Status:      StatusOpen,
			})
		}
	}
	return alerts, nil
}

// ConscienceOverrideRate implements §4.5(e).
func ConscienceOverrideRate(ctx context.Context, store Store, now time.Time) ([]AnomalyAlert, error) {
	groups, err := store.AgentDomainOverrides(ctx, now.AddDate(0, 0, -7), 20)
	if err != nil {
		return nil, fmt.Errorf("conscience_override_rate: %w", err)
	}

	byDomain := map[string][]AgentDomainOverride{}
	for _, g := range groups {
		byDomain[g.Domain] = append(byDomain[g.Domain], g)
	}

	var alerts []AnomalyAlert
	for domain, agents := range byDomain {
		totalCount, totalOverrides := 0, 0
		for _, a := range agents {
			totalCount += a.Count
			totalOverrides += a.OverrideCount
		}
		if totalCount == 0 {
			continue
		}
		baseline := float64(totalOverrides) / float64(totalCount)
		if baseline == 0 {
			continue
		}
		for _, a := range agents {
			rate := float64(a.OverrideCount) / float64(a.Count)
			ratio := rate / baseline
			sev, ok := thresholdSeverity(ratio, 2, 3)
			if !ok {
				continue
			}
			alerts = append(alerts, AnomalyAlert{
				Severity:         sev,
				Mechanism:        MechanismConscienceOverrideRate,
				AgentIDHash:      a.Agent,
				Domain:           domain,
				Metric:           "conscience_override_rate",
				Value:            rate,
				Baseline:         baseline,
				Deviation:        ratio,
				Timestamp:        now,
				EvidenceTraceIDs: nonEmpty(a.SampleTraceID),
				Status:           StatusOpen,
			})
		}
	}
	return alerts, nil
}

// thresholdSeverity returns (critical, true) if value >= criticalAt,
// (warning, true) if value >= warningAt, else (_, false).
func thresholdSeverity(value, warningAt, criticalAt float64) (Severity, bool) {
	switch {
	case value >= criticalAt:
		return SeverityCritical, true
	case value >= warningAt:
		return SeverityWarning, true
	default:
		return "", false
	}
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
