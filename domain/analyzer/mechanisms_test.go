package analyzer

import (
	"context"
	"testing"
	"time"
)

type fakeStore struct {
	domainStats     []AgentDomainStats
	traceTypeGroups []AgentTraceTypeGroup
	sequences       []AgentSequence
	dailyMeans      []AgentDailyMeans
	domainOverrides []AgentDomainOverride
}

func (f *fakeStore) AgentDomainStats(ctx context.Context, since time.Time, minTraces int) ([]AgentDomainStats, error) {
	return f.domainStats, nil
}

func (f *fakeStore) AgentTraceTypeGroups(ctx context.Context, since time.Time) ([]AgentTraceTypeGroup, error) {
	return f.traceTypeGroups, nil
}

func (f *fakeStore) AgentSequences(ctx context.Context) ([]AgentSequence, error) {
	return f.sequences, nil
}

func (f *fakeStore) AgentDailyMeans(ctx context.Context, since time.Time, minPerDay int) ([]AgentDailyMeans, error) {
	return f.dailyMeans, nil
}

func (f *fakeStore) AgentDomainOverrides(ctx context.Context, since time.Time, minTraces int) ([]AgentDomainOverride, error) {
	return f.domainOverrides, nil
}

func TestCrossAgentDivergence_FlagsOutlierAgent(t *testing.T) {
	// a1-a4 cluster tightly at 0.80; a5 sits far enough off (z == 2.0) to
	// cross the warning threshold while a1-a4 (z == 0.5) stay silent.
	store := &fakeStore{domainStats: []AgentDomainStats{
		{Agent: "a1", Domain: "ethics", MeanCoherence: 0.80},
		{Agent: "a2", Domain: "ethics", MeanCoherence: 0.80},
		{Agent: "a3", Domain: "ethics", MeanCoherence: 0.80},
		{Agent: "a4", Domain: "ethics", MeanCoherence: 0.80},
		{Agent: "a5", Domain: "ethics", MeanCoherence: 0.00, SampleTraceID: "t5"}, // outlier
	}}
	alerts, err := CrossAgentDivergence(context.Background(), store, time.Now())
	if err != nil {
		t.Fatalf("CrossAgentDivergence: %v", err)
	}
	found := false
	for _, a := range alerts {
		if a.AgentIDHash == "a1" || a.AgentIDHash == "a2" || a.AgentIDHash == "a3" || a.AgentIDHash == "a4" {
			t.Errorf("unexpected alert for tightly-clustered agent %s", a.AgentIDHash)
		}
		if a.AgentIDHash == "a5" {
			found = true
			if a.Mechanism != MechanismCrossAgentDivergence {
				t.Errorf("mechanism = %q", a.Mechanism)
			}
		}
	}
	if !found {
		t.Errorf("expected an alert for outlier agent a5, got %+v", alerts)
	}
}

func TestCrossAgentDivergence_FlagsCSDMAOnlyDivergence(t *testing.T) {
	// Coherence and DSDMA are identical across agents (no divergence there);
	// only CSDMA diverges for a5. This is the spec's S5 scenario.
	store := &fakeStore{domainStats: []AgentDomainStats{
		{Agent: "a1", Domain: "ethics", MeanCSDMA: 0.80, MeanDSDMA: 0.50, MeanCoherence: 0.90},
		{Agent: "a2", Domain: "ethics", MeanCSDMA: 0.80, MeanDSDMA: 0.50, MeanCoherence: 0.90},
		{Agent: "a3", Domain: "ethics", MeanCSDMA: 0.80, MeanDSDMA: 0.50, MeanCoherence: 0.90},
		{Agent: "a4", Domain: "ethics", MeanCSDMA: 0.80, MeanDSDMA: 0.50, MeanCoherence: 0.90},
		{Agent: "a5", Domain: "ethics", MeanCSDMA: 0.00, MeanDSDMA: 0.50, MeanCoherence: 0.90, SampleTraceID: "t5"},
	}}
	alerts, err := CrossAgentDivergence(context.Background(), store, time.Now())
	if err != nil {
		t.Fatalf("CrossAgentDivergence: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %+v, want exactly one (csdma only)", alerts)
	}
	if alerts[0].AgentIDHash != "a5" || alerts[0].Metric != "csdma_plausibility" {
		t.Errorf("alert = %+v, want a5/csdma_plausibility", alerts[0])
	}
}

func TestCrossAgentDivergence_SkipsDomainsBelowThreeAgents(t *testing.T) {
	store := &fakeStore{domainStats: []AgentDomainStats{
		{Agent: "a1", Domain: "ethics", MeanCoherence: 0.1},
		{Agent: "a2", Domain: "ethics", MeanCoherence: 0.9},
	}}
	alerts, err := CrossAgentDivergence(context.Background(), store, time.Now())
	if err != nil {
		t.Fatalf("CrossAgentDivergence: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts = %+v, want none (fewer than 3 agents in domain)", alerts)
	}
}

func TestIntraAgentConsistency_CriticalAboveBothThresholds(t *testing.T) {
	store := &fakeStore{traceTypeGroups: []AgentTraceTypeGroup{
		{Agent: "a1", TraceType: "x", DistinctActions: 4, CSDMAStdDev: 0.25, SampleTraceID: "t1"},
	}}
	alerts, err := IntraAgentConsistency(context.Background(), store, time.Now())
	if err != nil {
		t.Fatalf("IntraAgentConsistency: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Severity != SeverityCritical {
		t.Fatalf("alerts = %+v, want one critical alert", alerts)
	}
}

func TestIntraAgentConsistency_SilentBelowThresholds(t *testing.T) {
	store := &fakeStore{traceTypeGroups: []AgentTraceTypeGroup{
		{Agent: "a1", TraceType: "x", DistinctActions: 1, CSDMAStdDev: 0.01},
	}}
	alerts, err := IntraAgentConsistency(context.Background(), store, time.Now())
	if err != nil {
		t.Fatalf("IntraAgentConsistency: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts = %+v, want none", alerts)
	}
}

func TestHashChainVerification_FlagsSequenceGap(t *testing.T) {
	store := &fakeStore{sequences: []AgentSequence{
		{Agent: "a1", Sequences: []int64{1, 2, 4, 5}, TraceIDsBySeq: map[int64]string{2: "t2", 4: "t4"}},
	}}
	alerts, err := HashChainVerification(context.Background(), store, time.Now())
	if err != nil {
		t.Fatalf("HashChainVerification: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %+v, want exactly one gap alert", alerts)
	}
	if alerts[0].Severity != SeverityCritical {
		t.Errorf("severity = %q, want critical (every gap is critical)", alerts[0].Severity)
	}
	if len(alerts[0].EvidenceTraceIDs) != 2 {
		t.Errorf("evidence = %v, want both bracketing trace ids", alerts[0].EvidenceTraceIDs)
	}
}

func TestHashChainVerification_NoGapNoAlert(t *testing.T) {
	store := &fakeStore{sequences: []AgentSequence{
		{Agent: "a1", Sequences: []int64{1, 2, 3, 4}},
	}}
	alerts, err := HashChainVerification(context.Background(), store, time.Now())
	if err != nil {
		t.Fatalf("HashChainVerification: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts = %+v, want none", alerts)
	}
}

func TestTemporalDrift_FlagsLargeDayOverDayDelta(t *testing.T) {
	now := time.Now()
	store := &fakeStore{dailyMeans: []AgentDailyMeans{
		{Agent: "a1", Day: now.AddDate(0, 0, -1), MeanCoherence: 0.80},
		{Agent: "a1", Day: now, MeanCoherence: 0.50}, // delta 0.30 > critical 0.25
	}}
	alerts, err := TemporalDrift(context.Background(), store, now)
	if err != nil {
		t.Fatalf("TemporalDrift: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Severity != SeverityCritical {
		t.Fatalf("alerts = %+v, want one critical drift alert", alerts)
	}
}

func TestConscienceOverrideRate_FlagsAgentFarAboveDomainBaseline(t *testing.T) {
	store := &fakeStore{domainOverrides: []AgentDomainOverride{
		{Agent: "a1", Domain: "ethics", Count: 100, OverrideCount: 1, SampleTraceID: "t1"},
		{Agent: "a2", Domain: "ethics", Count: 100, OverrideCount: 1, SampleTraceID: "t2"},
		{Agent: "a3", Domain: "ethics", Count: 100, OverrideCount: 5, SampleTraceID: "t3"}, // 5x the per-agent pair, ratio vs pooled baseline > 3
	}}
	alerts, err := ConscienceOverrideRate(context.Background(), store, time.Now())
	if err != nil {
		t.Fatalf("ConscienceOverrideRate: %v", err)
	}
	found := false
	for _, a := range alerts {
		if a.AgentIDHash == "a3" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an alert for agent a3's elevated override rate, got %+v", alerts)
	}
}

func TestConscienceOverrideRate_NoOverridesNoAlerts(t *testing.T) {
	store := &fakeStore{domainOverrides: []AgentDomainOverride{
		{Agent: "a1", Domain: "ethics", Count: 100, OverrideCount: 0},
	}}
	alerts, err := ConscienceOverrideRate(context.Background(), store, time.Now())
	if err != nil {
		t.Fatalf("ConscienceOverrideRate: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts = %+v, want none", alerts)
	}
}

func TestThresholdSeverity(t *testing.T) {
	if sev, ok := thresholdSeverity(1.0, 2, 3); ok {
		t.Errorf("thresholdSeverity(1.0) = %q, ok=%v; want not ok (below warning)", sev, ok)
	}
	if sev, ok := thresholdSeverity(2.5, 2, 3); !ok || sev != SeverityWarning {
		t.Errorf("thresholdSeverity(2.5) = %q, ok=%v; want warning", sev, ok)
	}
	if sev, ok := thresholdSeverity(3.0, 2, 3); !ok || sev != SeverityCritical {
		t.Errorf("thresholdSeverity(3.0) = %q, ok=%v; want critical", sev, ok)
	}
}
