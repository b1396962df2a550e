// Package analyzer implements the Coherence Ratchet: five read-only
// anomaly-detection mechanisms run on a schedule against covenant trace
// history, each emitting AnomalyAlert rows.
package analyzer

import "time"

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type AlertStatus string

const (
	StatusOpen         AlertStatus = "open"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
)

// Mechanism names, used as both the scheduler's job key and the alert's
// `mechanism` column.
const (
	MechanismCrossAgentDivergence   = "cross_agent_divergence"
	MechanismIntraAgentConsistency  = "intra_agent_consistency"
	MechanismHashChainVerification  = "hash_chain_verification"
	MechanismTemporalDrift          = "temporal_drift"
	MechanismConscienceOverrideRate = "conscience_override_rate"
)

// AnomalyAlert is the persisted output of a mechanism run. The analyzer only
// ever inserts new alerts; status/resolution_note are mutated exclusively by
// the external acknowledge/resolve API.
type AnomalyAlert struct {
	AlertID          string
	Severity         Severity
	Mechanism        string
	AgentIDHash      string
	Domain           string
	Metric           string
	Value            float64
	Baseline         float64
	Deviation        float64
	Timestamp        time.Time
	EvidenceTraceIDs []string
	Status           AlertStatus
	ResolutionNote   string
}
