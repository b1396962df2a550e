// Package httpapi is the collector's external HTTP surface (spec §6):
// covenant ingest, trace/statistics reads, capacity scoring, coherence
// ratchet alert management, log ingest, and status endpoints.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ciris-ai/cirislens/applications/storage/postgres"
	"github.com/ciris-ai/cirislens/domain/analyzer"
	"github.com/ciris-ai/cirislens/domain/schema"
	"github.com/ciris-ai/cirislens/domain/trace"
	"github.com/ciris-ai/cirislens/infrastructure/logging"
	"github.com/ciris-ai/cirislens/infrastructure/middleware"
	"github.com/ciris-ai/cirislens/infrastructure/metrics"
	"github.com/ciris-ai/cirislens/infrastructure/redaction"
	"github.com/ciris-ai/cirislens/infrastructure/service"
	"github.com/ciris-ai/cirislens/services/ingest"
)

// Deps bundles everything the route handlers read or write through. Built
// once in cmd/collector/main.go and threaded into NewRouter.
type Deps struct {
	Log    *logging.Logger
	Metrics *metrics.Metrics

	Traces        *postgres.TraceRepository
	Malformed     *postgres.MalformedTraceRepository
	PublicKeys    *postgres.PublicKeyRepository
	Alerts        *postgres.AlertRepository
	Scoring       *postgres.ScoringStore
	AnalyzerStore *postgres.AnalyzerStore
	Telemetry     *postgres.TelemetryRepository
	PollSources   *postgres.PollSourceRepository

	Registry  *schema.Registry
	KeyCache  *trace.KeyCache
	Pipeline  *ingest.Pipeline
	Scheduler *analyzer.Scheduler
	Redactor  *redaction.Redactor
	Health    *service.DeepHealthChecker

	JWTSigningKey    string
	RateLimitFull    int
	RateLimitPartner int
	RateLimitPublic  int
	MaxBodyBytes     int64

	Version string
}

// NewRouter builds the full gorilla/mux router for spec §6's route set.
func NewRouter(d *Deps) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(d.Log).Handler)
	r.Use(middleware.LoggingMiddleware(d.Log))
	if d.Metrics != nil {
		r.Use(middleware.MetricsMiddleware("collector", d.Metrics))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	r.Use(AccessTierAuth(d.JWTSigningKey))
	r.Use(middleware.NewBodyLimitMiddleware(d.MaxBodyBytes).Handler)

	audit := newAuditLog(500)
	r.Use(func(next http.Handler) http.Handler { return wrapWithAudit(next, audit) })

	h := &handlers{deps: d}

	tier := newTierLimiters(d.RateLimitFull, d.RateLimitPartner, d.RateLimitPublic)
	r.Use(tier.middleware)

	// Covenant trace ingest (§4.2, §6)
	r.HandleFunc("/covenant/events", h.postCovenantEvents).Methods(http.MethodPost)
	r.HandleFunc("/covenant/public-keys", requireTier("full", h.postPublicKey)).Methods(http.MethodPost)
	r.HandleFunc("/covenant/traces", h.getTraces).Methods(http.MethodGet)
	r.HandleFunc("/covenant/traces/{trace_id}", h.getTraceByID).Methods(http.MethodGet)
	r.HandleFunc("/covenant/statistics", h.getStatistics).Methods(http.MethodGet)

	// Capacity scoring engine (§4.6, §6)
	r.HandleFunc("/scoring/capacity/fleet", h.getFleetCapacity).Methods(http.MethodGet)
	r.HandleFunc("/scoring/capacity/{agent_name}", h.getAgentCapacity).Methods(http.MethodGet)
	r.HandleFunc("/scoring/factors/{agent_name}", h.getAgentFactors).Methods(http.MethodGet)
	r.HandleFunc("/scoring/alerts", h.getScoringAlerts).Methods(http.MethodGet)

	// Coherence ratchet analyzer (§4.5, §6)
	r.HandleFunc("/coherence-ratchet/alerts", h.getRatchetAlerts).Methods(http.MethodGet)
	r.HandleFunc("/coherence-ratchet/run", requireTier("full", h.postRatchetRun)).Methods(http.MethodPost)
	r.HandleFunc("/coherence-ratchet/alerts/{id}/acknowledge", requireTier("full", h.putAcknowledge)).Methods(http.MethodPut)
	r.HandleFunc("/coherence-ratchet/alerts/{id}/resolve", requireTier("full", h.putResolve)).Methods(http.MethodPut)

	// Log shipper ingest (§4.7, §6)
	r.HandleFunc("/logs/ingest", h.postLogsIngest).Methods(http.MethodPost)

	// Status aggregator (§4.8, §6)
	r.HandleFunc("/status", h.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/status", h.getFleetStatus).Methods(http.MethodGet)

	return r
}
