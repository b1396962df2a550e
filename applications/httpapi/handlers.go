package httpapi

import (
	"compress/gzip"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ciris-ai/cirislens/applications/storage/postgres"
	"github.com/ciris-ai/cirislens/domain/scoring"
	"github.com/ciris-ai/cirislens/domain/trace"
	"github.com/ciris-ai/cirislens/infrastructure/httputil"
	"github.com/ciris-ai/cirislens/infrastructure/serviceauth"
	"github.com/ciris-ai/cirislens/services/ingest"
	"github.com/ciris-ai/cirislens/services/status"
)

type handlers struct {
	deps *Deps
}

// ---------------------------------------------------------------------------
// Covenant trace ingest (§4.2, §6)
// ---------------------------------------------------------------------------

func (h *handlers) postCovenantEvents(w http.ResponseWriter, r *http.Request) {
	body := json.RawMessage{}
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}

	batch := ingest.RawBatch{}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var raws []json.RawMessage
		if err := json.Unmarshal(body, &raws); err != nil {
			httputil.BadRequest(w, "invalid batch JSON")
			return
		}
		batch.Traces = raws
	} else {
		batch.Traces = []json.RawMessage{body}
	}

	result := h.deps.Pipeline.IngestBatch(r.Context(), batch, httputil.ClientIP(r))
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *handlers) postPublicKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeyID     string `json:"key_id"`
		Algorithm string `json:"algorithm"`
		PublicKey string `json:"public_key_b64"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	keyBytes, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		httputil.BadRequest(w, "invalid public_key_b64")
		return
	}
	k := trace.PublicKey{
		KeyID:     req.KeyID,
		Algorithm: req.Algorithm,
		Bytes:     ed25519.PublicKey(keyBytes),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: req.ExpiresAt,
	}
	if err := h.deps.PublicKeys.Register(r.Context(), k); err != nil {
		httputil.InternalError(w, "failed to register public key")
		return
	}
	h.deps.KeyCache.Put(k)
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"key_id": k.KeyID})
}

func (h *handlers) getTraces(w http.ResponseWriter, r *http.Request) {
	offset, limit := httputil.PaginationParams(r, 100, 1000)
	f := postgres.TraceFilter{
		AgentIDHash: httputil.QueryString(r, "agent_id_hash", ""),
		Domain:      httputil.QueryString(r, "domain", ""),
		Limit:       limit,
		Offset:      offset,
	}
	if since := httputil.QueryString(r, "since", ""); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = &t
		}
	}
	if until := httputil.QueryString(r, "until", ""); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			f.Until = &t
		}
	}

	tier := httputil.GetAccessTier(r)
	switch tier {
	case "full":
		// no elision
	case "partner":
		f.OwnAgents = serviceauth.GetAgentScope(r.Context())
		f.PartnerIDs = serviceauth.GetPartnerAccess(r.Context())
	default:
		f.PublicOnly = true
	}

	rows, err := h.deps.Traces.Query(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, "failed to query traces")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"traces": elideRows(rows, tier)})
}

func (h *handlers) getTraceByID(w http.ResponseWriter, r *http.Request) {
	traceID := mux.Vars(r)["trace_id"]
	row, err := h.deps.Traces.GetByID(r.Context(), traceID)
	if err != nil {
		httputil.NotFound(w, "trace not found")
		return
	}
	tier := httputil.GetAccessTier(r)
	if !canAccessTrace(row, tier, r.Context()) {
		httputil.Forbidden(w, "trace is not accessible at this access tier")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, elideRow(row, tier))
}

func (h *handlers) getStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Traces.Statistics(r.Context())
	if err != nil {
		httputil.InternalError(w, "failed to compute statistics")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// canAccessTrace applies the §6 partner ACL to a single-trace lookup: full
// sees everything; partner sees public_sample rows plus rows it owns
// (agent_id_hash ∈ agent_scope) or has partner access to (partner_id ∈
// partner_access[]); public sees only public_sample rows.
func canAccessTrace(row postgres.TraceRow, tier string, ctx context.Context) bool {
	if tier == "full" {
		return true
	}
	if row.PublicSample {
		return true
	}
	if tier != "partner" {
		return false
	}
	for _, a := range serviceauth.GetAgentScope(ctx) {
		if a == row.AgentIDHash {
			return true
		}
	}
	if row.PartnerID.Valid {
		for _, p := range serviceauth.GetPartnerAccess(ctx) {
			if p == row.PartnerID.String {
				return true
			}
		}
	}
	return false
}

// elideRow strips fields a non-full tier must not see (raw prompts/signatures).
func elideRow(row postgres.TraceRow, tier string) postgres.TraceRow {
	if tier == "full" {
		return row
	}
	row.Signature = ""
	row.RawBlob = nil
	return row
}

func elideRows(rows []postgres.TraceRow, tier string) []postgres.TraceRow {
	out := make([]postgres.TraceRow, len(rows))
	for i, row := range rows {
		out[i] = elideRow(row, tier)
	}
	return out
}

// ---------------------------------------------------------------------------
// Capacity scoring engine (§4.6, §6)
// ---------------------------------------------------------------------------

const defaultScoringWindow = 30 * 24 * time.Hour

func (h *handlers) getAgentCapacity(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent_name"]
	since := time.Now().Add(-defaultScoringWindow)
	window, err := h.deps.Scoring.Window(r.Context(), agent, since, scoring.DefaultParams())
	if err != nil {
		httputil.InternalError(w, "failed to compute scoring window")
		return
	}
	score := scoring.Compute(window, scoring.DefaultParams())
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"agent": agent, "score": score})
}

func (h *handlers) getAgentFactors(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent_name"]
	since := time.Now().Add(-defaultScoringWindow)
	window, err := h.deps.Scoring.Window(r.Context(), agent, since, scoring.DefaultParams())
	if err != nil {
		httputil.InternalError(w, "failed to compute scoring window")
		return
	}
	score := scoring.Compute(window, scoring.DefaultParams())
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"agent": agent, "factors": score.Factors, "window": window})
}

func (h *handlers) getFleetCapacity(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-defaultScoringWindow)
	agents, err := h.deps.Scoring.DistinctAgents(r.Context(), since)
	if err != nil {
		httputil.InternalError(w, "failed to list agents")
		return
	}
	p := scoring.DefaultParams()
	type agentScore struct {
		Agent string        `json:"agent"`
		Score scoring.Score `json:"score"`
	}
	out := make([]agentScore, 0, len(agents))
	for _, a := range agents {
		window, err := h.deps.Scoring.Window(r.Context(), a, since, p)
		if err != nil {
			continue
		}
		out = append(out, agentScore{Agent: a, Score: scoring.Compute(window, p)})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (h *handlers) getScoringAlerts(w http.ResponseWriter, r *http.Request) {
	offset, limit := httputil.PaginationParams(r, 100, 1000)
	alerts, err := h.deps.Alerts.List(r.Context(), postgres.AlertFilter{
		Status:   httputil.QueryString(r, "status", ""),
		Severity: httputil.QueryString(r, "severity", ""),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		httputil.InternalError(w, "failed to list alerts")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// ---------------------------------------------------------------------------
// Coherence ratchet analyzer (§4.5, §6)
// ---------------------------------------------------------------------------

func (h *handlers) getRatchetAlerts(w http.ResponseWriter, r *http.Request) {
	h.getScoringAlerts(w, r)
}

func (h *handlers) postRatchetRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.AnalyzerStore == nil {
		httputil.ServiceUnavailable(w, "analyzer store unavailable")
		return
	}
	h.deps.Scheduler.RunNow(r.Context(), h.deps.AnalyzerStore)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (h *handlers) putAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		httputil.BadRequest(w, "invalid alert id")
		return
	}
	if err := h.deps.Alerts.Acknowledge(r.Context(), id); err != nil {
		httputil.Conflict(w, "alert cannot be acknowledged")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *handlers) putResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		httputil.BadRequest(w, "invalid alert id")
		return
	}
	var req struct {
		ResolutionNote string `json:"resolution_note"`
	}
	if !httputil.DecodeJSONOptional(w, r, &req) {
		return
	}
	if err := h.deps.Alerts.Resolve(r.Context(), id, req.ResolutionNote); err != nil {
		httputil.Conflict(w, "alert cannot be resolved")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// ---------------------------------------------------------------------------
// Log shipper ingest (§4.7, §6)
// ---------------------------------------------------------------------------

// logEntry mirrors the sdk/logshipper wire record. A single POST may carry
// one entry, or a gzip-compressed batch shaped {"logs": [...]} (§4.7's
// buffered-batch flush).
type logEntry struct {
	Service    string         `json:"service"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (h *handlers) postLogsIngest(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			httputil.BadRequest(w, "invalid gzip body")
			return
		}
		defer gz.Close()
		body = io.NopCloser(gz)
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		httputil.BadRequest(w, "failed to read body")
		return
	}

	var batch struct {
		Logs []logEntry `json:"logs"`
	}
	if err := json.Unmarshal(raw, &batch); err != nil || len(batch.Logs) == 0 {
		var single logEntry
		if err := json.Unmarshal(raw, &single); err != nil {
			httputil.BadRequest(w, "invalid log payload")
			return
		}
		batch.Logs = []logEntry{single}
	}

	ids := make([]string, 0, len(batch.Logs))
	for _, entry := range batch.Logs {
		message := entry.Message
		attrs := entry.Attributes
		redacted := false
		if h.deps.Redactor != nil {
			redactedMsg := h.deps.Redactor.RedactString(message)
			if redactedMsg != message {
				redacted = true
			}
			message = redactedMsg
			if attrs != nil {
				attrs = h.deps.Redactor.RedactMap(attrs)
			}
		}

		rec := postgres.ServiceLogRecord{
			ID:         uuid.NewString(),
			Service:    entry.Service,
			Level:      entry.Level,
			Message:    message,
			Attributes: attrs,
			Redacted:   redacted,
		}
		if err := h.deps.Telemetry.InsertServiceLog(r.Context(), rec); err != nil {
			httputil.ServiceUnavailable(w, "failed to persist log")
			return
		}
		ids = append(ids, rec.ID)
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"ids": ids})
}

// ---------------------------------------------------------------------------
// Status aggregator (§4.8, §6)
// ---------------------------------------------------------------------------

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	result := h.deps.Health.Check(r.Context(), "cirislens-collector", h.deps.Version, false, 0)
	status := http.StatusOK
	if result.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, result)
}

func (h *handlers) getFleetStatus(w http.ResponseWriter, r *http.Request) {
	rollups, err := status.FleetStatus(r.Context(), h.deps.Telemetry)
	if err != nil {
		httputil.InternalError(w, "failed to compute uptime rollups")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"windows":  []string{"24h", "7d", "30d"},
		"services": rollups,
	})
}
