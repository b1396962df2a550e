package httpapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ciris-ai/cirislens/infrastructure/serviceauth"
)

// auditEntry is one logged HTTP request, surfaced for operator visibility
// into who accessed what at which access tier (§6 access tiering).
type auditEntry struct {
	Time       time.Time `json:"time"`
	UserID     string    `json:"user_id,omitempty"`
	ServiceID  string    `json:"service_id,omitempty"`
	Tier       string    `json:"tier"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	Status     int       `json:"status"`
	RemoteAddr string    `json:"remote_addr"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// auditLog is a bounded in-memory ring buffer of recent requests. It is not
// a substitute for the structured request logging the rest of the service
// does via infrastructure/logging; it exists to answer "who hit this
// recently" without a log aggregator query.
type auditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	cap     int
}

func newAuditLog(capacity int) *auditLog {
	if capacity <= 0 {
		capacity = 500
	}
	return &auditLog{cap: capacity}
}

func (l *auditLog) add(e auditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
}

func (l *auditLog) recent() []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]auditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// wrapWithAudit records basic request metadata for operator visibility.
func wrapWithAudit(next http.Handler, log *auditLog) http.Handler {
	if log == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		log.add(auditEntry{
			Time:       start.UTC(),
			UserID:     serviceauth.GetUserID(r.Context()),
			ServiceID:  serviceauth.GetServiceID(r.Context()),
			Tier:       serviceauth.GetTier(r.Context()),
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: clientIP(r),
			UserAgent:  r.UserAgent(),
		})
	})
}

func clientIP(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if h != "" {
		parts := strings.Split(h, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	return strings.TrimSpace(r.RemoteAddr)
}
