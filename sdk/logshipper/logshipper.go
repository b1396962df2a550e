// Package logshipper is the agent-side Log Shipper SDK (§4.7): a small,
// dependency-light client that buffers structured log entries in memory,
// flushes them to the collector's POST /logs/ingest on an interval or
// buffer-threshold trigger, redacting PII/secrets and gzip-compressing the
// batch before anything leaves process memory.
package logshipper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/ciris-ai/cirislens/infrastructure/redaction"
	"github.com/ciris-ai/cirislens/infrastructure/resilience"
)

// Entry is one log record, matching the collector's POST /logs/ingest shape.
type Entry struct {
	Service    string         `json:"service"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e Entry) approxSize() int {
	// Rough byte-budget estimate; exact marshaled size isn't worth computing
	// twice per entry just for a threshold check.
	size := len(e.Service) + len(e.Level) + len(e.Message) + 16
	for k, v := range e.Attributes {
		size += len(k) + len(fmt.Sprint(v)) + 4
	}
	return size
}

// Config tunes buffering, flush cadence, and retry behavior.
type Config struct {
	Service string

	// CollectorURL is the base URL of the CIRISLens collector; entries POST
	// to CollectorURL + "/logs/ingest".
	CollectorURL string
	AuthToken    string

	MaxBufferBytes int
	MaxBufferItems int
	FlushInterval  time.Duration
	RequestTimeout time.Duration

	Retry resilience.RetryConfig
}

func DefaultConfig(service, collectorURL string) Config {
	return Config{
		Service:        service,
		CollectorURL:   collectorURL,
		MaxBufferBytes: 256 * 1024,
		MaxBufferItems: 500,
		FlushInterval:  5 * time.Second,
		RequestTimeout: 10 * time.Second,
		Retry:          resilience.DefaultRetryConfig(),
	}
}

// Shipper buffers and ships log entries. Safe for concurrent use.
type Shipper struct {
	cfg      Config
	redactor *redaction.Redactor
	client   *http.Client
	log      zerolog.Logger

	mu      sync.Mutex
	buf     []Entry
	bufSize int

	flushCh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Shipper and starts its background flush loop. Call Close to
// stop the loop and flush any remaining buffered entries.
func New(cfg Config, log zerolog.Logger) *Shipper {
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = 256 * 1024
	}
	if cfg.MaxBufferItems <= 0 {
		cfg.MaxBufferItems = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	s := &Shipper{
		cfg:      cfg,
		redactor: redaction.NewRedactor(redaction.DefaultConfig()),
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		log:      log,
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx)
	return s
}

// Log buffers one entry, redacting its message and attributes in-process
// before it ever sits in the buffer (§7). A threshold-triggering buffer
// requests an immediate flush rather than waiting for the next tick.
func (s *Shipper) Log(level, message string, attrs map[string]any) {
	entry := Entry{
		Service:    s.cfg.Service,
		Level:      level,
		Message:    s.redactor.RedactString(message),
		Attributes: s.redactor.RedactMap(attrs),
	}

	s.mu.Lock()
	s.buf = append(s.buf, entry)
	s.bufSize += entry.approxSize()
	overThreshold := len(s.buf) >= s.cfg.MaxBufferItems || s.bufSize >= s.cfg.MaxBufferBytes
	s.mu.Unlock()

	if overThreshold {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
}

func (s *Shipper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return
		case <-ticker.C:
			s.flush(ctx)
		case <-s.flushCh:
			s.flush(ctx)
		}
	}
}

// Close stops the background flush loop, flushing any buffered entries
// first, and waits for the in-flight flush (if any) to complete.
func (s *Shipper) Close() {
	s.cancel()
	<-s.done
}

func (s *Shipper) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buf
	s.buf = nil
	s.bufSize = 0
	s.mu.Unlock()

	if err := resilience.Retry(ctx, s.cfg.Retry, func() error {
		return s.send(ctx, batch)
	}); err != nil {
		s.log.Error().Err(err).Int("entries", len(batch)).Msg("logshipper: flush failed, entries dropped")
	}
}

func (s *Shipper) send(ctx context.Context, batch []Entry) error {
	payload, err := json.Marshal(struct {
		Logs []Entry `json:"logs"`
	}{Logs: batch})
	if err != nil {
		return fmt.Errorf("logshipper: marshal batch: %w", err)
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(payload); err != nil {
		return fmt.Errorf("logshipper: compress batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("logshipper: close gzip writer: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.cfg.CollectorURL+"/logs/ingest", &compressed)
	if err != nil {
		return fmt.Errorf("logshipper: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if s.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("logshipper: send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("logshipper: collector returned %d", resp.StatusCode)
	}
	return nil
}
