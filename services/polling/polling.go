// Package polling is the Resilient Polling Fabric (§4.3): one supervised
// task per PollSource, pulling {metrics, traces, logs} OTLP-JSON from each
// enabled agent's HTTP endpoint on its own interval, with a per-source
// circuit breaker and in-attempt exponential backoff, bounded by a
// cross-source worker semaphore.
package polling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ciris-ai/cirislens/applications/storage/postgres"
	"github.com/ciris-ai/cirislens/infrastructure/httputil"
	"github.com/ciris-ai/cirislens/infrastructure/logging"
	"github.com/ciris-ai/cirislens/infrastructure/resilience"
	"github.com/ciris-ai/cirislens/infrastructure/secrets"
)

// Kind is one of the three OTLP signal types pulled per cycle.
type Kind string

const (
	KindMetrics Kind = "metrics"
	KindTraces  Kind = "traces"
	KindLogs    Kind = "logs"
)

var allKinds = []Kind{KindMetrics, KindTraces, KindLogs}

// Store is the subset of storage the fabric writes through.
type Store interface {
	ListEnabled(ctx context.Context) ([]postgres.PollSourceRow, error)
	RecordSuccess(ctx context.Context, name string, at time.Time) error
	RecordError(ctx context.Context, name, errMsg string) error
	UpdateCircuitState(ctx context.Context, name, state string) error
}

// TelemetrySink is the subset of storage flattened OTLP rows are inserted
// through.
type TelemetrySink interface {
	InsertMetrics(ctx context.Context, points []postgres.MetricPoint) error
	InsertLogs(ctx context.Context, records []postgres.LogRecord) error
	InsertConnectivityEvent(ctx context.Context, e postgres.ConnectivityEvent) error
}

// Config tunes the fabric's defaults (§4.3, §5).
type Config struct {
	WorkerPoolSize   int
	DefaultInterval  time.Duration
	ConnectTimeout   time.Duration
	TotalTimeout     time.Duration
	BreakerMaxFails  int
	BreakerResetWait time.Duration
	RetryMaxAttempts int
	RetryInitial     time.Duration
	RetryMax         time.Duration
	ShutdownGrace    time.Duration
}

func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:   8,
		DefaultInterval:  60 * time.Second,
		ConnectTimeout:   5 * time.Second,
		TotalTimeout:     30 * time.Second,
		BreakerMaxFails:  5,
		BreakerResetWait: 5 * time.Minute,
		RetryMaxAttempts: 3,
		RetryInitial:     time.Second,
		RetryMax:         300 * time.Second,
		ShutdownGrace:    10 * time.Second,
	}
}

// Supervisor owns one long-running poll task per enabled PollSource.
type Supervisor struct {
	store   Store
	sink    TelemetrySink
	tokens  *secrets.TokenCipher
	log     *logging.Logger
	cfg     Config
	client  *http.Client
	sem     chan struct{}

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
	cancels  map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func NewSupervisor(store Store, sink TelemetrySink, tokens *secrets.TokenCipher, log *logging.Logger, cfg Config) *Supervisor {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 8
	}
	return &Supervisor{
		store:  store,
		sink:   sink,
		tokens: tokens,
		log:    log,
		cfg:    cfg,
		client: httputil.CopyHTTPClientWithTimeout(nil, cfg.TotalTimeout, true),
		sem:    make(chan struct{}, cfg.WorkerPoolSize),

		breakers: make(map[string]*resilience.CircuitBreaker),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start discovers the currently enabled poll sources and launches one task
// per source. It returns once every task goroutine has been spawned; tasks
// themselves run until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	sources, err := s.store.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("polling: list enabled sources: %w", err)
	}
	for _, src := range sources {
		s.launch(ctx, src)
	}
	return nil
}

func (s *Supervisor) launch(ctx context.Context, src postgres.PollSourceRow) {
	taskCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancels[src.Name] = cancel
	breaker := resilience.New(resilience.Config{
		MaxFailures: s.cfg.BreakerMaxFails,
		Timeout:     s.cfg.BreakerResetWait,
		OnStateChange: func(from, to resilience.State) {
			s.onCircuitChange(src.Name, to)
		},
	})
	s.breakers[src.Name] = breaker
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(taskCtx, src, breaker)
}

// Stop cancels every in-flight poll task and waits up to the configured
// shutdown grace window for them to return.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		if s.log != nil {
			s.log.Warn(context.Background(), "polling: shutdown grace window elapsed with tasks still in flight", nil)
		}
	}
}

// run is the per-PollSource task: sleep interval, attempt (serially across
// the three OTLP signal kinds), repeat, until ctx is done.
func (s *Supervisor) run(ctx context.Context, src postgres.PollSourceRow, breaker *resilience.CircuitBreaker) {
	defer s.wg.Done()

	interval := time.Duration(src.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = s.cfg.DefaultInterval
	}

	// Stagger the very first attempt slightly isn't required by spec; poll
	// immediately on launch, then on the fixed interval.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.attempt(ctx, src, breaker)

		timer.Reset(interval)
	}
}

// attempt runs one poll cycle across all three signal kinds, gated by the
// circuit breaker and the cross-source worker semaphore.
func (s *Supervisor) attempt(ctx context.Context, src postgres.PollSourceRow, breaker *resilience.CircuitBreaker) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	token, err := s.resolveToken(ctx, src)
	if err != nil {
		s.recordFailure(ctx, src.Name, err)
		return
	}

	var firstErr error
	for _, kind := range allKinds {
		err := breaker.Execute(ctx, func() error {
			return resilience.Retry(ctx, resilience.RetryConfig{
				MaxAttempts:  s.cfg.RetryMaxAttempts,
				InitialDelay: s.cfg.RetryInitial,
				MaxDelay:     s.cfg.RetryMax,
				Multiplier:   2.0,
				Jitter:       0.2,
			}, func() error {
				return s.pollOne(ctx, src, kind, token)
			})
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if err == resilience.ErrCircuitOpen {
				// Breaker open: skip remaining kinds this cycle too, saving
				// bandwidth rather than retrying faster (§4.3).
				break
			}
		}
	}

	if firstErr != nil {
		s.recordFailure(ctx, src.Name, firstErr)
		return
	}
	if err := s.store.RecordSuccess(ctx, src.Name, time.Now()); err != nil && s.log != nil {
		s.log.Error(ctx, "polling: record success", err, map[string]interface{}{"source": src.Name})
	}
}

func (s *Supervisor) resolveToken(ctx context.Context, src postgres.PollSourceRow) (string, error) {
	if src.AuthTokenEncrypted == "" {
		return "", nil
	}
	if s.tokens == nil {
		return "", fmt.Errorf("polling: %s has a stored token but no token cipher is configured", src.Name)
	}
	return s.tokens.Decrypt(src.Name, src.AuthTokenEncrypted)
}

// pollOne pulls one OTLP signal kind from one source and inserts the
// flattened rows. A non-2xx response or a transport error is returned
// unwrapped so the retry/circuit-breaker layers above can classify it.
func (s *Supervisor) pollOne(ctx context.Context, src postgres.PollSourceRow, kind Kind, token string) error {
	url := fmt.Sprintf("%s/v1/telemetry/otlp/%s", src.BaseURL, kind)

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.TotalTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("polling: build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer service:"+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("polling: %s %s: %w", kind, src.Name, err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadAllStrict(resp.Body, 16<<20)
	if err != nil {
		return fmt.Errorf("polling: read body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("polling: %s %s returned %d", kind, src.Name, resp.StatusCode)
	}

	switch kind {
	case KindMetrics:
		return s.ingestMetrics(ctx, src.Name, body)
	case KindLogs:
		return s.ingestLogs(ctx, src.Name, body)
	default:
		// Operational traces (OTLP spans) are parsed for visibility only;
		// this fabric does not validate or score them — that's the
		// covenant-trace ingest path's job (§4.2). Unknown fields ignored.
		return nil
	}
}

// ingestMetrics flattens OTLP-JSON ResourceMetrics into MetricPoint rows
// using gjson dotted-path extraction, tolerating unknown fields.
func (s *Supervisor) ingestMetrics(ctx context.Context, agent string, body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("polling: invalid OTLP metrics JSON from %s", agent)
	}
	root := gjson.ParseBytes(body)
	var points []postgres.MetricPoint

	root.Get("resourceMetrics").ForEach(func(_, rm gjson.Result) bool {
		rm.Get("scopeMetrics").ForEach(func(_, sm gjson.Result) bool {
			sm.Get("metrics").ForEach(func(_, metric gjson.Result) bool {
				name := metric.Get("name").String()
				dataPoints := metric.Get("gauge.dataPoints")
				if !dataPoints.Exists() {
					dataPoints = metric.Get("sum.dataPoints")
				}
				dataPoints.ForEach(func(_, dp gjson.Result) bool {
					value := dp.Get("asDouble")
					if !value.Exists() {
						value = dp.Get("asInt")
					}
					ts := parseUnixNano(dp.Get("timeUnixNano").String())
					labels := map[string]string{}
					dp.Get("attributes").ForEach(func(_, attr gjson.Result) bool {
						labels[attr.Get("key").String()] = attr.Get("value.stringValue").String()
						return true
					})
					points = append(points, postgres.MetricPoint{
						Agent:      agent,
						MetricName: name,
						Timestamp:  ts,
						Labels:     labels,
						Value:      value.Float(),
					})
					return true
				})
				return true
			})
			return true
		})
		return true
	})

	if len(points) == 0 {
		return nil
	}
	return s.sink.InsertMetrics(ctx, points)
}

// ingestLogs flattens OTLP-JSON ResourceLogs into LogRecord rows.
func (s *Supervisor) ingestLogs(ctx context.Context, agent string, body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("polling: invalid OTLP logs JSON from %s", agent)
	}
	root := gjson.ParseBytes(body)
	var records []postgres.LogRecord

	root.Get("resourceLogs").ForEach(func(_, rl gjson.Result) bool {
		rl.Get("scopeLogs").ForEach(func(_, sl gjson.Result) bool {
			sl.Get("logRecords").ForEach(func(_, lr gjson.Result) bool {
				attrs := map[string]any{}
				lr.Get("attributes").ForEach(func(_, attr gjson.Result) bool {
					attrs[attr.Get("key").String()] = attr.Get("value.stringValue").String()
					return true
				})
				records = append(records, postgres.LogRecord{
					Agent:      agent,
					Timestamp:  parseUnixNano(lr.Get("timeUnixNano").String()),
					Severity:   lr.Get("severityText").String(),
					Body:       lr.Get("body.stringValue").String(),
					Attributes: attrs,
				})
				return true
			})
			return true
		})
		return true
	})

	if len(records) == 0 {
		return nil
	}
	return s.sink.InsertLogs(ctx, records)
}

func parseUnixNano(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	var nanos int64
	if _, err := fmt.Sscanf(s, "%d", &nanos); err != nil || nanos == 0 {
		return time.Now()
	}
	return time.Unix(0, nanos)
}

func (s *Supervisor) onCircuitChange(source string, to resilience.State) {
	ctx := context.Background()
	state := breakerStateName(to)
	if err := s.store.UpdateCircuitState(ctx, source, state); err != nil && s.log != nil {
		s.log.Error(ctx, "polling: update circuit state", err, map[string]interface{}{"source": source})
	}
	_ = s.sink.InsertConnectivityEvent(ctx, postgres.ConnectivityEvent{
		Agent:      source,
		EventType:  "circuit_" + state,
		Detail:     fmt.Sprintf("poll source %s circuit breaker transitioned to %s", source, state),
		OccurredAt: time.Now(),
	})
}

// breakerStateName maps resilience.State to the §4.3 wire vocabulary
// (closed/open/half_open) rather than gobreaker's own hyphenated strings.
func breakerStateName(s resilience.State) string {
	switch s {
	case resilience.StateOpen:
		return "open"
	case resilience.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (s *Supervisor) recordFailure(ctx context.Context, source string, err error) {
	if recErr := s.store.RecordError(ctx, source, err.Error()); recErr != nil && s.log != nil {
		s.log.Error(ctx, "polling: record error", recErr, map[string]interface{}{"source": source})
	}
	if s.log != nil {
		s.log.Warn(ctx, "polling: attempt failed", map[string]interface{}{"source": source, "error": err.Error()})
	}
}
