// Package main is the CIRISLens collector entry point: wires storage,
// ingest, polling, analysis, and the external HTTP surface together and
// runs until a shutdown signal arrives.
package main

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ciris-ai/cirislens/applications/httpapi"
	"github.com/ciris-ai/cirislens/applications/storage/postgres"
	"github.com/ciris-ai/cirislens/applications/storage/postgres/migrations"
	"github.com/ciris-ai/cirislens/domain/analyzer"
	"github.com/ciris-ai/cirislens/domain/schema"
	"github.com/ciris-ai/cirislens/domain/trace"
	"github.com/ciris-ai/cirislens/infrastructure/config"
	"github.com/ciris-ai/cirislens/infrastructure/logging"
	"github.com/ciris-ai/cirislens/infrastructure/metrics"
	"github.com/ciris-ai/cirislens/infrastructure/middleware"
	"github.com/ciris-ai/cirislens/infrastructure/redaction"
	"github.com/ciris-ai/cirislens/infrastructure/secrets"
	"github.com/ciris-ai/cirislens/infrastructure/service"
	"github.com/ciris-ai/cirislens/services/ingest"
	"github.com/ciris-ai/cirislens/services/polling"
	"github.com/ciris-ai/cirislens/services/status"
)

const serviceName = "cirislens-collector"

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(serviceName, cfg.LogLevel, cfg.LogFormat)

	db, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	if err != nil {
		logger.WithError(err).Fatal("storage: connect")
	}
	defer db.Close()

	if err := migrations.Apply(db.SQL); err != nil {
		logger.WithError(err).Fatal("storage: migrate")
	}

	traces := postgres.NewTraceRepository(db)
	malformed := postgres.NewMalformedTraceRepository(db)
	publicKeys := postgres.NewPublicKeyRepository(db)
	alerts := postgres.NewAlertRepository(db)
	scoring := postgres.NewScoringStore(db, alerts)
	analyzerStore := postgres.NewAnalyzerStore(db)
	telemetry := postgres.NewTelemetryRepository(db)
	pollSources := postgres.NewPollSourceRepository(db)

	registry := schema.NewRegistry()
	registry.Reload(schema.DefaultVersions())

	keys := trace.NewKeyCache()
	loadedKeys, err := publicKeys.LoadAll(ctx)
	if err != nil {
		logger.WithError(err).Fatal("storage: load signer keys")
	}
	keys.Reload(loadedKeys)

	tokens, err := secrets.NewTokenCipher(cfg.SecretsMasterKey)
	if err != nil {
		logger.WithError(err).Fatal("secrets: invalid SECRETS_MASTER_KEY")
	}

	redactor := redaction.NewRedactor(redaction.DefaultConfig())

	pipeline := ingest.New(registry, keys, traces, malformed, logger, 0, cfg.IngestMaxBatchBytes)

	pollCfg := polling.DefaultConfig()
	pollCfg.WorkerPoolSize = cfg.PollWorkerPoolSize
	pollCfg.DefaultInterval = cfg.PollIntervalDefault
	pollCfg.TotalTimeout = cfg.PollHTTPTimeout
	supervisor := polling.NewSupervisor(pollSources, telemetry, tokens, logger, pollCfg)
	if err := supervisor.Start(ctx); err != nil {
		logger.WithError(err).Fatal("polling: start")
	}
	defer supervisor.Stop()

	tz, err := time.LoadLocation(cfg.AnalyzerTimezone)
	if err != nil {
		logger.WithError(err).Warn("analyzer: invalid ANALYZER_TIMEZONE, defaulting to UTC")
		tz = time.UTC
	}
	scheduler := analyzer.NewScheduler(logger, alerts, tz)
	if err := scheduler.RegisterDefaults(analyzerStore); err != nil {
		logger.WithError(err).Fatal("analyzer: register jobs")
	}
	scheduler.Start()
	defer scheduler.Stop(context.Background())

	stopReverify := startReverificationLoop(ctx, traces, keys, logger, time.Duration(cfg.ReverifyIntervalSeconds)*time.Second)
	defer stopReverify()

	health := service.NewDeepHealthChecker(5 * time.Second)
	health.Register("database", service.DatabaseHealthCheck("postgres", func(ctx context.Context) error {
		return db.SQL.PingContext(ctx)
	}))
	status.RegisterProcessHealthCheck(health)

	m := metrics.Init(serviceName)

	router := httpapi.NewRouter(&httpapi.Deps{
		Log:     logger,
		Metrics: m,

		Traces:        traces,
		Malformed:     malformed,
		PublicKeys:    publicKeys,
		Alerts:        alerts,
		Scoring:       scoring,
		AnalyzerStore: analyzerStore,
		Telemetry:     telemetry,
		PollSources:   pollSources,

		Registry:  registry,
		KeyCache:  keys,
		Pipeline:  pipeline,
		Scheduler: scheduler,
		Redactor:  redactor,
		Health:    health,

		JWTSigningKey:    cfg.JWTSigningKey,
		RateLimitFull:    cfg.RateLimitFullPerMin,
		RateLimitPartner: cfg.RateLimitPartnerPerMin,
		RateLimitPublic:  cfg.RateLimitPublicPerMin,
		MaxBodyBytes:     cfg.IngestMaxBatchBytes,

		Version: "1.0",
	})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(server, time.Duration(cfg.ShutdownGraceSeconds)*time.Second)
	shutdown.OnShutdown(func() { supervisor.Stop() })
	shutdown.OnShutdown(func() { scheduler.Stop(context.Background()) })
	shutdown.OnShutdown(stopReverify)
	shutdown.ListenForSignals()

	logger.WithFields(map[string]interface{}{"addr": cfg.HTTPAddr}).Info("collector starting")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("http server")
	}
	shutdown.Wait()
}

// startReverificationLoop periodically re-attempts signature verification
// for traces ingested before their signer's key was known (§4.2, §5:
// "unverified traces are queued for re-verification, never re-rejected").
// It returns a stop function that cancels the loop and blocks until the
// current pass finishes.
func startReverificationLoop(ctx context.Context, traces *postgres.TraceRepository, keys *trace.KeyCache, logger *logging.Logger, interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Hour
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				reverifyPending(loopCtx, traces, keys, logger)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func reverifyPending(ctx context.Context, traces *postgres.TraceRepository, keys *trace.KeyCache, logger *logging.Logger) {
	ids, keyIDs, err := traces.UnverifiedTraceIDs(ctx, 500)
	if err != nil {
		logger.WithError(err).Warn("reverify: list unverified traces")
		return
	}
	for i, id := range ids {
		keyID := keyIDs[i]
		key, ok := keys.Get(keyID)
		if !ok || !key.Active(time.Now()) {
			continue
		}

		rt, err := traces.LoadRawForVerification(ctx, id)
		if err != nil {
			logger.WithError(err).WithFields(map[string]interface{}{"trace_id": id}).Warn("reverify: load trace")
			continue
		}
		if !key.Active(rt.Timestamp) {
			continue
		}
		sigBytes, err := base64.StdEncoding.DecodeString(rt.Signature)
		if err != nil {
			continue
		}
		verified, err := trace.VerifySignature(key.Bytes, rt.Components, sigBytes)
		if err != nil || !verified {
			continue
		}
		if err := traces.MarkSignatureVerified(ctx, id); err != nil {
			logger.WithError(err).WithFields(map[string]interface{}{"trace_id": id}).Warn("reverify: mark verified")
		}
	}
}
