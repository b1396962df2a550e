package analyzer

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ciris-ai/cirislens/infrastructure/logging"
)

// Job is one mechanism's entry point, bound to a Store and AlertSink at
// registration time.
type Job func(ctx context.Context) ([]AnomalyAlert, error)

// AlertSink persists alerts the scheduler's jobs produce.
type AlertSink interface {
	InsertAlerts(ctx context.Context, alerts []AnomalyAlert) error
}

// Scheduler dispatches each mechanism as an independent cron job. Mechanism
// failures are isolated: one job's error or panic never affects the others.
type Scheduler struct {
	cron   *cron.Cron
	log    *logging.Logger
	sink   AlertSink
	nowFn  func() time.Time
}

func NewScheduler(log *logging.Logger, sink AlertSink, timezone *time.Location) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithLocation(timezone), cron.WithChain(cron.Recover(cronLogger{log}))),
		log:   log,
		sink:  sink,
		nowFn: time.Now,
	}
}

type cronLogger struct{ log *logging.Logger }

func (l cronLogger) Printf(format string, args ...any) {
	if l.log != nil {
		l.log.WithFields(map[string]interface{}{"component": "analyzer_scheduler"}).Warnf(format, args...)
	}
}

// RegisterDefaults wires the five §4.5 mechanisms at their specified cadences.
func (s *Scheduler) RegisterDefaults(store Store) error {
	daily := "0 3 * * *"
	hourly := "7 * * * *"

	mechanisms := []struct {
		spec string
		name string
		fn   Job
	}{
		{daily, MechanismCrossAgentDivergence, func(ctx context.Context) ([]AnomalyAlert, error) {
			return CrossAgentDivergence(ctx, store, s.nowFn())
		}},
		{daily, MechanismIntraAgentConsistency, func(ctx context.Context) ([]AnomalyAlert, error) {
			return IntraAgentConsistency(ctx, store, s.nowFn())
		}},
		{hourly, MechanismHashChainVerification, func(ctx context.Context) ([]AnomalyAlert, error) {
			return HashChainVerification(ctx, store, s.nowFn())
		}},
		{daily, MechanismTemporalDrift, func(ctx context.Context) ([]AnomalyAlert, error) {
			return TemporalDrift(ctx, store, s.nowFn())
		}},
		{daily, MechanismConscienceOverrideRate, func(ctx context.Context) ([]AnomalyAlert, error) {
			return ConscienceOverrideRate(ctx, store, s.nowFn())
		}},
	}

	for _, m := range mechanisms {
		m := m
		_, err := s.cron.AddFunc(m.spec, func() {
			s.runJob(m.name, m.fn)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RunNow executes every registered mechanism immediately, used by the
// POST /coherence-ratchet/run admin endpoint.
func (s *Scheduler) RunNow(ctx context.Context, store Store) {
	for _, fn := range []Job{
		func(ctx context.Context) ([]AnomalyAlert, error) { return CrossAgentDivergence(ctx, store, s.nowFn()) },
		func(ctx context.Context) ([]AnomalyAlert, error) { return IntraAgentConsistency(ctx, store, s.nowFn()) },
		func(ctx context.Context) ([]AnomalyAlert, error) { return HashChainVerification(ctx, store, s.nowFn()) },
		func(ctx context.Context) ([]AnomalyAlert, error) { return TemporalDrift(ctx, store, s.nowFn()) },
		func(ctx context.Context) ([]AnomalyAlert, error) { return ConscienceOverrideRate(ctx, store, s.nowFn()) },
	} {
		s.runJobCtx(ctx, "manual", fn)
	}
}

func (s *Scheduler) runJob(name string, fn Job) {
	s.runJobCtx(context.Background(), name, fn)
}

func (s *Scheduler) runJobCtx(ctx context.Context, name string, fn Job) {
	alerts, err := fn(ctx)
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).WithFields(map[string]interface{}{"mechanism": name}).Error("analyzer mechanism failed")
		}
		return
	}
	if len(alerts) == 0 {
		return
	}
	if err := s.sink.InsertAlerts(ctx, alerts); err != nil && s.log != nil {
		s.log.WithError(err).WithFields(map[string]interface{}{"mechanism": name}).Error("failed to persist alerts")
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}
