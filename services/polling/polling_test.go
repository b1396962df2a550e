package polling

import (
	"context"
	"testing"
	"time"

	"github.com/ciris-ai/cirislens/applications/storage/postgres"
	"github.com/ciris-ai/cirislens/infrastructure/resilience"
)

type fakeSink struct {
	metrics []postgres.MetricPoint
	logs    []postgres.LogRecord
	events  []postgres.ConnectivityEvent
}

func (f *fakeSink) InsertMetrics(ctx context.Context, points []postgres.MetricPoint) error {
	f.metrics = append(f.metrics, points...)
	return nil
}

func (f *fakeSink) InsertLogs(ctx context.Context, records []postgres.LogRecord) error {
	f.logs = append(f.logs, records...)
	return nil
}

func (f *fakeSink) InsertConnectivityEvent(ctx context.Context, e postgres.ConnectivityEvent) error {
	f.events = append(f.events, e)
	return nil
}

func TestIngestMetrics_FlattensOTLPJSON(t *testing.T) {
	body := []byte(`{
		"resourceMetrics": [{
			"scopeMetrics": [{
				"metrics": [{
					"name": "cpu_usage",
					"gauge": {
						"dataPoints": [{
							"asDouble": 0.42,
							"timeUnixNano": "1700000000000000000",
							"attributes": [{"key": "region", "value": {"stringValue": "us-east"}}]
						}]
					}
				}]
			}]
		}]
	}`)

	s := &Supervisor{sink: &fakeSink{}}
	sink := s.sink.(*fakeSink)

	if err := s.ingestMetrics(context.Background(), "agent-1", body); err != nil {
		t.Fatalf("ingestMetrics: %v", err)
	}
	if len(sink.metrics) != 1 {
		t.Fatalf("got %d metric points, want 1", len(sink.metrics))
	}
	p := sink.metrics[0]
	if p.Agent != "agent-1" || p.MetricName != "cpu_usage" || p.Value != 0.42 {
		t.Errorf("unexpected metric point: %+v", p)
	}
	if p.Labels["region"] != "us-east" {
		t.Errorf("labels = %+v, want region=us-east", p.Labels)
	}
}

func TestIngestMetrics_IgnoresUnknownFields(t *testing.T) {
	body := []byte(`{
		"resourceMetrics": [{
			"future_top_level_field": {"whatever": true},
			"scopeMetrics": [{
				"metrics": [{
					"name": "mem_bytes",
					"sum": {"dataPoints": [{"asInt": "128", "timeUnixNano": "1700000000000000000"}]}
				}]
			}]
		}]
	}`)

	s := &Supervisor{sink: &fakeSink{}}
	sink := s.sink.(*fakeSink)

	if err := s.ingestMetrics(context.Background(), "agent-2", body); err != nil {
		t.Fatalf("ingestMetrics: %v", err)
	}
	if len(sink.metrics) != 1 {
		t.Fatalf("got %d metric points, want 1", len(sink.metrics))
	}
}

func TestIngestMetrics_InvalidJSON(t *testing.T) {
	s := &Supervisor{sink: &fakeSink{}}
	if err := s.ingestMetrics(context.Background(), "agent-3", []byte("not json")); err == nil {
		t.Fatal("expected error for invalid OTLP JSON")
	}
}

func TestIngestLogs_FlattensOTLPJSON(t *testing.T) {
	body := []byte(`{
		"resourceLogs": [{
			"scopeLogs": [{
				"logRecords": [{
					"timeUnixNano": "1700000000000000000",
					"severityText": "ERROR",
					"body": {"stringValue": "deferral triggered"},
					"attributes": [{"key": "domain", "value": {"stringValue": "ethics"}}]
				}]
			}]
		}]
	}`)

	s := &Supervisor{sink: &fakeSink{}}
	sink := s.sink.(*fakeSink)

	if err := s.ingestLogs(context.Background(), "agent-1", body); err != nil {
		t.Fatalf("ingestLogs: %v", err)
	}
	if len(sink.logs) != 1 {
		t.Fatalf("got %d log records, want 1", len(sink.logs))
	}
	rec := sink.logs[0]
	if rec.Severity != "ERROR" || rec.Body != "deferral triggered" {
		t.Errorf("unexpected log record: %+v", rec)
	}
	if rec.Attributes["domain"] != "ethics" {
		t.Errorf("attributes = %+v, want domain=ethics", rec.Attributes)
	}
}

func TestBreakerStateName(t *testing.T) {
	if got := breakerStateName(resilience.StateClosed); got != "closed" {
		t.Errorf("StateClosed = %q, want closed", got)
	}
	if got := breakerStateName(resilience.StateOpen); got != "open" {
		t.Errorf("StateOpen = %q, want open", got)
	}
	if got := breakerStateName(resilience.StateHalfOpen); got != "half_open" {
		t.Errorf("StateHalfOpen = %q, want half_open", got)
	}
}

func TestParseUnixNano_FallsBackToNowOnGarbage(t *testing.T) {
	before := time.Now().Add(-time.Second)
	got := parseUnixNano("not-a-number")
	if got.Before(before) {
		t.Errorf("parseUnixNano fallback = %v, want recent time", got)
	}
	if got := parseUnixNano(""); got.Before(before) {
		t.Errorf("parseUnixNano empty fallback = %v, want recent time", got)
	}
}
