// Package status is the Status Aggregator (§4.8): process-local deep health
// (grounded on the teacher's infrastructure/service.DeepHealthChecker) plus
// fleet-wide uptime rollups and process resource sampling via
// shirou/gopsutil/v3.
package status

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/ciris-ai/cirislens/applications/storage/postgres"
	"github.com/ciris-ai/cirislens/infrastructure/service"
)

// Windows are the three rollup horizons §4.8 reports over.
var Windows = []struct {
	Label string
	Since time.Duration
}{
	{"24h", 24 * time.Hour},
	{"7d", 7 * 24 * time.Hour},
	{"30d", 30 * 24 * time.Hour},
}

// UptimeRollup is the §4.8 output: per-window uptime percentages for one
// service/region pair.
type UptimeRollup struct {
	Service string             `json:"service"`
	Region  string             `json:"region"`
	Windows map[string]float64 `json:"windows"` // label -> uptime ratio
}

// TelemetrySource is the subset of storage the fleet rollup reads.
type TelemetrySource interface {
	Uptime(ctx context.Context, since time.Time) ([]postgres.ServiceUptime, error)
}

// FleetStatus aggregates uptime across the configured windows, keyed by
// (service, region).
func FleetStatus(ctx context.Context, telemetry TelemetrySource) ([]UptimeRollup, error) {
	now := time.Now()
	byKey := make(map[[2]string]*UptimeRollup)
	order := make([][2]string, 0)

	for _, w := range Windows {
		rows, err := telemetry.Uptime(ctx, now.Add(-w.Since))
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			key := [2]string{row.Service, row.Region}
			roll, ok := byKey[key]
			if !ok {
				roll = &UptimeRollup{Service: row.Service, Region: row.Region, Windows: make(map[string]float64)}
				byKey[key] = roll
				order = append(order, key)
			}
			roll.Windows[w.Label] = row.UptimeRatio
		}
	}

	out := make([]UptimeRollup, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out, nil
}

// RegisterProcessHealthCheck attaches a "process" component to checker that
// reports this process's own CPU and RSS usage as supplementary detail
// (§4.8), matching the teacher's ComponentHealth.Details convention.
func RegisterProcessHealthCheck(checker *service.DeepHealthChecker) {
	pid := int32(os.Getpid())
	checker.Register("process", func(ctx context.Context) *service.ComponentHealth {
		proc, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			return &service.ComponentHealth{Status: "degraded", Message: "process stats unavailable: " + err.Error()}
		}

		details := map[string]any{}
		if cpuPct, err := proc.CPUPercentWithContext(ctx); err == nil {
			details["cpu_percent"] = cpuPct
		}
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			details["rss_bytes"] = mem.RSS
			details["vms_bytes"] = mem.VMS
		}

		return &service.ComponentHealth{
			Status:  "healthy",
			Details: details,
		}
	})
}

// RegisterAgentReachabilityCheck attaches one HTTP-based component health
// check per poll source so the deep health view surfaces per-agent
// reachability alongside the process's own health.
func RegisterAgentReachabilityCheck(checker *service.DeepHealthChecker, name, baseURL string, timeout time.Duration) {
	checker.Register("agent:"+name, service.HTTPHealthCheck(name, baseURL+"/v1/telemetry/otlp/metrics", timeout))
}
