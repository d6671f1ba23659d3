package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const componentCheckTimeout = 3 * time.Second

// HealthReport is the GET /health payload.
type HealthReport struct {
	Healthy             bool              `json:"healthy"`
	Components          map[string]string `json:"components"`
	Details             map[string]any    `json:"details"`
	ResponseTimeSeconds float64           `json:"response_time_seconds"`
}

type componentCheck struct {
	name  string
	check func(ctx context.Context) error
}

// HealthChecker probes the service's dependencies. Components register at
// startup; the order of registration is the order of probing.
type HealthChecker struct {
	checks []componentCheck
	log    zerolog.Logger
}

func NewHealthChecker(log zerolog.Logger) *HealthChecker {
	return &HealthChecker{log: log.With().Str("component", "health").Logger()}
}

// Register adds a named dependency probe.
func (hc *HealthChecker) Register(name string, check func(ctx context.Context) error) {
	hc.checks = append(hc.checks, componentCheck{name: name, check: check})
}

// Report probes every registered component sequentially. Each probe gets
// its own timeout so one hung dependency cannot eat the whole budget.
func (hc *HealthChecker) Report(ctx context.Context) HealthReport {
	start := time.Now()

	components := make(map[string]string, len(hc.checks))
	healthy := true
	for _, c := range hc.checks {
		probeCtx, cancel := context.WithTimeout(ctx, componentCheckTimeout)
		err := c.check(probeCtx)
		cancel()

		if err != nil {
			healthy = false
			components[c.name] = "unhealthy: " + err.Error()
			hc.log.Warn().Err(err).Str("dependency", c.name).Msg("Health check failed")
			continue
		}
		components[c.name] = "healthy"
	}

	return HealthReport{
		Healthy:             healthy,
		Components:          components,
		Details:             hc.systemDetails(),
		ResponseTimeSeconds: time.Since(start).Seconds(),
	}
}

// systemDetails samples host CPU and memory. The 100ms CPU window keeps
// the endpoint fast enough for aggressive probe intervals.
func (hc *HealthChecker) systemDetails() map[string]any {
	details := make(map[string]any, 2)

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		hc.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else if len(cpuPercent) > 0 {
		details["cpu_percent"] = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		hc.log.Warn().Err(err).Msg("Failed to get memory statistics")
	} else {
		details["memory_percent"] = memStat.UsedPercent
	}

	return details
}

// HandleHealth handles GET /health. Degraded dependencies turn the
// response into a 503 so probes fail loudly.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.health.Report(r.Context())

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
