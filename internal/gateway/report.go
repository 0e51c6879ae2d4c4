package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/wudi/apigate/internal/config"
	"github.com/wudi/apigate/internal/health"
	"github.com/wudi/apigate/internal/logging"
	"github.com/wudi/apigate/internal/middleware/legacy"
	"github.com/wudi/apigate/internal/middleware/realip"
	"github.com/wudi/apigate/internal/proxy"
	"github.com/wudi/apigate/internal/version"
	"go.uber.org/zap"
)

// Health report levels.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthError     = "error"
)

// ComponentStatus reports whether a component was built.
type ComponentStatus struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// HealthReport is the aggregated gateway health.
type HealthReport struct {
	Status     string                     `json:"status"`
	State      State                      `json:"state"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentStatus `json:"components"`
	Services   map[string]health.Snapshot `json:"services"`
	Checks     map[string]bool            `json:"checks"`
	Issues     []string                   `json:"issues"`
}

// HTTPStatus is 200 for healthy and degraded reports, 503 otherwise.
func (h HealthReport) HTTPStatus() int {
	if h.Status == HealthHealthy || h.Status == HealthDegraded {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// HealthCheck probes every service once and folds the results and the
// component states into a report. It never panics; a failure while
// building the report yields status "error".
func (g *Gateway) HealthCheck(ctx context.Context) (report HealthReport) {
	report = HealthReport{
		Timestamp:  time.Now().UTC(),
		State:      g.State(),
		Components: make(map[string]ComponentStatus, 3),
		Services:   map[string]health.Snapshot{},
		Checks:     map[string]bool{},
		Issues:     []string{},
	}
	defer func() {
		if r := recover(); r != nil {
			report.Status = HealthError
			report.Issues = append(report.Issues, fmt.Sprintf("health check panicked: %v", r))
			if g.routeLogger != nil {
				g.routeLogger.Logger().Error("health check panicked", zap.Any("panic", r))
			}
		}
	}()

	g.mu.Lock()
	initErr := g.initErr
	components := map[string]bool{
		"logger":          g.routeLogger != nil,
		"versionResolver": g.versions != nil,
		"proxyManager":    g.proxies != nil,
	}
	g.mu.Unlock()

	for name, ok := range components {
		cs := ComponentStatus{Ready: ok}
		if !ok {
			cs.Error = "not initialized"
			if initErr != nil {
				cs.Error = initErr.Error()
			}
			report.Issues = append(report.Issues, name+" is not initialized")
		}
		report.Components[name] = cs
	}
	if len(report.Issues) > 0 || report.State != StateReady {
		if report.State != StateReady && len(report.Issues) == 0 {
			report.Issues = append(report.Issues, "gateway state is "+string(report.State))
		}
		sort.Strings(report.Issues)
		report.Status = HealthUnhealthy
		return report
	}

	report.Checks = g.proxies.PerformHealthChecks(ctx)
	initErrs := g.proxies.InitErrors()
	for _, snap := range g.proxies.Snapshots() {
		report.Services[snap.Service] = snap
		if err, ok := initErrs[snap.Service]; ok {
			report.Issues = append(report.Issues, fmt.Sprintf("service %s failed to initialize: %v", snap.Service, err))
			continue
		}
		if snap.State != health.StateHealthy {
			issue := fmt.Sprintf("service %s is %s", snap.Service, snap.State)
			if snap.LastError != "" {
				issue += ": " + snap.LastError
			}
			report.Issues = append(report.Issues, issue)
		}
	}

	report.Status = HealthHealthy
	if len(report.Issues) > 0 {
		sort.Strings(report.Issues)
		report.Status = HealthDegraded
	}
	return report
}

// Stats is one snapshot of every gateway counter.
type Stats struct {
	State        State                `json:"state"`
	UptimeMs     int64                `json:"uptime_ms"`
	RouteMap     config.Summary       `json:"route_map"`
	Proxy        proxy.Stats          `json:"proxy"`
	Logger       logging.Stats        `json:"logger"`
	Versions     version.VersionsInfo `json:"versions"`
	VersionStats version.Stats        `json:"version_requests"`
	Legacy       legacy.Stats         `json:"legacy"`
	ClientIP     realip.Stats         `json:"client_ip"`
	StaticServed int64                `json:"static_served"`
	Diagnostics  int64                `json:"diagnostics_served"`
	Pipeline     []string             `json:"pipeline"`
}

// Stats composes the RouteMap counts with the proxy, logger, version and
// pipeline counters. Components that are not built yet report zeros.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	st := Stats{
		State:    g.state,
		RouteMap: g.rm.Summary(),
	}
	if g.state == StateReady {
		st.UptimeMs = time.Since(g.started).Milliseconds()
	}
	routeLogger, versions, proxies, lr, rip := g.routeLogger, g.versions, g.proxies, g.legacy, g.realIP
	g.mu.Unlock()

	if routeLogger != nil {
		st.Logger = routeLogger.Stats()
	}
	if versions != nil {
		st.Versions = versions.AllVersionsInfo()
		st.VersionStats = versions.Stats()
	}
	if proxies != nil {
		st.Proxy = proxies.Stats()
	}
	if lr != nil {
		st.Legacy = lr.Stats()
	}
	if rip != nil {
		st.ClientIP = rip.Stats()
	}
	if p, err := g.assemble(); err == nil {
		st.StaticServed = p.static.Served()
		st.Diagnostics = p.diagnostics.served.Load()
		st.Pipeline = append([]string(nil), p.stages...)
	}
	return st
}
