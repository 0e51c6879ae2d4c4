// Package proxy forwards matched requests to upstream services and keeps
// track of their health.
package proxy

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/apigate/internal/byservice"
	"github.com/wudi/apigate/internal/config"
	"github.com/wudi/apigate/internal/errors"
	"github.com/wudi/apigate/internal/health"
	"github.com/wudi/apigate/internal/metrics"
	"github.com/wudi/apigate/internal/middleware"
	"github.com/wudi/apigate/internal/reqctx"
	"github.com/wudi/apigate/internal/router"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// service is the per-service state owned by the Manager.
type service struct {
	name     string
	spec     config.ServiceSpec
	health   *health.ServiceHealth
	upstream *Upstream // nil until initialized
	initErr  error
}

// Manager owns one Upstream per service, the route tables and the health
// check loops.
type Manager struct {
	rm       *config.RouteMap
	router   *router.Router
	pool     *TransportPool
	prober   *health.Prober
	services *byservice.Manager[*service]
	logger   *zap.Logger
	metrics  *metrics.Collector
	hc       config.HealthCheckConfig

	checks singleflight.Group

	notFound    atomic.Int64
	unavailable atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for upstream failures and health transitions.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithTransport replaces the pooled transport used for every service and
// for health probes. Per-service transport settings are ignored.
func WithTransport(rt http.RoundTripper) Option {
	return func(m *Manager) {
		if rt != nil {
			m.pool = NewTransportPoolWithDefault(rt)
		}
	}
}

// NewManager creates a Manager for rm. Every service starts uninitialized.
// Route tables that fail to compile are reported; the routes that did
// compile remain usable.
func NewManager(rm *config.RouteMap, opts ...Option) (*Manager, error) {
	m := &Manager{
		rm:       rm,
		services: byservice.New[*service](),
		logger:   zap.NewNop(),
		hc:       rm.HealthCheck,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pool == nil {
		m.pool = NewTransportPool(rm.Transport)
		for _, name := range rm.ServiceNames() {
			if o := rm.Services[name].Transport; o != nil {
				m.pool.Set(name, NewTransport(o.Inherit(rm.Transport)))
			}
		}
	}
	m.prober = health.NewProber(m.pool.Get(""), m.hc.Timeout)

	rt, err := router.New(rm.Routes)
	m.router = rt

	for _, name := range rm.ServiceNames() {
		m.services.Add(name, &service{
			name:   name,
			spec:   rm.Services[name],
			health: health.NewServiceHealth(name, m.hc.UnreachableAfter, m.onHealthChange),
		})
		m.metrics.SetHealthState(name, string(health.StateUninitialized))
	}
	return m, err
}

func (m *Manager) onHealthChange(name string, from, to health.State) {
	m.metrics.SetHealthState(name, string(to))
	fields := []zap.Field{
		zap.String("event", "service_health_changed"),
		zap.String("service", name),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}
	if to == health.StateUnreachable || to == health.StateDegraded {
		m.logger.Warn("service health changed", fields...)
		return
	}
	m.logger.Info("service health changed", fields...)
}

// InitializeProxies builds one Upstream per service. A service that fails
// stays uninitialized and answers 503; the others are unaffected. The
// returned error joins every failure.
func (m *Manager) InitializeProxies(ctx context.Context) error {
	var errs []error
	m.services.Range(func(name string, s *service) bool {
		if ctx.Err() != nil {
			s.initErr = ctx.Err()
			errs = append(errs, ctx.Err())
			return true
		}
		if s.upstream != nil {
			return true
		}
		u, err := NewUpstream(name, s.spec, m.pool.Get(name), s.health)
		if err != nil {
			s.initErr = err
			errs = append(errs, err)
			m.logger.Error("service initialization failed",
				zap.String("service", name),
				zap.Error(err),
			)
			return true
		}
		u.logger = m.logger
		u.metrics = m.metrics
		s.upstream = u
		s.initErr = nil
		s.health.MarkReady()
		return true
	})
	return stderrors.Join(errs...)
}

// InitErrors returns the services that failed to initialize.
func (m *Manager) InitErrors() map[string]error {
	out := make(map[string]error)
	m.services.Range(func(name string, s *service) bool {
		if s.initErr != nil {
			out[name] = s.initErr
		}
		return true
	})
	return out
}

// Lookup returns the service a versioned request would be routed to.
func (m *Manager) Lookup(version, method, path string) (string, bool) {
	match, ok := m.router.Match(version, method, path)
	if !ok {
		return "", false
	}
	return match.Route.Service, true
}

// Router returns the compiled route tables.
func (m *Manager) Router() *router.Router {
	return m.router
}

// Middleware returns the dynamic proxy stage. It is terminal: the request
// either reaches an upstream or is answered with 404 or 503 here.
func (m *Manager) Middleware() middleware.Middleware {
	return func(http.Handler) http.Handler {
		return m.Handler()
	}
}

// Handler returns the dynamic proxy as a plain handler.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, rc := reqctx.Ensure(r)

		if rc.TargetService == "" {
			path := rc.Path
			if path == "" {
				path = r.URL.Path
			}
			match, ok := m.router.Match(rc.ResolvedVersion, r.Method, path)
			if !ok {
				m.notFound.Add(1)
				m.metrics.RecordRejection("proxy", http.StatusNotFound)
				errors.ErrNotFound.
					WithRequest(r.Method, rc.OriginalPath).
					WithVersion(rc.ResolvedVersion).
					WithRequestID(rc.RequestID).
					WithDetails("no route for " + r.Method + " " + path).
					WriteJSON(w)
				return
			}
			rc.MatchedRoute = match.Route.Pattern
			rc.TargetService = match.Route.Service
			rc.PathParams = match.Params
		}

		s, ok := m.services.Get(rc.TargetService)
		if !ok || s.upstream == nil || !s.health.Available() {
			m.unavailable.Add(1)
			m.metrics.RecordUpstreamError(rc.TargetService, "unavailable")
			m.metrics.RecordRequest(rc.TargetService, rc.ResolvedVersion, http.StatusServiceUnavailable)
			details := "service is unreachable"
			if ok && s.upstream == nil {
				details = "service is not initialized"
			}
			errors.ErrServiceUnavailable.
				WithRequest(r.Method, rc.OriginalPath).
				WithVersion(rc.ResolvedVersion).
				WithService(rc.TargetService).
				WithRequestID(rc.RequestID).
				WithDetails(details).
				WriteJSON(w)
			return
		}

		s.upstream.ServeHTTP(w, r)
	})
}

// PerformHealthChecks probes every service once, concurrently, and returns
// whether each one answered 2xx. Concurrent callers share one round of
// probes. Uninitialized services are reported unhealthy without a probe.
func (m *Manager) PerformHealthChecks(ctx context.Context) map[string]bool {
	v, _, _ := m.checks.Do("all", func() (any, error) {
		return m.checkAll(ctx), nil
	})
	src := v.(map[string]bool)
	out := make(map[string]bool, len(src))
	for k, ok := range src {
		out[k] = ok
	}
	return out
}

func (m *Manager) checkAll(ctx context.Context) map[string]bool {
	names := m.services.Names()
	results := make([]bool, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		s, _ := m.services.Get(name)
		if s.upstream == nil {
			continue
		}
		i := i
		g.Go(func() error {
			results[i] = m.checkService(gctx, s)
			return nil
		})
	}
	g.Wait()

	out := make(map[string]bool, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out
}

func (m *Manager) checkService(ctx context.Context, s *service) bool {
	res := m.prober.Probe(ctx, s.spec.BaseURL, s.spec.HealthPath)
	if ctx.Err() != nil && !res.Healthy {
		return false
	}
	res.Apply(s.health)
	m.metrics.RecordHealthCheck(s.name, res.Healthy)
	if !res.Healthy {
		m.logger.Debug("health check failed",
			zap.String("service", s.name),
			zap.Duration("latency", res.Latency),
			zap.Error(res.Err),
		)
	}
	return res.Healthy
}

// Start launches one check loop per initialized service. Reachable
// services are probed every interval; unreachable ones on an exponential
// backoff. Start after Stop does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil || m.stopped {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.services.Range(func(_ string, s *service) bool {
		if s.upstream == nil {
			return true
		}
		m.wg.Add(1)
		go m.checkLoop(ctx, s)
		return true
	})
}

func (m *Manager) checkLoop(ctx context.Context, s *service) {
	defer m.wg.Done()
	sched := health.NewSchedule(m.hc.Interval, m.hc.MaxBackoff)
	for {
		m.checkService(ctx, s)

		timer := time.NewTimer(sched.Next(s.health.State()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Stop ends the check loops and waits for them. It is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// CloseIdleConnections releases pooled upstream connections. In-flight
// requests are not affected.
func (m *Manager) CloseIdleConnections() {
	m.pool.CloseIdleConnections()
}

// Snapshots returns the health of every service in name order.
func (m *Manager) Snapshots() []health.Snapshot {
	out := make([]health.Snapshot, 0, m.services.Len())
	m.services.Range(func(_ string, s *service) bool {
		out = append(out, s.health.Snapshot())
		return true
	})
	return out
}

// ServiceStats is the per-service part of Stats.
type ServiceStats struct {
	BaseURL             string       `json:"base_url"`
	State               health.State `json:"state"`
	Requests            int64        `json:"requests"`
	Errors              int64        `json:"errors"`
	LastLatencyMs       float64      `json:"last_latency_ms"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
	InitError           string       `json:"init_error,omitempty"`
}

// Stats is a snapshot of the proxy counters.
type Stats struct {
	Services    map[string]ServiceStats `json:"services"`
	NotFound    int64                   `json:"not_found"`
	Unavailable int64                   `json:"unavailable"`
}

// Stats returns per-service request counts, error counts and health.
func (m *Manager) Stats() Stats {
	st := Stats{
		Services:    make(map[string]ServiceStats, m.services.Len()),
		NotFound:    m.notFound.Load(),
		Unavailable: m.unavailable.Load(),
	}
	m.services.Range(func(name string, s *service) bool {
		snap := s.health.Snapshot()
		ss := ServiceStats{
			BaseURL:             s.spec.BaseURL,
			State:               snap.State,
			ConsecutiveFailures: snap.ConsecutiveFailures,
			LastError:           snap.LastError,
		}
		if s.upstream != nil {
			ss.Requests = s.upstream.Requests()
			ss.Errors = s.upstream.Errors()
			ss.LastLatencyMs = float64(s.upstream.LastLatency()) / float64(time.Millisecond)
		}
		if s.initErr != nil {
			ss.InitError = s.initErr.Error()
		}
		st.Services[name] = ss
		return true
	})
	return st
}
