// Package gateway wires the RouteMap components into a running gateway:
// it validates the map, builds the components in order, assembles the
// request pipeline and exposes the lifecycle operations.
package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/apigate/internal/config"
	"github.com/wudi/apigate/internal/errors"
	"github.com/wudi/apigate/internal/logging"
	"github.com/wudi/apigate/internal/metrics"
	"github.com/wudi/apigate/internal/middleware/cors"
	"github.com/wudi/apigate/internal/middleware/legacy"
	"github.com/wudi/apigate/internal/middleware/ratelimit"
	"github.com/wudi/apigate/internal/middleware/realip"
	"github.com/wudi/apigate/internal/proxy"
	"github.com/wudi/apigate/internal/version"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Gateway.
type State string

const (
	StateCreated      State = "created"
	StateValidating   State = "validating"
	StateFailed       State = "failed"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateShutDown     State = "shut_down"
)

// ErrNotReady is returned by operations that need an initialized gateway.
var ErrNotReady = stderrors.New("gateway is not initialized")

// Gateway is the routing gateway for one RouteMap.
type Gateway struct {
	rm *config.RouteMap

	// set by options
	logger    *zap.Logger
	transport http.RoundTripper
	limiter   ratelimit.Limiter
	getenv    func(string) string

	mu      sync.Mutex
	state   State
	initErr error
	started time.Time

	routeLogger *logging.RouteLogger
	versions    *version.Resolver
	proxies     *proxy.Manager
	metrics     *metrics.Collector
	legacy      *legacy.Redirector
	cors        *cors.Policies
	realIP      *realip.Resolver

	pipelineOnce sync.Once
	pipeline     *pipeline
	pipelineErr  error

	shutdownOnce sync.Once
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger makes the gateway log to l instead of building a logger
// from the RouteMap's logging section.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithTransport sends every upstream request and health probe through rt.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) { g.transport = rt }
}

// WithLimiter replaces the limiter built from the rate_limit section.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithGetenv replaces os.Getenv for the debug toggles.
func WithGetenv(fn func(string) string) Option {
	return func(g *Gateway) { g.getenv = fn }
}

// New creates a gateway for rm and fills in its defaults. Nothing is
// validated or built until Initialize.
func New(rm *config.RouteMap, opts ...Option) *Gateway {
	rm.ApplyDefaults()
	g := &Gateway{rm: rm, state: StateCreated}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State returns the lifecycle state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// RouteMap returns the RouteMap the gateway was created with.
func (g *Gateway) RouteMap() *config.RouteMap {
	return g.rm
}

// Initialize validates the RouteMap and builds the components: the
// RouteLogger, the VersionResolver and the ProxyManager, in that order.
// Upstreams are initialized last. An invalid RouteMap is fatal and the
// returned error is a *errors.ConfigError. Calling Initialize again
// returns the first outcome.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateReady:
		return nil
	case StateFailed:
		return g.initErr
	case StateShutDown:
		return ErrNotReady
	}

	g.state = StateValidating
	if res := g.rm.Validate(); !res.Valid {
		return g.fail(errors.NewConfigError(res.Errors))
	}

	g.state = StateInitializing
	if err := g.initLogger(); err != nil {
		return g.fail(fmt.Errorf("route logger: %w", err))
	}
	logger := g.routeLogger.Logger()
	g.metrics = metrics.NewCollector()

	rip, err := realip.New(g.rm.Server.TrustedProxies)
	if err != nil {
		return g.fail(fmt.Errorf("trusted proxies: %w", err))
	}
	g.realIP = rip

	g.legacy = legacy.New(g.rm)
	g.versions = version.New(g.rm, g.versionExempt)

	opts := []proxy.Option{proxy.WithLogger(logger), proxy.WithMetrics(g.metrics)}
	if g.transport != nil {
		opts = append(opts, proxy.WithTransport(g.transport))
	}
	pm, err := proxy.NewManager(g.rm, opts...)
	if err != nil {
		return g.fail(fmt.Errorf("proxy manager: %w", err))
	}
	g.proxies = pm
	g.cors = cors.NewPolicies(g.rm)

	if g.limiter == nil {
		lim, err := ratelimit.New(g.rm.RateLimit)
		if err != nil {
			return g.fail(fmt.Errorf("rate limiter: %w", err))
		}
		g.limiter = lim
	}

	if err := g.proxies.InitializeProxies(ctx); err != nil {
		logger.Warn("some services failed to initialize", zap.Error(err))
	}

	if !g.rm.HealthCheck.Disabled {
		g.proxies.Start(context.Background())
	}

	g.started = time.Now()
	g.state = StateReady
	sum := g.rm.Summary()
	g.routeLogger.LogEvent("system_initialized",
		zap.Int("services", sum.Services),
		zap.Int("routes", sum.Routes),
		zap.Strings("versions", g.rm.Versions),
		zap.Int("legacy", sum.Legacy),
		zap.Int("static", sum.Static),
		zap.Int("failed_services", len(g.proxies.InitErrors())),
		zap.Bool("rate_limit", g.limiter != nil),
	)
	return nil
}

func (g *Gateway) fail(err error) error {
	g.state = StateFailed
	g.initErr = err
	if g.routeLogger != nil {
		g.routeLogger.LogEvent("system_initialization_failed", zap.Error(err))
		g.routeLogger.Close()
	}
	return err
}

func (g *Gateway) initLogger() error {
	if g.logger != nil {
		g.routeLogger = logging.NewRouteLoggerWithLogger(g.logger)
		return nil
	}
	lc := g.rm.Logging
	rl, err := logging.NewRouteLogger(logging.Options{
		Enabled:       lc.Enabled,
		Level:         lc.Level,
		Console:       lc.Console,
		File:          lc.LogFile,
		MaxSizeMB:     lc.MaxSizeMB,
		MaxBackups:    lc.MaxBackups,
		MaxAgeDays:    lc.MaxAgeDays,
		Compress:      lc.Compress,
		BufferSize:    lc.BufferSize,
		FlushInterval: lc.FlushInterval,
	})
	if err != nil {
		return err
	}
	g.routeLogger = rl
	logging.SetGlobal(rl.Logger())
	return nil
}

// ready returns nil when the gateway can serve.
func (g *Gateway) ready() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateReady {
		return fmt.Errorf("%w (state %s)", ErrNotReady, g.state)
	}
	return nil
}

// Shutdown logs system_shutdown, stops the health checks and releases idle
// upstream connections, the rate limiter and the log sinks. In-flight
// requests are left to finish. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.shutdownOnce.Do(func() {
		g.mu.Lock()
		prev := g.state
		g.state = StateShutDown
		g.mu.Unlock()

		if prev != StateReady {
			return
		}

		g.routeLogger.LogEvent("system_shutdown",
			zap.Duration("uptime", time.Since(g.started)),
			zap.Int64("requests", g.routeLogger.Stats().RequestCount),
		)

		done := make(chan struct{})
		go func() {
			g.proxies.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		g.proxies.CloseIdleConnections()
		if g.limiter != nil {
			if cerr := g.limiter.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		g.routeLogger.Close()
	})
	return err
}
