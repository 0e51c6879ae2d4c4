package gateway

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/wudi/apigate/internal/errors"
	"github.com/wudi/apigate/internal/middleware"
	"github.com/wudi/apigate/internal/middleware/ratelimit"
	"github.com/wudi/apigate/internal/middleware/static"
	"github.com/wudi/apigate/internal/reqctx"
	"go.uber.org/zap"
)

// Environment toggles, read once when the pipeline is assembled.
const (
	EnvDebug     = "APIGATE_DEBUG"
	EnvDebugBody = "APIGATE_DEBUG_BODY"
)

// bodyPreviewBytes bounds the body preview logged by the body debug stage.
const bodyPreviewBytes = 512

// Stage names in pipeline order.
const (
	StageRawBody     = "raw_body"
	StageLogging     = "request_logging"
	StageShape       = "shape_validation"
	StageCORS        = "cors"
	StageBodyParse   = "body_parsing"
	StageBodyDebug   = "body_debug"
	StageRateLimit   = "rate_limit"
	StageVersion     = "version_resolution"
	StageLegacy      = "legacy"
	StageDiagnostics = "diagnostics"
	StageStatic      = "static"
	StageProxy       = "proxy"
)

type pipeline struct {
	handler     http.Handler
	stages      []string
	diagnostics *diagnostics
	static      *static.Routes
	debug       bool
	debugBody   bool
}

// ConfigurePipeline installs the request pipeline as srv's handler.
func (g *Gateway) ConfigurePipeline(srv *http.Server) error {
	p, err := g.assemble()
	if err != nil {
		return err
	}
	srv.Handler = p.handler
	return nil
}

// Handler returns the request pipeline. Before Initialize succeeds every
// request is answered with 503.
func (g *Gateway) Handler() http.Handler {
	p, err := g.assemble()
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			errors.ErrServiceUnavailable.
				WithRequest(r.Method, r.URL.Path).
				WithDetails(err.Error()).
				WriteJSON(w)
		})
	}
	return p.handler
}

// PipelineStages returns the installed stage names in execution order.
func (g *Gateway) PipelineStages() []string {
	p, err := g.assemble()
	if err != nil {
		return nil
	}
	return append([]string(nil), p.stages...)
}

func (g *Gateway) assemble() (*pipeline, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	g.pipelineOnce.Do(func() {
		g.pipeline, g.pipelineErr = g.buildPipeline()
	})
	return g.pipeline, g.pipelineErr
}

func (g *Gateway) buildPipeline() (*pipeline, error) {
	getenv := g.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	p := &pipeline{
		debug:     envBool(getenv(EnvDebug)),
		debugBody: envBool(getenv(EnvDebugBody)),
	}
	logger := g.routeLogger.Logger()

	p.diagnostics = newDiagnostics(g, p.debug)
	st, err := static.New(g.rm.Static, p.diagnostics.tagHandlers())
	if err != nil {
		return nil, err
	}
	p.static = st

	b := middleware.NewBuilder().
		Use(StageRawBody, middleware.Compose(
			middleware.RawBody(g.rm.Server.MaxBodyBytes),
			g.realIP.Middleware(),
		)).
		Use(StageLogging, middleware.Compose(
			middleware.RequestID(),
			g.routeLogger.Middleware(),
			middleware.RecoveryWithLogger(logger),
		)).
		Use(StageShape, middleware.ValidateShape()).
		Use(StageCORS, g.cors.Middleware(g.lookupService)).
		Use(StageBodyParse, middleware.ParseBody()).
		UseIf(p.debugBody, StageBodyDebug, middleware.BodyDebug(logger, bodyPreviewBytes)).
		Use(StageRateLimit, ratelimit.Middleware(g.limiter, ratelimit.BuildKeyFunc(g.rm.RateLimit.Key), g.onRateLimited)).
		Use(StageVersion, g.versions.Middleware()).
		Use(StageLegacy, g.legacy.Middleware()).
		Use(StageDiagnostics, p.diagnostics.Middleware()).
		Use(StageStatic, st.Middleware()).
		Use(StageProxy, g.proxies.Middleware())

	p.handler = b.Handler(nil)
	p.stages = b.Names()
	return p, nil
}

// lookupService peeks at the service a request would reach, without
// touching the request context. Used by the CORS stage, which runs
// before version resolution.
func (g *Gateway) lookupService(r *http.Request, method string) (string, bool) {
	res, gerr := g.versions.Resolve(r)
	if gerr != nil {
		return "", false
	}
	return g.proxies.Lookup(res.Version, method, res.Path)
}

// versionExempt lists the paths the version stage leaves alone.
func (g *Gateway) versionExempt(path string) bool {
	if _, ok := g.rm.Static[path]; ok {
		return true
	}
	if g.legacy.Matches(path) {
		return true
	}
	return underPrefix(path, g.rm.Diagnostics.Prefix)
}

func (g *Gateway) onRateLimited(r *http.Request) {
	g.metrics.RecordRejection(StageRateLimit, http.StatusTooManyRequests)
	if rc := reqctx.From(r); rc != nil {
		g.routeLogger.Logger().Debug("request rate limited",
			zap.String("request_id", rc.RequestID),
			zap.String("path", rc.OriginalPath),
		)
	}
}

func underPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func envBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
