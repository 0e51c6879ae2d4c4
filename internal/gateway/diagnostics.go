package gateway

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/wudi/apigate/internal/config"
	"github.com/wudi/apigate/internal/errors"
	"github.com/wudi/apigate/internal/middleware"
	"github.com/wudi/apigate/internal/middleware/debug"
	"github.com/wudi/apigate/internal/middleware/static"
	"github.com/wudi/apigate/internal/reqctx"
)

// diagnostics serves the gateway's own endpoints under the diagnostics
// prefix. Nothing below the prefix ever reaches a static route or a
// service.
type diagnostics struct {
	g      *Gateway
	prefix string
	routes map[string]http.Handler // sub-path → handler
	debug  *debug.Handler          // nil unless debugging is on
	served atomic.Int64
}

func newDiagnostics(g *Gateway, debugOn bool) *diagnostics {
	d := &diagnostics{
		g:      g,
		prefix: strings.TrimRight(g.rm.Diagnostics.Prefix, "/"),
	}
	d.routes = map[string]http.Handler{
		"health":   http.HandlerFunc(d.handleHealth),
		"stats":    http.HandlerFunc(d.handleStats),
		"versions": http.HandlerFunc(d.handleVersions),
		"metrics":  g.metrics.Handler(),
		"routes":   http.HandlerFunc(d.handleRoutes),
	}
	if debugOn {
		d.debug = debug.New(d.prefix + "/debug")
	}
	return d
}

// tagHandlers returns the handlers static routes can point at.
func (d *diagnostics) tagHandlers() map[string]http.Handler {
	return map[string]http.Handler{
		config.TagHealth:   d.routes["health"],
		config.TagStats:    d.routes["stats"],
		config.TagVersions: d.routes["versions"],
		config.TagMetrics:  d.routes["metrics"],
		config.TagRoutes:   d.routes["routes"],
		config.TagPing:     static.Ping(),
	}
}

// endpoints lists the mounted paths.
func (d *diagnostics) endpoints() []string {
	out := make([]string, 0, len(d.routes)+2)
	for sub := range d.routes {
		out = append(out, d.prefix+"/"+sub)
	}
	if d.debug != nil {
		out = append(out, d.debug.Path()+"/request", d.debug.Path()+"/runtime")
	}
	sort.Strings(out)
	return out
}

func (d *diagnostics) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if d.prefix == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, rc := reqctx.Ensure(r)
			path := rc.OriginalPath
			if !underPrefix(path, d.prefix) {
				next.ServeHTTP(w, r)
				return
			}
			rc.MatchedRoute = "diagnostics " + path
			d.served.Add(1)

			if d.debug != nil && d.debug.Matches(path) {
				d.debug.ServeHTTP(w, r)
				return
			}

			h, ok := d.routes[strings.TrimPrefix(path, d.prefix+"/")]
			if !ok {
				errors.ErrNotFound.
					WithRequest(r.Method, path).
					WithRequestID(rc.RequestID).
					WithDetails("unknown diagnostics endpoint").
					WriteJSON(w)
				return
			}
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				w.Header().Set("Allow", "GET, HEAD")
				errors.ErrMethodNotAllowed.
					WithRequest(r.Method, path).
					WithRequestID(rc.RequestID).
					WriteJSON(w)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (d *diagnostics) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := d.g.HealthCheck(r.Context())
	writeJSON(w, report.HTTPStatus(), report)
}

func (d *diagnostics) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.g.Stats())
}

func (d *diagnostics) handleVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.g.versions.AllVersionsInfo())
}

type routeInfo struct {
	Pattern string `json:"pattern"`
	Method  string `json:"method,omitempty"`
	Path    string `json:"path"`
	Service string `json:"service"`
}

type legacyInfo struct {
	Path       string `json:"path"`
	Target     string `json:"target"`
	StatusCode int    `json:"status_code,omitempty"`
	Service    string `json:"service,omitempty"`
}

type routesResponse struct {
	Prefix      string                 `json:"prefix"`
	Versions    map[string][]routeInfo `json:"versions"`
	Legacy      []legacyInfo           `json:"legacy"`
	Static      map[string]string      `json:"static"`
	Diagnostics []string               `json:"diagnostics"`
}

func (d *diagnostics) handleRoutes(w http.ResponseWriter, r *http.Request) {
	rm := d.g.rm
	resp := routesResponse{
		Prefix:      rm.API.Prefix,
		Versions:    make(map[string][]routeInfo, len(rm.Versions)),
		Legacy:      make([]legacyInfo, 0, len(rm.Legacy)),
		Static:      rm.Static,
		Diagnostics: d.endpoints(),
	}
	rt := d.g.proxies.Router()
	for _, v := range rm.Versions {
		routes := rt.Table(v).Routes()
		infos := make([]routeInfo, 0, len(routes))
		for _, route := range routes {
			infos = append(infos, routeInfo{
				Pattern: route.Pattern,
				Method:  route.Method,
				Path:    route.Path,
				Service: route.Service,
			})
		}
		resp.Versions[v] = infos
	}
	for p, rule := range rm.Legacy {
		resp.Legacy = append(resp.Legacy, legacyInfo{
			Path:       p,
			Target:     rule.Target,
			StatusCode: rule.StatusCode,
			Service:    rule.Service,
		})
	}
	sort.Slice(resp.Legacy, func(i, j int) bool { return resp.Legacy[i].Path < resp.Legacy[j].Path })
	if resp.Static == nil {
		resp.Static = map[string]string{}
	}
	writeJSON(w, http.StatusOK, resp)
}
