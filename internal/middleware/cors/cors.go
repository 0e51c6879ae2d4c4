package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/wudi/apigate/internal/byservice"
	"github.com/wudi/apigate/internal/config"
	"github.com/wudi/apigate/internal/middleware"
)

// Handler applies one CORS policy.
type Handler struct {
	allowOrigins     []string
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
	allowAllOrigins  bool
}

// New creates a new CORS handler from config
func New(cfg config.CORSConfig) *Handler {
	h := &Handler{
		allowOrigins:     cfg.AllowOrigins,
		allowCredentials: cfg.AllowCredentials,
	}

	if len(cfg.AllowMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	} else {
		h.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}

	if len(cfg.AllowHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowHeaders, ", ")
	} else {
		h.allowHeaders = "Content-Type, Authorization, X-API-Version, X-Request-ID"
	}

	if len(cfg.ExposeHeaders) > 0 {
		h.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	}

	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(cfg.MaxAge)
	} else {
		h.maxAge = "86400"
	}

	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			h.allowAllOrigins = true
			break
		}
	}

	return h
}

// IsPreflight returns true if the request is a CORS preflight
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Origin") != "" && r.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight writes a 204 response with CORS headers for preflight requests
func (h *Handler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !h.isOriginAllowed(origin) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	w.Header().Set("Access-Control-Allow-Methods", h.allowMethods)
	w.Header().Set("Access-Control-Allow-Headers", h.allowHeaders)

	if h.allowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	w.Header().Set("Access-Control-Max-Age", h.maxAge)
	w.Header().Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
}

// ApplyHeaders adds CORS headers to a normal (non-preflight) response
func (h *Handler) ApplyHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !h.isOriginAllowed(origin) {
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", h.responseOrigin(origin))

	if h.allowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	if h.exposeHeaders != "" {
		w.Header().Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}

	w.Header().Add("Vary", "Origin")
}

func (h *Handler) responseOrigin(origin string) string {
	if h.allowAllOrigins && !h.allowCredentials {
		return "*"
	}
	return origin
}

func (h *Handler) isOriginAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}

	for _, allowed := range h.allowOrigins {
		if allowed == origin {
			return true
		}
		// Simple wildcard matching: *.example.com
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	return false
}

// ServiceLookup reports which service a request would be proxied to,
// using method instead of r.Method. It must not have side effects.
type ServiceLookup func(r *http.Request, method string) (service string, ok bool)

// Policies holds the CORS handler of every service that has a policy.
type Policies struct {
	byService *byservice.Manager[*Handler]
	fallback  *Handler
}

// NewPolicies builds handlers from the RouteMap's service and default
// CORS settings.
func NewPolicies(rm *config.RouteMap) *Policies {
	p := &Policies{byService: byservice.New[*Handler]()}
	if rm.CORS != nil {
		p.fallback = New(*rm.CORS)
	}
	for name, svc := range rm.Services {
		if svc.CORS != nil {
			p.byService.Add(name, New(*svc.CORS))
		}
	}
	return p
}

// For returns the policy for a service, the default policy, or nil.
func (p *Policies) For(service string) *Handler {
	if h, ok := p.byService.Get(service); ok {
		return h
	}
	return p.fallback
}

// Empty reports whether no CORS policy is configured at all.
func (p *Policies) Empty() bool {
	return p.fallback == nil && p.byService.Len() == 0
}

// Middleware resolves the target service of each request and applies its
// policy. Preflights are answered here and never reach an upstream.
func (p *Policies) Middleware(lookup ServiceLookup) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if p.Empty() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Origin") == "" {
				next.ServeHTTP(w, r)
				return
			}

			method := r.Method
			preflight := IsPreflight(r)
			if preflight {
				method = r.Header.Get("Access-Control-Request-Method")
			}

			h := p.fallback
			if service, ok := lookup(r, method); ok {
				h = p.For(service)
			}
			if h == nil {
				next.ServeHTTP(w, r)
				return
			}

			if preflight {
				h.HandlePreflight(w, r)
				return
			}
			h.ApplyHeaders(w, r)
			next.ServeHTTP(w, r)
		})
	}
}
