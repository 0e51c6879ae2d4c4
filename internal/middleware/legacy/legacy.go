// Package legacy serves old paths, either by redirecting the client or by
// aliasing the request onto a service path without a round trip.
package legacy

import (
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/wudi/apigate/internal/config"
	"github.com/wudi/apigate/internal/middleware"
	"github.com/wudi/apigate/internal/reqctx"
)

// rule is one compiled legacy entry.
type rule struct {
	path    string
	base    string // path without the trailing "/*" for prefix rules
	target  string // target without the trailing "/*" for prefix rules
	prefix  bool
	status  int
	service string
}

func (r *rule) rewrite(path string) (string, bool) {
	if !r.prefix {
		if path == r.path {
			return r.target, true
		}
		return "", false
	}
	if path == r.base {
		return r.target, true
	}
	if strings.HasPrefix(path, r.base+"/") {
		return r.target + path[len(r.base):], true
	}
	return "", false
}

// Redirector holds the compiled legacy rules of a RouteMap.
type Redirector struct {
	exact    map[string]*rule
	prefixes []*rule // longest base first
	static   map[string]bool

	redirects atomic.Int64
	aliases   atomic.Int64
}

// Stats reports legacy stage counters.
type Stats struct {
	Rules     int   `json:"rules"`
	Redirects int64 `json:"redirects"`
	Aliases   int64 `json:"aliases"`
}

// New compiles the legacy rules of rm. Paths that are also static routes
// are left to the static stage.
func New(rm *config.RouteMap) *Redirector {
	lr := &Redirector{
		exact:  make(map[string]*rule, len(rm.Legacy)),
		static: make(map[string]bool, len(rm.Static)),
	}
	for p := range rm.Static {
		lr.static[p] = true
	}
	for p, lc := range rm.Legacy {
		status := lc.StatusCode
		if status == 0 {
			status = http.StatusMovedPermanently
		}
		ru := &rule{path: p, target: lc.Target, status: status, service: lc.Service}
		if config.IsPrefixPath(p) {
			ru.prefix = true
			ru.base = strings.TrimSuffix(p, "/*")
			ru.target = strings.TrimSuffix(lc.Target, "/*")
			lr.prefixes = append(lr.prefixes, ru)
			continue
		}
		lr.exact[p] = ru
	}
	sort.Slice(lr.prefixes, func(i, j int) bool {
		if len(lr.prefixes[i].base) != len(lr.prefixes[j].base) {
			return len(lr.prefixes[i].base) > len(lr.prefixes[j].base)
		}
		return lr.prefixes[i].base < lr.prefixes[j].base
	})
	return lr
}

func (lr *Redirector) lookup(path string) (*rule, string, bool) {
	if lr.static[path] {
		return nil, "", false
	}
	if ru, ok := lr.exact[path]; ok {
		return ru, ru.target, true
	}
	for _, ru := range lr.prefixes {
		if target, ok := ru.rewrite(path); ok {
			return ru, target, true
		}
	}
	return nil, "", false
}

// Matches reports whether path is handled by a legacy rule.
func (lr *Redirector) Matches(path string) bool {
	_, _, ok := lr.lookup(path)
	return ok
}

// Middleware returns the legacy stage. Redirect rules answer with the
// rule's status and keep the query string. Alias rules point the request
// at the rule's service and target path and let the proxy forward it.
func (lr *Redirector) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if len(lr.exact) == 0 && len(lr.prefixes) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, rc := reqctx.Ensure(r)
			ru, target, ok := lr.lookup(rc.OriginalPath)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if ru.service == "" {
				lr.redirects.Add(1)
				rc.MatchedRoute = "legacy " + ru.path
				loc := target
				if r.URL.RawQuery != "" {
					loc += "?" + r.URL.RawQuery
				}
				http.Redirect(w, r, loc, ru.status)
				return
			}

			lr.aliases.Add(1)
			rc.MatchedRoute = "legacy " + ru.path
			rc.TargetService = ru.service
			rc.Path = target
			r.URL.Path = target
			r.URL.RawPath = ""
			next.ServeHTTP(w, r)
		})
	}
}

// Stats returns the stage counters.
func (lr *Redirector) Stats() Stats {
	return Stats{
		Rules:     len(lr.exact) + len(lr.prefixes),
		Redirects: lr.redirects.Load(),
		Aliases:   lr.aliases.Load(),
	}
}
