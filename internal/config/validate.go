package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"sort"
	"strings"

	"github.com/wudi/apigate/internal/router"
)

// ValidationResult lists every structural problem found in a RouteMap.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Validate checks the RouteMap and returns every problem found, one
// message per defect. It never panics.
func (rm *RouteMap) Validate() (res ValidationResult) {
	v := &validator{rm: rm}
	defer func() {
		if r := recover(); r != nil {
			v.addf("internal validation error: %v", r)
		}
		res = ValidationResult{Valid: len(v.errs) == 0, Errors: v.errs}
		if res.Errors == nil {
			res.Errors = []string{}
		}
	}()

	v.versions()
	v.services()
	v.routes()
	v.legacy()
	v.static()
	v.api()
	v.rateLimit()
	v.healthCheck()
	v.server()
	return
}

type validator struct {
	rm   *RouteMap
	errs []string
}

func (v *validator) addf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Sprintf(format, args...))
}

func (v *validator) versions() {
	if len(v.rm.Versions) == 0 {
		v.addf("versions: at least one API version is required")
		return
	}
	seen := make(map[string]bool, len(v.rm.Versions))
	for i, ver := range v.rm.Versions {
		switch {
		case strings.TrimSpace(ver) == "":
			v.addf("versions[%d]: version id must not be empty", i)
		case seen[ver]:
			v.addf("versions: duplicate version %q", ver)
		}
		seen[ver] = true
	}
}

func (v *validator) services() {
	for _, name := range v.rm.ServiceNames() {
		svc := v.rm.Services[name]
		if strings.TrimSpace(name) == "" {
			v.addf("services: service name must not be empty")
			continue
		}
		if !validBaseURL(svc.BaseURL) {
			v.addf("service %q: base_url %q must be an absolute http or https URL", name, svc.BaseURL)
		}
		if svc.TimeoutMs < 0 {
			v.addf("service %q: timeout_ms must not be negative", name)
		}
		if svc.HealthPath != "" && !strings.HasPrefix(svc.HealthPath, "/") {
			v.addf("service %q: health_path %q must start with /", name, svc.HealthPath)
		}
	}
}

func validBaseURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (v *validator) routes() {
	versions := make([]string, 0, len(v.rm.Routes))
	for ver := range v.rm.Routes {
		versions = append(versions, ver)
	}
	sort.Strings(versions)

	for _, ver := range versions {
		table := v.rm.Routes[ver]
		if len(v.rm.Versions) > 0 && !v.rm.HasVersion(ver) {
			v.addf("routes: version %q is not declared in versions", ver)
		}

		patterns := make([]string, 0, len(table))
		for p := range table {
			patterns = append(patterns, p)
		}
		sort.Strings(patterns)
		for _, p := range patterns {
			if _, ok := v.rm.Services[table[p]]; !ok {
				v.addf("routes[%s][%s]: unknown service %q", ver, p, table[p])
			}
		}

		tbl, errs := router.Compile(table)
		for _, err := range errs {
			v.addf("routes[%s]: %v", ver, err)
		}
		for _, err := range tbl.ServiceConflicts() {
			v.addf("routes[%s]: %v", ver, err)
		}
	}
}

func (v *validator) legacy() {
	paths := make([]string, 0, len(v.rm.Legacy))
	for p := range v.rm.Legacy {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		rule := v.rm.Legacy[p]
		if !strings.HasPrefix(p, "/") {
			v.addf("legacy[%s]: path must start with /", p)
		}
		if rule.Target == "" {
			v.addf("legacy[%s]: target is required", p)
		} else if IsPrefixPath(p) != strings.HasSuffix(rule.Target, "/*") {
			v.addf("legacy[%s]: prefix rules need a target ending in /* and vice versa", p)
		}
		if rule.Service != "" {
			if _, ok := v.rm.Services[rule.Service]; !ok {
				v.addf("legacy[%s]: unknown service %q", p, rule.Service)
			}
			continue
		}
		if rule.StatusCode != 0 && (rule.StatusCode < 300 || rule.StatusCode > 308) {
			v.addf("legacy[%s]: status_code %d is not a redirect status", p, rule.StatusCode)
		}
	}
}

func (v *validator) static() {
	known := make(map[string]bool, len(KnownStaticTags))
	for _, t := range KnownStaticTags {
		known[t] = true
	}

	paths := make([]string, 0, len(v.rm.Static))
	for p := range v.rm.Static {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if !strings.HasPrefix(p, "/") {
			v.addf("static[%s]: path must start with /", p)
		}
		if !known[v.rm.Static[p]] {
			v.addf("static[%s]: unknown handler tag %q", p, v.rm.Static[p])
		}
	}
}

func (v *validator) api() {
	if d := v.rm.API.DefaultVersion; d != "" && !v.rm.HasVersion(d) {
		v.addf("api.default_version %q is not declared in versions", d)
	}
	if c := v.rm.API.CurrentVersion; c != "" && !v.rm.HasVersion(c) {
		v.addf("api.current_version %q is not declared in versions", c)
	}
	if p := v.rm.API.Prefix; p != "" && (!strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/")) {
		v.addf("api.prefix %q must start with / and must not end with /", p)
	}

	versions := make([]string, 0, len(v.rm.VersionInfo))
	for ver := range v.rm.VersionInfo {
		versions = append(versions, ver)
	}
	sort.Strings(versions)
	for _, ver := range versions {
		if len(v.rm.Versions) > 0 && !v.rm.HasVersion(ver) {
			v.addf("version_info: version %q is not declared in versions", ver)
		}
	}
}

func (v *validator) rateLimit() {
	rl := v.rm.RateLimit
	if !rl.Enabled {
		return
	}
	switch rl.Backend {
	case "", "local":
	case "redis":
		if rl.Redis.Address == "" {
			v.addf("rate_limit.redis.address is required for the redis backend")
		}
	default:
		v.addf("rate_limit.backend %q must be local or redis", rl.Backend)
	}
	if rl.Rate < 0 || rl.Burst < 0 || rl.Period < 0 {
		v.addf("rate_limit: rate, burst and period must not be negative")
	}
	if rl.Key != "" && rl.Key != "ip" && !strings.HasPrefix(rl.Key, "header:") {
		v.addf("rate_limit.key %q must be ip or header:<name>", rl.Key)
	}
}

func (v *validator) healthCheck() {
	if v.rm.HealthCheck.UnreachableAfter < 0 {
		v.addf("health_check.unreachable_after must not be negative")
	}
}

func (v *validator) server() {
	for i, p := range v.rm.Server.TrustedProxies {
		p = strings.TrimSpace(p)
		var err error
		if strings.Contains(p, "/") {
			_, err = netip.ParsePrefix(p)
		} else {
			_, err = netip.ParseAddr(p)
		}
		if err != nil {
			v.addf("server.trusted_proxies[%d]: %q is not an IP or CIDR", i, p)
		}
	}
}
