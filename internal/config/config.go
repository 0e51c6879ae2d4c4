package config

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RouteMap is the declarative gateway configuration. It is loaded once and
// treated as immutable after the gateway is constructed.
type RouteMap struct {
	Versions    []string                     `yaml:"versions"`
	Services    map[string]ServiceSpec       `yaml:"services"`
	Routes      map[string]map[string]string `yaml:"routes"` // version → pattern → service
	Legacy      map[string]LegacyRule        `yaml:"legacy"` // path → redirect or alias
	Static      map[string]string            `yaml:"static"` // path → handler tag
	Logging     LoggingConfig                `yaml:"logging"`
	API         APIConfig                    `yaml:"api"`
	VersionInfo map[string]VersionInfo       `yaml:"version_info"`
	Server      ServerConfig                 `yaml:"server"`
	HealthCheck HealthCheckConfig            `yaml:"health_check"`
	RateLimit   RateLimitConfig              `yaml:"rate_limit"`
	CORS        *CORSConfig                  `yaml:"cors"` // default policy for services without one
	Diagnostics DiagnosticsConfig            `yaml:"diagnostics"`
	Transport   TransportConfig              `yaml:"transport"`
}

// ServiceSpec describes one logical upstream service.
type ServiceSpec struct {
	BaseURL    string      `yaml:"base_url"`
	TimeoutMs  int         `yaml:"timeout_ms"`
	HealthPath string      `yaml:"health_path"`
	CORS       *CORSConfig `yaml:"cors"`
	// Transport overrides the shared pool settings for this service.
	// Zero fields inherit from the top-level transport section.
	Transport *TransportConfig `yaml:"transport"`
}

// Timeout returns the per-request upstream timeout.
func (s ServiceSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// LegacyRule maps an old path to a new one. Without a service it is a
// redirect; with a service the request is forwarded to Target on that
// service without a redirect. A path ending in "/*" matches by prefix and
// the rest of the path replaces the "*" in Target.
type LegacyRule struct {
	Target     string `yaml:"target"`
	StatusCode int    `yaml:"status_code"`
	Service    string `yaml:"service"`
}

// IsPrefixPath reports whether a legacy path is a prefix rule.
func IsPrefixPath(path string) bool {
	return strings.HasSuffix(path, "/*")
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Level         string        `yaml:"level"`    // debug, info, warn, error
	LogFile       string        `yaml:"log_file"` // rotated by lumberjack when set
	Console       bool          `yaml:"console"`
	MaxSizeMB     int           `yaml:"max_size_mb"`
	MaxBackups    int           `yaml:"max_backups"`
	MaxAgeDays    int           `yaml:"max_age_days"`
	Compress      bool          `yaml:"compress"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// APIConfig controls how versions are found in requests.
type APIConfig struct {
	Prefix         string `yaml:"prefix"`
	VersionHeader  string `yaml:"version_header"`
	DefaultVersion string `yaml:"default_version"`
	CurrentVersion string `yaml:"current_version"`
}

// VersionInfo is reporting data for one version.
type VersionInfo struct {
	Deprecated bool     `yaml:"deprecated"`
	Sunset     string   `yaml:"sunset"`
	Changelog  []string `yaml:"changelog"`
}

// ServerConfig defines HTTP server settings
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	// TrustedProxies lists the networks whose X-Forwarded-For and
	// X-Real-IP headers are believed. Entries are CIDRs or bare IPs.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// HealthCheckConfig defines upstream health checking
type HealthCheckConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	UnreachableAfter int           `yaml:"unreachable_after"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	Disabled         bool          `yaml:"disabled"` // no periodic checks; on-demand checks still run
}

// RateLimitConfig defines rate limiting
type RateLimitConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Backend    string        `yaml:"backend"` // local or redis
	Rate       int           `yaml:"rate"`
	Period     time.Duration `yaml:"period"`
	Burst      int           `yaml:"burst"`
	Key        string        `yaml:"key"` // "ip" or "header:<name>"
	MaxClients int           `yaml:"max_clients"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig defines the redis connection used by the distributed limiter.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// CORSConfig defines CORS settings
type CORSConfig struct {
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// DiagnosticsConfig places the gateway's own endpoints.
type DiagnosticsConfig struct {
	Prefix string `yaml:"prefix"`
}

// TransportConfig tunes the pooled upstream connections.
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
}

// Inherit returns t with every zero field taken from base.
func (t TransportConfig) Inherit(base TransportConfig) TransportConfig {
	if t.MaxIdleConns == 0 {
		t.MaxIdleConns = base.MaxIdleConns
	}
	if t.MaxIdleConnsPerHost == 0 {
		t.MaxIdleConnsPerHost = base.MaxIdleConnsPerHost
	}
	if t.MaxConnsPerHost == 0 {
		t.MaxConnsPerHost = base.MaxConnsPerHost
	}
	if t.IdleConnTimeout == 0 {
		t.IdleConnTimeout = base.IdleConnTimeout
	}
	if t.DialTimeout == 0 {
		t.DialTimeout = base.DialTimeout
	}
	if t.TLSHandshakeTimeout == 0 {
		t.TLSHandshakeTimeout = base.TLSHandshakeTimeout
	}
	if t.ResponseHeaderTimeout == 0 {
		t.ResponseHeaderTimeout = base.ResponseHeaderTimeout
	}
	t.InsecureSkipVerify = t.InsecureSkipVerify || base.InsecureSkipVerify
	return t
}

// Static handler tags.
const (
	TagHealth   = "health"
	TagStats    = "stats"
	TagVersions = "versions"
	TagMetrics  = "metrics"
	TagRoutes   = "routes"
	TagPing     = "ping"
)

// KnownStaticTags lists every handler tag a static path may use.
var KnownStaticTags = []string{TagHealth, TagStats, TagVersions, TagMetrics, TagRoutes, TagPing}

const (
	DefaultTimeoutMs  = 30000
	DefaultHealthPath = "/health"
)

// DefaultRouteMap returns the base a YAML file is decoded onto.
func DefaultRouteMap() *RouteMap {
	rm := &RouteMap{
		Logging: LoggingConfig{
			Enabled: true,
			Console: true,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
		},
	}
	rm.ApplyDefaults()
	return rm
}

// ApplyDefaults fills zero values and sorts versions. It mutates the
// receiver and is called before the RouteMap is shared.
func (rm *RouteMap) ApplyDefaults() {
	if rm.API.Prefix == "" {
		rm.API.Prefix = "/api"
	}
	if rm.API.VersionHeader == "" {
		rm.API.VersionHeader = "X-API-Version"
	}
	if rm.Logging.Level == "" {
		rm.Logging.Level = "info"
	}
	if rm.Logging.MaxSizeMB == 0 {
		rm.Logging.MaxSizeMB = 100
	}
	if rm.Logging.MaxBackups == 0 {
		rm.Logging.MaxBackups = 5
	}
	if rm.Logging.MaxAgeDays == 0 {
		rm.Logging.MaxAgeDays = 30
	}
	if rm.Logging.BufferSize == 0 {
		rm.Logging.BufferSize = 256 * 1024
	}
	if rm.Logging.FlushInterval == 0 {
		rm.Logging.FlushInterval = time.Second
	}
	if rm.Server.Address == "" {
		rm.Server.Address = ":8080"
	}
	if rm.Server.ReadTimeout == 0 {
		rm.Server.ReadTimeout = 30 * time.Second
	}
	if rm.Server.WriteTimeout == 0 {
		rm.Server.WriteTimeout = 60 * time.Second
	}
	if rm.Server.IdleTimeout == 0 {
		rm.Server.IdleTimeout = 120 * time.Second
	}
	if rm.Server.ShutdownTimeout == 0 {
		rm.Server.ShutdownTimeout = 30 * time.Second
	}
	if rm.Server.MaxBodyBytes == 0 {
		rm.Server.MaxBodyBytes = 10 << 20
	}
	if rm.HealthCheck.Interval == 0 {
		rm.HealthCheck.Interval = 10 * time.Second
	}
	if rm.HealthCheck.Timeout == 0 {
		rm.HealthCheck.Timeout = 2 * time.Second
	}
	if rm.HealthCheck.UnreachableAfter == 0 {
		rm.HealthCheck.UnreachableAfter = 3
	}
	if rm.HealthCheck.MaxBackoff == 0 {
		rm.HealthCheck.MaxBackoff = 2 * time.Minute
	}
	if rm.RateLimit.Backend == "" {
		rm.RateLimit.Backend = "local"
	}
	if rm.RateLimit.Rate == 0 {
		rm.RateLimit.Rate = 100
	}
	if rm.RateLimit.Period == 0 {
		rm.RateLimit.Period = time.Second
	}
	if rm.RateLimit.Burst == 0 {
		rm.RateLimit.Burst = 2 * rm.RateLimit.Rate
	}
	if rm.RateLimit.Key == "" {
		rm.RateLimit.Key = "ip"
	}
	if rm.RateLimit.MaxClients == 0 {
		rm.RateLimit.MaxClients = 10000
	}
	if rm.RateLimit.Redis.KeyPrefix == "" {
		rm.RateLimit.Redis.KeyPrefix = "apigate:rl:"
	}
	if rm.Diagnostics.Prefix == "" {
		rm.Diagnostics.Prefix = "/_gateway"
	}
	if rm.Transport.MaxIdleConns == 0 {
		rm.Transport.MaxIdleConns = 100
	}
	if rm.Transport.MaxIdleConnsPerHost == 0 {
		rm.Transport.MaxIdleConnsPerHost = 10
	}
	if rm.Transport.IdleConnTimeout == 0 {
		rm.Transport.IdleConnTimeout = 90 * time.Second
	}
	if rm.Transport.DialTimeout == 0 {
		rm.Transport.DialTimeout = 10 * time.Second
	}
	if rm.Transport.TLSHandshakeTimeout == 0 {
		rm.Transport.TLSHandshakeTimeout = 10 * time.Second
	}
	for name, svc := range rm.Services {
		if svc.TimeoutMs == 0 {
			svc.TimeoutMs = DefaultTimeoutMs
		}
		if svc.HealthPath == "" {
			svc.HealthPath = DefaultHealthPath
		}
		rm.Services[name] = svc
	}
	SortVersions(rm.Versions)
}

var versionShape = regexp.MustCompile(`^v?(\d+)((?:\.\d+)*)$`)

// SortVersions orders version ids naturally: v2 sorts before v10.
// Ids that do not look numeric sort after numeric ones, lexically.
func SortVersions(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versionLess(versions[i], versions[j])
	})
}

func versionLess(a, b string) bool {
	pa, oka := versionParts(a)
	pb, okb := versionParts(b)
	switch {
	case oka && okb:
		for k := 0; k < len(pa) && k < len(pb); k++ {
			if pa[k] != pb[k] {
				return pa[k] < pb[k]
			}
		}
		if len(pa) != len(pb) {
			return len(pa) < len(pb)
		}
		return a < b
	case oka:
		return true
	case okb:
		return false
	default:
		return a < b
	}
}

func versionParts(v string) ([]int, bool) {
	m := versionShape.FindStringSubmatch(v)
	if m == nil {
		return nil, false
	}
	parts := []int{atoi(m[1])}
	for _, s := range strings.Split(strings.TrimPrefix(m[2], "."), ".") {
		if s != "" {
			parts = append(parts, atoi(s))
		}
	}
	return parts, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// HasVersion reports whether v is a supported version.
func (rm *RouteMap) HasVersion(v string) bool {
	for _, s := range rm.Versions {
		if s == v {
			return true
		}
	}
	return false
}

// ServiceCount returns the number of services.
func (rm *RouteMap) ServiceCount() int { return len(rm.Services) }

// RouteCounts returns the number of routes per version.
func (rm *RouteMap) RouteCounts() map[string]int {
	out := make(map[string]int, len(rm.Routes))
	for v, table := range rm.Routes {
		out[v] = len(table)
	}
	return out
}

// RouteCount returns the number of routes across all versions.
func (rm *RouteMap) RouteCount() int {
	n := 0
	for _, table := range rm.Routes {
		n += len(table)
	}
	return n
}

// LegacyCount returns the number of legacy rules.
func (rm *RouteMap) LegacyCount() int { return len(rm.Legacy) }

// StaticCount returns the number of static paths.
func (rm *RouteMap) StaticCount() int { return len(rm.Static) }

// Summary is the count view used by diagnostics.
type Summary struct {
	Versions        []string       `json:"versions"`
	Services        int            `json:"services"`
	Routes          int            `json:"routes"`
	RoutesByVersion map[string]int `json:"routes_by_version"`
	Legacy          int            `json:"legacy"`
	Static          int            `json:"static"`
}

// Summary returns the RouteMap counts.
func (rm *RouteMap) Summary() Summary {
	return Summary{
		Versions:        append([]string(nil), rm.Versions...),
		Services:        rm.ServiceCount(),
		Routes:          rm.RouteCount(),
		RoutesByVersion: rm.RouteCounts(),
		Legacy:          rm.LegacyCount(),
		Static:          rm.StaticCount(),
	}
}

// ServiceNames returns the service names in sorted order.
func (rm *RouteMap) ServiceNames() []string {
	names := make([]string, 0, len(rm.Services))
	for name := range rm.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CORSFor returns the CORS policy for a service, falling back to the
// RouteMap default. It returns nil when neither is set.
func (rm *RouteMap) CORSFor(service string) *CORSConfig {
	if svc, ok := rm.Services[service]; ok && svc.CORS != nil {
		return svc.CORS
	}
	return rm.CORS
}
