package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
versions: [v10, v2, v1]
api:
  default_version: v2
  current_version: v2
services:
  auth:
    base_url: http://auth:9000
    timeout_ms: 5000
  users:
    base_url: ${USERS_URL}
    health_path: /status
routes:
  v1:
    /login: auth
  v2:
    "POST /login": auth
    "GET /users/{id}": users
legacy:
  /old-login:
    target: /api/v1/login
    status_code: 308
static:
  /health: health
logging:
  level: debug
health_check:
  interval: 5s
  unreachable_after: 4
rate_limit:
  enabled: false
`

func TestLoaderParse(t *testing.T) {
	t.Setenv("USERS_URL", "http://users:9100")

	rm, err := NewLoader().Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if got := rm.Versions; len(got) != 3 || got[0] != "v1" || got[1] != "v2" || got[2] != "v10" {
		t.Errorf("versions = %v, want sorted [v1 v2 v10]", got)
	}
	if rm.Services["auth"].Timeout() != 5*time.Second {
		t.Errorf("auth timeout = %v, want 5s", rm.Services["auth"].Timeout())
	}
	if rm.Services["auth"].HealthPath != DefaultHealthPath {
		t.Errorf("auth health path = %q, want default", rm.Services["auth"].HealthPath)
	}
	if rm.Services["users"].BaseURL != "http://users:9100" {
		t.Errorf("users base_url = %q, want env expansion", rm.Services["users"].BaseURL)
	}
	if rm.Services["users"].TimeoutMs != DefaultTimeoutMs {
		t.Errorf("users timeout_ms = %d, want %d", rm.Services["users"].TimeoutMs, DefaultTimeoutMs)
	}
	if rm.Routes["v2"]["GET /users/{id}"] != "users" {
		t.Errorf("routes v2 = %v", rm.Routes["v2"])
	}
	if rm.Legacy["/old-login"].StatusCode != 308 {
		t.Errorf("legacy status = %d, want 308", rm.Legacy["/old-login"].StatusCode)
	}
	if rm.HealthCheck.Interval != 5*time.Second || rm.HealthCheck.UnreachableAfter != 4 {
		t.Errorf("health_check = %+v", rm.HealthCheck)
	}
	if rm.HealthCheck.Timeout != 2*time.Second {
		t.Errorf("health_check.timeout = %v, want default 2s", rm.HealthCheck.Timeout)
	}
	if !rm.Logging.Enabled || !rm.Logging.Console || rm.Logging.Level != "debug" {
		t.Errorf("logging = %+v", rm.Logging)
	}
	if rm.RateLimit.Enabled {
		t.Error("rate limiting was disabled in the file")
	}

	if res := rm.Validate(); !res.Valid {
		t.Errorf("sample config should be valid: %v", res.Errors)
	}
}

func TestLoaderEnvNotSet(t *testing.T) {
	os.Unsetenv("APIGATE_TEST_MISSING")
	rm, err := Parse([]byte(`
versions: [v1]
services:
  a:
    base_url: ${APIGATE_TEST_MISSING}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if rm.Services["a"].BaseURL != "${APIGATE_TEST_MISSING}" {
		t.Errorf("unset variables should be kept verbatim, got %q", rm.Services["a"].BaseURL)
	}
	if rm.Validate().Valid {
		t.Error("unexpanded base_url must not validate")
	}
}

func TestLoaderBadYAML(t *testing.T) {
	if _, err := Parse([]byte("versions: [v1\nservices: {")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("USERS_URL", "http://users:9100")
	path := filepath.Join(t.TempDir(), "apigate.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	rm, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rm.ServiceCount() != 2 {
		t.Errorf("ServiceCount = %d, want 2", rm.ServiceCount())
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefaultRouteMap(t *testing.T) {
	rm := DefaultRouteMap()
	if rm.API.Prefix != "/api" || rm.API.VersionHeader != "X-API-Version" {
		t.Errorf("api defaults = %+v", rm.API)
	}
	if !rm.RateLimit.Enabled || rm.RateLimit.Rate != 100 || rm.RateLimit.Burst != 200 {
		t.Errorf("rate_limit defaults = %+v", rm.RateLimit)
	}
	if rm.Diagnostics.Prefix != "/_gateway" {
		t.Errorf("diagnostics prefix = %q", rm.Diagnostics.Prefix)
	}
	if rm.Server.MaxBodyBytes != 10<<20 {
		t.Errorf("max_body_bytes = %d", rm.Server.MaxBodyBytes)
	}
}

func TestSortVersions(t *testing.T) {
	vs := []string{"v10", "beta", "v2.1", "v2", "v1", "alpha"}
	SortVersions(vs)
	want := []string{"v1", "v2", "v2.1", "v10", "alpha", "beta"}
	for i := range want {
		if vs[i] != want[i] {
			t.Fatalf("SortVersions = %v, want %v", vs, want)
		}
	}
}

func TestCounts(t *testing.T) {
	rm := &RouteMap{
		Versions: []string{"v1", "v2"},
		Services: map[string]ServiceSpec{"a": {}, "b": {}},
		Routes: map[string]map[string]string{
			"v1": {"/x": "a"},
			"v2": {"/x": "a", "/y": "b"},
		},
		Legacy: map[string]LegacyRule{"/old": {Target: "/new"}},
		Static: map[string]string{"/health": TagHealth, "/ping": TagPing},
	}

	s := rm.Summary()
	if s.Services != 2 || s.Routes != 3 || s.Legacy != 1 || s.Static != 2 {
		t.Errorf("Summary = %+v", s)
	}
	if s.RoutesByVersion["v2"] != 2 {
		t.Errorf("RoutesByVersion = %v", s.RoutesByVersion)
	}
}

func TestCORSFor(t *testing.T) {
	def := &CORSConfig{AllowOrigins: []string{"*"}}
	own := &CORSConfig{AllowOrigins: []string{"https://app.example.com"}}
	rm := &RouteMap{
		CORS: def,
		Services: map[string]ServiceSpec{
			"a": {CORS: own},
			"b": {},
		},
	}
	if rm.CORSFor("a") != own {
		t.Error("service policy should win")
	}
	if rm.CORSFor("b") != def {
		t.Error("default policy should apply")
	}
	rm.CORS = nil
	if rm.CORSFor("b") != nil {
		t.Error("no policy expected")
	}
}
