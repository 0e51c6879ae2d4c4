package version

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/apigate/internal/config"
	"github.com/wudi/apigate/internal/reqctx"
)

func testRouteMap(defaultVersion string) *config.RouteMap {
	rm := &config.RouteMap{
		Versions: []string{"v2", "v1"},
		API:      config.APIConfig{DefaultVersion: defaultVersion},
		VersionInfo: map[string]config.VersionInfo{
			"v1": {Deprecated: true, Sunset: "Sat, 01 Nov 2025 00:00:00 GMT", Changelog: []string{"initial"}},
			"v2": {Changelog: []string{"new login flow"}},
		},
	}
	rm.ApplyDefaults()
	return rm
}

type seen struct {
	called  bool
	version string
	source  string
	path    string
	urlPath string
}

func serve(v *Resolver, req *http.Request) (*httptest.ResponseRecorder, *seen) {
	s := &seen{}
	h := v.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := reqctx.From(r)
		s.called = true
		s.version, s.source, s.path = rc.ResolvedVersion, rc.VersionSource, rc.Path
		s.urlPath = r.URL.Path
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, s
}

func TestResolve(t *testing.T) {
	v := New(testRouteMap("v2"), nil)

	tests := []struct {
		name        string
		path        string
		header      string
		wantVersion string
		wantSource  string
		wantPath    string
	}{
		{"path version", "/api/v1/login", "", "v1", SourcePath, "/login"},
		{"path wins over header", "/api/v1/login", "v2", "v1", SourcePath, "/login"},
		{"header", "/api/login", "v1", "v1", SourceHeader, "/login"},
		{"bare header number", "/api/login", "1", "v1", SourceHeader, "/login"},
		{"default", "/api/login", "", "v2", SourceDefault, "/login"},
		{"version only", "/api/v1", "", "v1", SourcePath, "/"},
		{"prefix only", "/api", "", "v2", SourceDefault, "/"},
		{"outside prefix", "/other/thing", "", "v2", SourceDefault, "/other/thing"},
		{"non version segment", "/api/users/1", "", "v2", SourceDefault, "/users/1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Version", tt.header)
			}
			res, gerr := v.Resolve(req)
			if gerr != nil {
				t.Fatalf("Resolve error: %v", gerr)
			}
			if res.Version != tt.wantVersion || res.Source != tt.wantSource || res.Path != tt.wantPath {
				t.Errorf("Resolve = %+v, want {%s %s %s}", res, tt.wantVersion, tt.wantSource, tt.wantPath)
			}
		})
	}
}

func TestUnsupportedPathVersion(t *testing.T) {
	v := New(testRouteMap("v2"), nil)
	w, s := serve(v, httptest.NewRequest("GET", "/api/v3/x", nil))
	if s.called {
		t.Fatal("unsupported version must stop the pipeline")
	}
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body struct {
		Version   string   `json:"version"`
		Supported []string `json:"supported_versions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Version != "v3" || strings.Join(body.Supported, ",") != "v1,v2" {
		t.Errorf("body = %+v, want version v3 and supported [v1 v2]", body)
	}
	if v.Stats().Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", v.Stats().Rejected)
	}
}

func TestUnsupportedHeaderVersion(t *testing.T) {
	v := New(testRouteMap("v2"), nil)
	req := httptest.NewRequest("GET", "/api/login", nil)
	req.Header.Set("X-API-Version", "v9")
	w, _ := serve(v, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestDefaultBehavesLikeExplicit(t *testing.T) {
	v := New(testRouteMap("v2"), nil)

	wImplicit, implicit := serve(v, httptest.NewRequest("POST", "/api/login", nil))
	wExplicit, explicit := serve(v, httptest.NewRequest("POST", "/api/v2/login", nil))

	if implicit.version != explicit.version || implicit.path != explicit.path || implicit.urlPath != explicit.urlPath {
		t.Errorf("implicit %+v differs from explicit %+v", implicit, explicit)
	}
	if wImplicit.Header().Get("X-API-Version") != "v2" || wExplicit.Header().Get("X-API-Version") != "v2" {
		t.Error("X-API-Version response header should be v2 for both")
	}
}

func TestDeprecationHeaders(t *testing.T) {
	v := New(testRouteMap("v2"), nil)
	w, _ := serve(v, httptest.NewRequest("GET", "/api/v1/login", nil))
	if w.Header().Get("Deprecation") != "true" {
		t.Errorf("Deprecation = %q, want true", w.Header().Get("Deprecation"))
	}
	if w.Header().Get("Sunset") == "" {
		t.Error("Sunset header missing")
	}

	w, _ = serve(v, httptest.NewRequest("GET", "/api/v2/login", nil))
	if w.Header().Get("Deprecation") != "" {
		t.Error("v2 is not deprecated")
	}
}

func TestNoDefaultPassesEmptyVersion(t *testing.T) {
	v := New(testRouteMap(""), nil)
	w, s := serve(v, httptest.NewRequest("GET", "/api/login", nil))
	if !s.called {
		t.Fatal("request without version should continue")
	}
	if s.version != "" || s.path != "/login" {
		t.Errorf("version=%q path=%q", s.version, s.path)
	}
	if w.Header().Get("X-API-Version") != "" {
		t.Error("no version header expected")
	}
	if v.Stats().Unversioned != 1 {
		t.Errorf("Unversioned = %d, want 1", v.Stats().Unversioned)
	}
}

func TestExemptPaths(t *testing.T) {
	v := New(testRouteMap("v2"), func(p string) bool { return p == "/api/v3/health" })
	_, s := serve(v, httptest.NewRequest("GET", "/api/v3/health", nil))
	if !s.called || s.version != "" || s.path != "/api/v3/health" {
		t.Errorf("exempt path was altered: %+v", s)
	}
}

func TestAllVersionsInfo(t *testing.T) {
	v := New(testRouteMap("v2"), nil)
	info := v.AllVersionsInfo()
	if info.Current != "v2" || info.Default != "v2" {
		t.Errorf("current=%q default=%q", info.Current, info.Default)
	}
	if strings.Join(info.Supported, ",") != "v1,v2" {
		t.Errorf("Supported = %v", info.Supported)
	}
	if strings.Join(info.Deprecated, ",") != "v1" {
		t.Errorf("Deprecated = %v", info.Deprecated)
	}
	if len(info.Changelog["v2"]) != 1 {
		t.Errorf("Changelog = %v", info.Changelog)
	}
}

func TestStatsCountsPerVersion(t *testing.T) {
	v := New(testRouteMap("v2"), nil)
	serve(v, httptest.NewRequest("GET", "/api/v1/a", nil))
	serve(v, httptest.NewRequest("GET", "/api/v1/b", nil))
	serve(v, httptest.NewRequest("GET", "/api/c", nil))

	s := v.Stats()
	if s.Requests["v1"] != 2 || s.Requests["v2"] != 1 {
		t.Errorf("Requests = %v", s.Requests)
	}
}
