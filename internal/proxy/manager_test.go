package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/apigate/internal/config"
	"github.com/wudi/apigate/internal/health"
	"github.com/wudi/apigate/internal/reqctx"
)

func routeMap(services map[string]config.ServiceSpec, routes map[string]string) *config.RouteMap {
	rm := &config.RouteMap{
		Versions: []string{"v1"},
		Services: services,
		Routes:   map[string]map[string]string{"v1": routes},
	}
	rm.ApplyDefaults()
	return rm
}

func newManager(t *testing.T, rm *config.RouteMap) *Manager {
	t.Helper()
	m, err := NewManager(rm)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		m.Stop()
		m.CloseIdleConnections()
	})
	return m
}

// versioned builds a request as it looks after the version stage.
func versioned(method, version, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, "/api/"+version+path, bytes.NewReader(body))
	rc := reqctx.New(req)
	rc.RawBody = body
	rc.ResolvedVersion = version
	rc.Path = path
	req.URL.Path = path
	return reqctx.With(req, rc)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestForwardsRawBody(t *testing.T) {
	payload := []byte{0x00, 0xff, 0x10, '{', 0x80, 0x00, '\n'}
	var got []byte
	var gotPath, gotQuery string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("X-Backend", "auth")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer backend.Close()

	m := newManager(t, routeMap(
		map[string]config.ServiceSpec{"auth": {BaseURL: backend.URL}},
		map[string]string{"POST /login": "auth"},
	))
	if err := m.InitializeProxies(context.Background()); err != nil {
		t.Fatalf("InitializeProxies: %v", err)
	}

	req := versioned("POST", "v1", "/login", payload)
	req.URL.RawQuery = "next=home"
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("upstream body = %v, want %v", got, payload)
	}
	if gotPath != "/login" || gotQuery != "next=home" {
		t.Errorf("upstream saw %s?%s", gotPath, gotQuery)
	}
	if w.Header().Get("X-Backend") != "auth" || w.Body.String() != "created" {
		t.Errorf("response not relayed: %v %q", w.Header(), w.Body.String())
	}
	if rc := reqctx.From(req); rc.TargetService != "auth" || rc.MatchedRoute != "POST /login" {
		t.Errorf("context service=%q route=%q", rc.TargetService, rc.MatchedRoute)
	}
}

func TestBasePathAndParams(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer backend.Close()

	m := newManager(t, routeMap(
		map[string]config.ServiceSpec{"users": {BaseURL: backend.URL + "/internal"}},
		map[string]string{"GET /users/{id}": "users"},
	))
	m.InitializeProxies(context.Background())

	req := versioned("GET", "v1", "/users/42", nil)
	m.Handler().ServeHTTP(httptest.NewRecorder(), req)

	if gotPath != "/internal/users/42" {
		t.Errorf("upstream path = %q", gotPath)
	}
	if id := reqctx.From(req).PathParams["id"]; id != "42" {
		t.Errorf("path param id = %q", id)
	}
}

func TestNotFound(t *testing.T) {
	m := newManager(t, routeMap(
		map[string]config.ServiceSpec{"auth": {BaseURL: "http://127.0.0.1:1"}},
		map[string]string{"POST /login": "auth"},
	))
	m.InitializeProxies(context.Background())

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, versioned("GET", "v1", "/unknown", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	body := decodeError(t, w)
	if body["method"] != "GET" || body["path"] != "/api/v1/unknown" || body["version"] != "v1" {
		t.Errorf("unexpected 404 body: %v", body)
	}
	if m.Stats().NotFound != 1 {
		t.Errorf("NotFound = %d, want 1", m.Stats().NotFound)
	}
}

func TestUnreachableServiceIsNotCalled(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		calls.Add(1)
	}))
	defer backend.Close()

	m := newManager(t, routeMap(
		map[string]config.ServiceSpec{"auth": {BaseURL: backend.URL}},
		map[string]string{"POST /login": "auth"},
	))
	m.InitializeProxies(context.Background())

	for i := 0; i < 3; i++ {
		if m.PerformHealthChecks(context.Background())["auth"] {
			t.Fatal("health check should fail")
		}
	}
	if st := m.Snapshots()[0].State; st != health.StateUnreachable {
		t.Fatalf("state = %s, want unreachable", st)
	}

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, versioned("POST", "v1", "/login", []byte(`{"u":"a"}`)))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if body := decodeError(t, w); body["service"] != "auth" {
		t.Errorf("503 body service = %v", body["service"])
	}
	if calls.Load() != 0 {
		t.Errorf("upstream called %d times, want 0", calls.Load())
	}
	if m.Stats().Unavailable != 1 {
		t.Errorf("Unavailable = %d, want 1", m.Stats().Unavailable)
	}
}

func TestUpstreamTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	m := newManager(t, routeMap(
		map[string]config.ServiceSpec{"slow": {BaseURL: backend.URL, TimeoutMs: 50}},
		map[string]string{"/slow": "slow"},
	))
	m.InitializeProxies(context.Background())

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, versioned("GET", "v1", "/slow", nil))
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
	snap := m.Snapshots()[0]
	if snap.State != health.StateDegraded || snap.ConsecutiveFailures != 1 {
		t.Errorf("after timeout state=%s failures=%d", snap.State, snap.ConsecutiveFailures)
	}
	if got := m.Stats().Services["slow"].Errors; got != 1 {
		t.Errorf("Errors = %d, want 1", got)
	}
}

func TestUpstreamRefused(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	m := newManager(t, routeMap(
		map[string]config.ServiceSpec{"gone": {BaseURL: url}},
		map[string]string{"/x": "gone"},
	))
	m.InitializeProxies(context.Background())

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, versioned("GET", "v1", "/x", nil))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if body := decodeError(t, w); body["kind"] != "upstream" || body["service"] != "gone" {
		t.Errorf("502 body = %v", body)
	}
}

func TestUpstream5xxIsRelayed(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer backend.Close()

	m := newManager(t, routeMap(
		map[string]config.ServiceSpec{"api": {BaseURL: backend.URL}},
		map[string]string{"/x": "api"},
	))
	m.InitializeProxies(context.Background())

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, versioned("GET", "v1", "/x", nil))
	if w.Code != http.StatusInternalServerError || w.Body.String() != "boom" {
		t.Fatalf("got %d %q, want relayed 500", w.Code, w.Body.String())
	}
	if st := m.Snapshots()[0].State; st != health.StateReady {
		t.Errorf("state = %s, a relayed 5xx must not change health", st)
	}
	if got := m.Stats().Services["api"].Errors; got != 1 {
		t.Errorf("Errors = %d, want 1", got)
	}
}

func TestHopHeadersAndForwarding(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("X-Public", "1")
	}))
	defer backend.Close()

	m := newManager(t, routeMap(
		map[string]config.ServiceSpec{"api": {BaseURL: backend.URL}},
		map[string]string{"/x": "api"},
	))
	m.InitializeProxies(context.Background())

	req := versioned("GET", "v1", "/x", nil)
	req.Header.Set("Connection", "X-Secret")
	req.Header.Set("X-Secret", "s")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("X-Kept", "yes")
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	for _, h := range []string{"X-Secret", "Keep-Alive", "Proxy-Authorization"} {
		if seen.Get(h) != "" {
			t.Errorf("hop-by-hop header %s reached upstream", h)
		}
	}
	if seen.Get("X-Kept") != "yes" {
		t.Error("end-to-end header X-Kept was dropped")
	}
	if seen.Get("X-Forwarded-For") != "192.0.2.1" {
		t.Errorf("X-Forwarded-For = %q", seen.Get("X-Forwarded-For"))
	}
	if seen.Get("X-Forwarded-Proto") != "http" || seen.Get("X-Forwarded-Host") != "example.com" {
		t.Errorf("X-Forwarded-Proto=%q X-Forwarded-Host=%q",
			seen.Get("X-Forwarded-Proto"), seen.Get("X-Forwarded-Host"))
	}
	if w.Header().Get("X-Public") != "1" {
		t.Error("X-Public was not relayed")
	}
}

func TestForwardedForAppendsPeer(t *testing.T) {
	var seen string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Forwarded-For")
	}))
	defer backend.Close()

	m := newManager(t, routeMap(
		map[string]config.ServiceSpec{"api": {BaseURL: backend.URL}},
		map[string]string{"/x": "api"},
	))
	m.InitializeProxies(context.Background())

	req := versioned("GET", "v1", "/x", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	m.Handler().ServeHTTP(httptest.NewRecorder(), req)

	if seen != "1.2.3.4, 10.0.0.7" {
		t.Errorf("X-Forwarded-For = %q, want the inbound chain plus the peer", seen)
	}
}

func TestStreamTimeoutAbortsResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("part1-"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(300 * time.Millisecond):
		}
		w.Write([]byte("part2"))
	}))
	defer backend.Close()

	m := newManager(t, routeMap(
		map[string]config.ServiceSpec{"stream": {BaseURL: backend.URL, TimeoutMs: 100}},
		map[string]string{"/stream": "stream"},
	))
	m.InitializeProxies(context.Background())

	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, rc := reqctx.Ensure(r)
		rc.ResolvedVersion = "v1"
		m.Handler().ServeHTTP(w, r)
	}))
	defer front.Close()

	resp, err := http.Get(front.URL + "/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err == nil {
		t.Fatalf("body %q read cleanly, want an aborted response", body)
	}

	st := m.Stats().Services["stream"]
	if st.Errors != 1 {
		t.Errorf("Errors = %d, want 1", st.Errors)
	}
	if st.State != health.StateDegraded {
		t.Errorf("state = %s, want degraded", st.State)
	}
}

func TestCopyHeadersStripsConnectionTokens(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "X-Upstream-Private, Keep-Alive")
	src.Set("X-Upstream-Private", "1")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Content-Type", "text/plain")

	dst := http.Header{}
	dst.Set("X-Request-ID", "rid")
	copyHeaders(dst, src)

	for _, h := range []string{"Connection", "X-Upstream-Private", "Transfer-Encoding"} {
		if dst.Get(h) != "" {
			t.Errorf("%s should be stripped", h)
		}
	}
	if dst.Get("Content-Type") != "text/plain" || dst.Get("X-Request-ID") != "rid" {
		t.Errorf("unexpected headers: %v", dst)
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "/x", "/x"},
		{"/base", "/x", "/base/x"},
		{"/base/", "/x", "/base/x"},
		{"/base", "x", "/base/x"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestPartialInitialization(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	m := newManager(t, routeMap(
		map[string]config.ServiceSpec{
			"good": {BaseURL: backend.URL},
			"bad":  {BaseURL: "ftp://files.internal"},
		},
		map[string]string{"/good": "good", "/bad": "bad"},
	))
	if err := m.InitializeProxies(context.Background()); err == nil {
		t.Fatal("expected an initialization error for the bad service")
	}
	errs := m.InitErrors()
	if _, ok := errs["bad"]; !ok || len(errs) != 1 {
		t.Fatalf("InitErrors = %v", errs)
	}

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, versioned("GET", "v1", "/good", nil))
	if w.Code != http.StatusOK {
		t.Errorf("good service status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	m.Handler().ServeHTTP(w, versioned("GET", "v1", "/bad", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("bad service status = %d, want 503", w.Code)
	}
	if st := m.Stats().Services["bad"]; st.State != health.StateUninitialized || st.InitError == "" {
		t.Errorf("bad service stats = %+v", st)
	}
}

func TestPerformHealthChecks(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer backend.Close()

	m := newManager(t, routeMap(
		map[string]config.ServiceSpec{
			"api":  {BaseURL: backend.URL},
			"bad":  {BaseURL: "not a url"},
			"auth": {BaseURL: backend.URL, HealthPath: "/status"},
		},
		map[string]string{"/x": "api"},
	))
	m.InitializeProxies(context.Background())

	res := m.PerformHealthChecks(context.Background())
	if !res["api"] || !res["auth"] || res["bad"] {
		t.Fatalf("results = %v", res)
	}
	if st := m.Stats().Services["api"].State; st != health.StateHealthy {
		t.Errorf("api state = %s, want healthy", st)
	}

	healthy.Store(false)
	m.PerformHealthChecks(context.Background())
	if st := m.Stats().Services["api"].State; st != health.StateDegraded {
		t.Errorf("api state = %s, want degraded", st)
	}

	healthy.Store(true)
	m.PerformHealthChecks(context.Background())
	snap := m.Stats().Services["api"]
	if snap.State != health.StateHealthy || snap.ConsecutiveFailures != 0 {
		t.Errorf("api after recovery = %+v", snap)
	}
}

func TestLookup(t *testing.T) {
	m := newManager(t, routeMap(
		map[string]config.ServiceSpec{"auth": {BaseURL: "http://127.0.0.1:1"}},
		map[string]string{"POST /login": "auth"},
	))
	if svc, ok := m.Lookup("v1", "POST", "/login"); !ok || svc != "auth" {
		t.Errorf("Lookup = %q, %v", svc, ok)
	}
	if _, ok := m.Lookup("v2", "POST", "/login"); ok {
		t.Error("unknown version should not match")
	}
	if _, ok := m.Lookup("v1", "GET", "/login"); ok {
		t.Error("method-specific route should not match GET")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer backend.Close()

	rm := routeMap(
		map[string]config.ServiceSpec{"api": {BaseURL: backend.URL}},
		map[string]string{"/x": "api"},
	)
	rm.HealthCheck.Interval = 10 * time.Millisecond
	m := newManager(t, rm)
	m.InitializeProxies(context.Background())

	m.Start(context.Background())
	m.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for m.Snapshots()[0].State != health.StateHealthy {
		if time.Now().After(deadline) {
			t.Fatal("background checks never marked the service healthy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Stop()
	m.Stop()
	m.Start(context.Background())
}
