package debug

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/apigate/internal/reqctx"
)

func TestHandler_RequestEcho(t *testing.T) {
	h := New("/_gateway/debug")

	req := httptest.NewRequest("POST", "/_gateway/debug/request?foo=bar", nil)
	req.Header.Set("X-Custom", "test-value")
	rc := reqctx.New(req)
	rc.RequestID = "req-1"
	rc.RawBody = []byte("hello")
	rc.BodyKind = "other"
	req = reqctx.With(req, rc)
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var result map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}

	if result["method"] != "POST" {
		t.Errorf("expected POST, got %v", result["method"])
	}
	if result["body"] != "hello" {
		t.Errorf("expected body=hello, got %v", result["body"])
	}
	if result["request_id"] != "req-1" || result["body_kind"] != "other" {
		t.Errorf("request context not echoed: %v", result)
	}

	headers := result["headers"].(map[string]any)
	if headers["X-Custom"] == nil {
		t.Error("expected X-Custom header in response")
	}

	query := result["query"].(map[string]any)
	if query["foo"] == nil {
		t.Error("expected foo query param in response")
	}
}

func TestHandler_Runtime(t *testing.T) {
	h := New("/_gateway/debug")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/_gateway/debug/runtime", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var result map[string]any
	json.Unmarshal(rr.Body.Bytes(), &result)

	if result["goroutines"] == nil {
		t.Error("expected goroutines in runtime output")
	}
	if result["memory"] == nil {
		t.Error("expected memory in runtime output")
	}
}

func TestHandler_UnknownSubPath(t *testing.T) {
	h := New("/_gateway/debug")

	for _, p := range []string{"/_gateway/debug", "/_gateway/debug/config"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("GET", p, nil))
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", p, rr.Code)
		}
	}
}

func TestHandler_Matches(t *testing.T) {
	h := New("/_gateway/debug/")

	tests := []struct {
		path string
		want bool
	}{
		{"/_gateway/debug", true},
		{"/_gateway/debug/request", true},
		{"/_gateway/debugger", false},
		{"/api/v1/users", false},
	}
	for _, tt := range tests {
		if got := h.Matches(tt.path); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
