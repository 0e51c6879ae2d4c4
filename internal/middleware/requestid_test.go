package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestID(t *testing.T) {
	var seen string
	final := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
		if r.Header.Get(RequestIDHeader) != seen {
			t.Error("request header should carry the id to upstreams")
		}
	}))

	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, httptest.NewRequest("GET", "/login", nil))

	if len(seen) != 36 {
		t.Fatalf("generated id = %q, want a UUID", seen)
	}
	if rr.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response header = %q, want %q", rr.Header().Get(RequestIDHeader), seen)
	}
}

func TestRequestIDInbound(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{"well formed", "edge-7f3a.42", true},
		{"with space", "a b", false},
		{"control char", "a\tb", false},
		{"too long", strings.Repeat("x", maxInboundIDLen+1), false},
		{"max length", strings.Repeat("x", maxInboundIDLen), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			final := RequestIDWithConfig(RequestIDConfig{
				Inbound: true,
				NewID:   func() string { return "generated" },
			})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r)
			}))

			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set(RequestIDHeader, tt.inbound)
			final.ServeHTTP(httptest.NewRecorder(), req)

			want := "generated"
			if tt.keep {
				want = tt.inbound
			}
			if seen != want {
				t.Errorf("request id = %q, want %q", seen, want)
			}
		})
	}
}

func TestRequestIDIgnoresInboundWhenDisabled(t *testing.T) {
	var seen string
	final := RequestIDWithConfig(RequestIDConfig{
		NewID: func() string { return "generated" },
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "spoofed")
	final.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "generated" {
		t.Errorf("request id = %q, want generated", seen)
	}
}
