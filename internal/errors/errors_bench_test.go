package errors

import (
	"context"
	"net/http/httptest"
	"testing"
)

// The rate limiter rejects with the bare singleton, which is served from
// the pre-serialized cache.
func BenchmarkWriteJSON_RateLimited(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ErrTooManyRequests.WriteJSON(httptest.NewRecorder())
	}
}

func BenchmarkWriteJSON_UnsupportedVersion(b *testing.B) {
	supported := []string{"v1", "v2", "v3", "v10"}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ErrUnsupportedVersion.
			WithRequest("GET", "/api/v9/login").
			WithVersion("v9").
			WithSupportedVersions(supported).
			WithRequestID("0b7c6e1f-5a4d-4c11-9a0e-7f2d3c4b5a69").
			WriteJSON(httptest.NewRecorder())
	}
}

func BenchmarkWriteJSON_UpstreamTimeout(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ErrGatewayTimeout.
			WithRequest("POST", "/api/v2/invoices").
			WithVersion("v2").
			WithService("billing").
			WithCause(context.DeadlineExceeded).
			WriteJSON(httptest.NewRecorder())
	}
}
