package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/apigate/internal/reqctx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func runParse(t *testing.T, contentType, body string) (*reqctx.Context, string) {
	t.Helper()
	var rc *reqctx.Context
	var downstream string
	h := NewChain(RawBody(0), ParseBody()).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc = reqctx.From(r)
		b, _ := io.ReadAll(r.Body)
		downstream = string(b)
	}))
	req := httptest.NewRequest("POST", "/x", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	h.ServeHTTP(httptest.NewRecorder(), req)
	return rc, downstream
}

func TestParseBodyJSON(t *testing.T) {
	rc, downstream := runParse(t, "application/json; charset=utf-8", `{"u":"a","n":2}`)
	if rc.BodyKind != BodyJSON {
		t.Fatalf("BodyKind = %q, want json", rc.BodyKind)
	}
	if rc.JSON.Get("u").String() != "a" || rc.JSON.Get("n").Int() != 2 {
		t.Errorf("parsed JSON = %s", rc.JSON.Raw)
	}
	if downstream != `{"u":"a","n":2}` {
		t.Errorf("body after parsing = %q, want original", downstream)
	}
}

func TestParseBodyInvalidJSONIsKept(t *testing.T) {
	rc, downstream := runParse(t, "application/json", `{"u":`)
	if rc.BodyKind != BodyOther {
		t.Errorf("BodyKind = %q, want other", rc.BodyKind)
	}
	if downstream != `{"u":` {
		t.Errorf("body = %q", downstream)
	}
}

func TestParseBodyForm(t *testing.T) {
	rc, _ := runParse(t, "application/x-www-form-urlencoded", "a=1&b=2&b=3")
	if rc.BodyKind != BodyForm {
		t.Fatalf("BodyKind = %q, want form", rc.BodyKind)
	}
	if len(rc.Form["b"]) != 2 || rc.Form["a"][0] != "1" {
		t.Errorf("Form = %v", rc.Form)
	}
}

func TestParseBodyNone(t *testing.T) {
	rc, _ := runParse(t, "", "")
	if rc.BodyKind != "" {
		t.Errorf("BodyKind = %q, want empty", rc.BodyKind)
	}
}

func TestBodyDebug(t *testing.T) {
	core, obs := observer.New(zapcore.DebugLevel)
	h := NewChain(RawBody(0), ParseBody(), BodyDebug(zap.New(core), 4)).
		Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("POST", "/x", strings.NewReader(`{"user":"a","pass":"b"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := obs.FilterMessage("request body").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["preview"] != `{"us` {
		t.Errorf("preview = %v", fields["preview"])
	}
	if fields["body_bytes"] != int64(23) {
		t.Errorf("body_bytes = %v", fields["body_bytes"])
	}
}
