package middleware

import (
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/wudi/apigate/internal/reqctx"
	"go.uber.org/zap"
)

// Body kinds recorded in the request context.
const (
	BodyJSON  = "json"
	BodyForm  = "form"
	BodyOther = "other"
)

// ParseBody parses the preserved raw body for stages that need structured
// access. It never touches r.Body and never rejects a request: a body that
// fails to parse is recorded as "other" and still forwarded verbatim.
func ParseBody() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.From(r)
			if rc == nil || len(rc.RawBody) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
			switch {
			case (mt == "application/json" || strings.HasSuffix(mt, "+json")) && gjson.ValidBytes(rc.RawBody):
				rc.BodyKind = BodyJSON
				rc.JSON = gjson.ParseBytes(rc.RawBody)
			case mt == "application/x-www-form-urlencoded":
				if form, err := url.ParseQuery(string(rc.RawBody)); err == nil {
					rc.BodyKind = BodyForm
					rc.Form = form
				} else {
					rc.BodyKind = BodyOther
				}
			default:
				rc.BodyKind = BodyOther
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BodyDebug logs a preview of each request body at debug level.
func BodyDebug(l *zap.Logger, previewBytes int) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.From(r)
			if rc != nil && len(rc.RawBody) > 0 {
				preview := rc.RawBody
				if len(preview) > previewBytes {
					preview = preview[:previewBytes]
				}
				fields := []zap.Field{
					zap.String("request_id", rc.RequestID),
					zap.String("path", rc.OriginalPath),
					zap.String("body_kind", rc.BodyKind),
					zap.Int("body_bytes", len(rc.RawBody)),
					zap.ByteString("preview", preview),
				}
				if rc.BodyKind == BodyJSON && rc.JSON.IsObject() {
					var keys []string
					rc.JSON.ForEach(func(k, _ gjson.Result) bool {
						keys = append(keys, k.String())
						return true
					})
					fields = append(fields, zap.Strings("json_keys", keys))
				}
				l.Debug("request body", fields...)
			}
			next.ServeHTTP(w, r)
		})
	}
}
