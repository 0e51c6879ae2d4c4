package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/wudi/apigate/internal/reqctx"
)

func init() {
	uuid.EnableRandPool()
}

// RequestIDHeader carries the request id to clients and upstreams.
const RequestIDHeader = "X-Request-ID"

// maxInboundIDLen bounds a client supplied id; longer ids are replaced.
const maxInboundIDLen = 128

// RequestIDConfig controls where request ids come from.
type RequestIDConfig struct {
	Header string
	// NewID generates an id when none is accepted from the client.
	NewID func() string
	// Inbound accepts a well-formed id sent by the client.
	Inbound bool
}

// RequestID accepts a well-formed inbound X-Request-ID and otherwise
// generates a UUID.
func RequestID() Middleware {
	return RequestIDWithConfig(RequestIDConfig{Inbound: true})
}

// RequestIDWithConfig stores the id in the RequestContext and echoes it on
// both the forwarded request and the response.
func RequestIDWithConfig(cfg RequestIDConfig) Middleware {
	header := cfg.Header
	if header == "" {
		header = RequestIDHeader
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() string { return uuid.New().String() }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if cfg.Inbound {
				if v := r.Header.Get(header); validInboundID(v) {
					id = v
				}
			}
			if id == "" {
				id = newID()
			}

			r, rc := reqctx.Ensure(r)
			rc.RequestID = id
			r.Header.Set(header, id)
			w.Header().Set(header, id)
			next.ServeHTTP(w, r)
		})
	}
}

// validInboundID accepts printable ASCII without spaces, up to
// maxInboundIDLen bytes. Anything else could corrupt log lines.
func validInboundID(id string) bool {
	if id == "" || len(id) > maxInboundIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

// GetRequestID returns the id recorded for r, or "".
func GetRequestID(r *http.Request) string {
	if rc := reqctx.From(r); rc != nil {
		return rc.RequestID
	}
	return ""
}
