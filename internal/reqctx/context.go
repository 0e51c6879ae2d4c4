// Package reqctx carries per-request gateway state through the pipeline.
package reqctx

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// Context is the mutable state of one request. Stages write to it as the
// request moves through the pipeline; it is discarded with the response.
type Context struct {
	RequestID string
	StartedAt time.Time
	ClientIP  string

	// RawBody holds the request body exactly as received.
	RawBody []byte

	// Parsed body, filled by the body parsing stage.
	BodyKind string // "json", "form", "other" or "" for no body
	JSON     gjson.Result
	Form     map[string][]string

	// OriginalPath is the path the client sent. Path is the path after
	// version stripping or legacy aliasing.
	OriginalPath string
	Path         string

	ResolvedVersion string
	VersionSource   string // path, header, default

	MatchedRoute  string
	TargetService string
	PathParams    map[string]string
}

// RequestContextKey is the context key for storing the request context
type RequestContextKey struct{}

// New creates a context for r.
func New(r *http.Request) *Context {
	return &Context{
		StartedAt:    time.Now(),
		ClientIP:     PeerIP(r),
		OriginalPath: r.URL.Path,
		Path:         r.URL.Path,
	}
}

// With returns a shallow copy of r carrying c.
func With(r *http.Request, c *Context) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), RequestContextKey{}, c))
}

// FromContext returns the request context stored in ctx, or nil.
func FromContext(ctx context.Context) *Context {
	c, _ := ctx.Value(RequestContextKey{}).(*Context)
	return c
}

// From returns the request context of r, or nil.
func From(r *http.Request) *Context {
	return FromContext(r.Context())
}

// Ensure returns r and its request context, attaching a new one if needed.
func Ensure(r *http.Request) (*http.Request, *Context) {
	if c := From(r); c != nil {
		return r, c
	}
	c := New(r)
	return With(r, c), c
}

// PeerIP returns the host part of r.RemoteAddr. Forwarding headers are
// ignored here; the realip stage replaces ClientIP for requests that come
// through a trusted proxy.
func PeerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
