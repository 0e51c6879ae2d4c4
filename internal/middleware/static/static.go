// Package static answers the fixed paths of the RouteMap's static section
// with the gateway's own handlers.
package static

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/wudi/apigate/internal/errors"
	"github.com/wudi/apigate/internal/middleware"
	"github.com/wudi/apigate/internal/reqctx"
)

// Routes maps static paths to handlers.
type Routes struct {
	handlers map[string]http.Handler
	served   atomic.Int64
}

// New binds every path in paths to the handler registered for its tag.
// A tag without a handler is an error.
func New(paths map[string]string, byTag map[string]http.Handler) (*Routes, error) {
	s := &Routes{
		handlers: make(map[string]http.Handler, len(paths)),
	}
	for p, tag := range paths {
		h, ok := byTag[tag]
		if !ok || h == nil {
			return nil, fmt.Errorf("static %s: no handler for tag %q", p, tag)
		}
		s.handlers[p] = h
	}
	return s, nil
}

// Middleware returns the static stage. Static routes accept GET and HEAD.
func (s *Routes) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if len(s.handlers) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, rc := reqctx.Ensure(r)
			h, ok := s.handlers[rc.OriginalPath]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			rc.MatchedRoute = "static " + rc.OriginalPath
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				w.Header().Set("Allow", "GET, HEAD")
				errors.ErrMethodNotAllowed.
					WithRequest(r.Method, rc.OriginalPath).
					WithRequestID(rc.RequestID).
					WriteJSON(w)
				return
			}
			s.served.Add(1)
			h.ServeHTTP(w, r)
		})
	}
}

// Served returns the number of requests answered by static handlers.
func (s *Routes) Served() int64 {
	return s.served.Load()
}

// Ping answers with a plain "pong".
func Ping() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			w.Write([]byte("pong\n"))
		}
	})
}
