// Package ratelimit throttles clients that exceed their request budget.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/wudi/apigate/internal/errors"
	"github.com/wudi/apigate/internal/logging"
	"github.com/wudi/apigate/internal/middleware"
	"github.com/wudi/apigate/internal/reqctx"
	"go.uber.org/zap"
)

// Middleware enforces l for every request. A nil l disables the stage.
// Backend failures fail open. onReject, when non-nil, is called for every
// throttled request.
func Middleware(l Limiter, keyFn KeyFunc, onReject func(*http.Request)) middleware.Middleware {
	if keyFn == nil {
		keyFn = clientIP
	}
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), keyFn(r))
			if err != nil {
				logging.Warn("rate limit backend unavailable, failing open", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

			if !d.Allowed {
				retryAfter := int(time.Until(d.Reset).Seconds() + 0.999)
				if retryAfter < 1 {
					retryAfter = 1
				}
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				if onReject != nil {
					onReject(r)
				}
				e := errors.ErrTooManyRequests.WithRequest(r.Method, r.URL.Path)
				if rc := reqctx.From(r); rc != nil {
					e = e.WithRequestID(rc.RequestID)
				}
				e.WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
