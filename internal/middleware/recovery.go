package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/wudi/apigate/internal/errors"
	"github.com/wudi/apigate/internal/logging"
	"github.com/wudi/apigate/internal/reqctx"
	"go.uber.org/zap"
)

// Recovery turns panics into 500 responses logged on the global logger.
func Recovery() Middleware {
	return recovery(nil)
}

// RecoveryWithLogger is Recovery logging to l.
func RecoveryWithLogger(l *zap.Logger) Middleware {
	return recovery(l)
}

// recovery writes a structured 500 for a panicking handler. The panic
// value and stack go to the log only. http.ErrAbortHandler is re-raised
// so net/http can abort the connection.
func recovery(l *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}

				logger := l
				if logger == nil {
					logger = logging.Global()
				}
				fields := []zap.Field{
					zap.Any("error", v),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				}
				gwErr := errors.ErrInternalServer.
					WithCause(fmt.Errorf("panic: %v", v)).
					WithRequest(r.Method, r.URL.Path)
				if rc := reqctx.From(r); rc != nil && rc.RequestID != "" {
					fields = append(fields, zap.String("request_id", rc.RequestID))
					gwErr = gwErr.WithRequestID(rc.RequestID)
				}
				logger.Error("Panic recovered", fields...)
				gwErr.WriteJSON(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
