package logging

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/apigate/internal/reqctx"
	"go.uber.org/zap"
)

// Stats is a point-in-time view of the RouteLogger counters.
type Stats struct {
	RequestCount   int64 `json:"request_count"`
	ErrorCount     int64 `json:"error_count"`
	EventCount     int64 `json:"event_count"`
	InternalErrors int64 `json:"internal_errors"`
	UptimeMs       int64 `json:"uptime_ms"`
}

// RouteLogger logs requests and lifecycle events and keeps counters.
// Logging failures are counted, never returned to request handlers.
type RouteLogger struct {
	logger *zap.Logger
	sinks  *sinks
	start  time.Time

	requests atomic.Int64
	errors   atomic.Int64
	events   atomic.Int64
	internal atomic.Int64

	closeOnce sync.Once
}

// NewRouteLogger builds a RouteLogger with its own sinks.
func NewRouteLogger(opts Options) (*RouteLogger, error) {
	rl := &RouteLogger{start: time.Now()}
	logger, s, err := build(opts, rl.countInternal)
	if err != nil {
		return nil, err
	}
	rl.logger = logger
	rl.sinks = s
	return rl, nil
}

// NewRouteLoggerWithLogger wraps an existing zap logger.
func NewRouteLoggerWithLogger(l *zap.Logger) *RouteLogger {
	return &RouteLogger{logger: l, sinks: &sinks{}, start: time.Now()}
}

// Logger returns the underlying zap logger.
func (rl *RouteLogger) Logger() *zap.Logger {
	return rl.logger
}

func (rl *RouteLogger) countInternal() {
	rl.internal.Add(1)
}

// write logs one entry; a panicking core is counted and swallowed.
func (rl *RouteLogger) write(warn bool, msg string, fields []zap.Field) {
	defer func() {
		if recover() != nil {
			rl.countInternal()
		}
	}()
	if warn {
		rl.logger.Warn(msg, fields...)
		return
	}
	rl.logger.Info(msg, fields...)
}

var statusRecorderPool = sync.Pool{
	New: func() any { return &statusRecorder{} },
}

// Middleware returns the request logging stage. It reads the request
// context after the rest of the pipeline ran, so the version and service
// resolved by later stages are included.
func (rl *RouteLogger) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			sr := statusRecorderPool.Get().(*statusRecorder)
			sr.ResponseWriter = w
			sr.status = http.StatusOK
			sr.bytes = 0
			sr.wroteHeader = false

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			status, bytes := sr.status, sr.bytes
			sr.ResponseWriter = nil
			statusRecorderPool.Put(sr)

			rl.requests.Add(1)
			if status >= http.StatusInternalServerError {
				rl.errors.Add(1)
			}

			var fields [14]zap.Field
			n := 0
			fields[n] = zap.String("method", r.Method); n++
			fields[n] = zap.Int("status", status); n++
			fields[n] = zap.Int64("body_bytes", bytes); n++
			fields[n] = zap.Duration("latency", duration); n++
			if r.URL.RawQuery != "" {
				fields[n] = zap.String("query", r.URL.RawQuery); n++
			}
			if ua := r.UserAgent(); ua != "" {
				fields[n] = zap.String("user_agent", ua); n++
			}
			if rc := reqctx.From(r); rc != nil {
				fields[n] = zap.String("request_id", rc.RequestID); n++
				fields[n] = zap.String("path", rc.OriginalPath); n++
				fields[n] = zap.String("client_ip", rc.ClientIP); n++
				if rc.ResolvedVersion != "" {
					fields[n] = zap.String("version", rc.ResolvedVersion); n++
				}
				if rc.MatchedRoute != "" {
					fields[n] = zap.String("route", rc.MatchedRoute); n++
				}
				if rc.TargetService != "" {
					fields[n] = zap.String("service", rc.TargetService); n++
				}
			} else {
				fields[n] = zap.String("path", r.URL.Path); n++
			}

			rl.write(status >= http.StatusInternalServerError, "HTTP request", fields[:n])
		})
	}
}

// LogEvent records a lifecycle event that is not tied to a request.
func (rl *RouteLogger) LogEvent(name string, fields ...zap.Field) {
	rl.events.Add(1)
	all := make([]zap.Field, 0, len(fields)+1)
	all = append(all, zap.String("event", name))
	all = append(all, fields...)
	rl.write(false, name, all)
}

// Stats returns the current counters.
func (rl *RouteLogger) Stats() Stats {
	return Stats{
		RequestCount:   rl.requests.Load(),
		ErrorCount:     rl.errors.Load(),
		EventCount:     rl.events.Load(),
		InternalErrors: rl.internal.Load(),
		UptimeMs:       time.Since(rl.start).Milliseconds(),
	}
}

// Sync flushes buffered entries.
func (rl *RouteLogger) Sync() {
	if err := rl.logger.Sync(); err != nil {
		rl.countInternal()
	}
}

// Close flushes and releases the sinks. Safe to call more than once.
func (rl *RouteLogger) Close() {
	rl.closeOnce.Do(func() {
		rl.Sync()
		if err := rl.sinks.close(); err != nil {
			rl.countInternal()
		}
	})
}

// statusRecorder wraps http.ResponseWriter to capture status and bytes
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(status int) {
	if !sr.wroteHeader {
		sr.status = status
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wroteHeader = true
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
