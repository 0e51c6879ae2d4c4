// Package debug serves the verbose diagnostics endpoints that are only
// installed when debugging is switched on.
package debug

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/wudi/apigate/internal/errors"
	"github.com/wudi/apigate/internal/reqctx"
)

var startTime = time.Now()

// maxEchoBody caps the body echoed back by the request endpoint.
const maxEchoBody = 64 << 10

// Handler serves debug endpoint sub-paths.
type Handler struct {
	path string
}

// New creates a debug handler mounted at path.
func New(path string) *Handler {
	if path == "" {
		path = "/_gateway/debug"
	}
	return &Handler{path: strings.TrimRight(path, "/")}
}

// Path returns the mount path.
func (h *Handler) Path() string {
	return h.path
}

// Matches returns true if the request path starts with the debug prefix.
func (h *Handler) Matches(path string) bool {
	return path == h.path || strings.HasPrefix(path, h.path+"/")
}

// ServeHTTP handles debug endpoint requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r, rc := reqctx.Ensure(r)
	sub := strings.TrimPrefix(rc.OriginalPath, h.path)
	sub = strings.TrimPrefix(sub, "/")

	switch sub {
	case "request":
		h.handleRequest(w, r, rc)
	case "runtime":
		h.handleRuntime(w, r)
	default:
		errors.ErrNotFound.
			WithRequest(r.Method, rc.OriginalPath).
			WithRequestID(rc.RequestID).
			WriteJSON(w)
	}
}

// handleRequest echoes the request as the pipeline sees it.
func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request, rc *reqctx.Context) {
	query := make(map[string][]string, len(r.URL.Query()))
	for k, v := range r.URL.Query() {
		query[k] = v
	}

	result := map[string]any{
		"request_id":     rc.RequestID,
		"method":         r.Method,
		"url":            r.URL.String(),
		"original_path":  rc.OriginalPath,
		"proto":          r.Proto,
		"host":           r.Host,
		"client_ip":      rc.ClientIP,
		"content_length": len(rc.RawBody),
		"headers":        r.Header,
		"query":          query,
		"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if rc.BodyKind != "" {
		result["body_kind"] = rc.BodyKind
	}
	if len(rc.RawBody) > 0 {
		body := rc.RawBody
		if len(body) > maxEchoBody {
			body = body[:maxEchoBody]
		}
		result["body"] = string(body)
	}
	if r.TLS != nil {
		result["tls"] = map[string]any{
			"version":     r.TLS.Version,
			"server_name": r.TLS.ServerName,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleRuntime returns Go runtime stats.
func (h *Handler) handleRuntime(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	result := map[string]any{
		"goroutines":     runtime.NumGoroutine(),
		"cpus":           runtime.NumCPU(),
		"go_version":     runtime.Version(),
		"uptime_seconds": time.Since(startTime).Seconds(),
		"memory": map[string]any{
			"alloc_bytes":       mem.Alloc,
			"total_alloc_bytes": mem.TotalAlloc,
			"sys_bytes":         mem.Sys,
			"heap_alloc_bytes":  mem.HeapAlloc,
			"heap_inuse_bytes":  mem.HeapInuse,
			"heap_objects":      mem.HeapObjects,
		},
		"gc": map[string]any{
			"num_gc":         mem.NumGC,
			"pause_total_ns": mem.PauseTotalNs,
			"last_pause_ns":  mem.PauseNs[(mem.NumGC+255)%256],
			"next_gc_bytes":  mem.NextGC,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
