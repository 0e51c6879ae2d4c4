package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/apigate/internal/config"
	"github.com/wudi/apigate/internal/errors"
	"github.com/wudi/apigate/internal/health"
	"github.com/wudi/apigate/internal/metrics"
	"github.com/wudi/apigate/internal/reqctx"
	"go.uber.org/zap"
)

// Upstream forwards requests to one service. It is built once and reused
// for every request to that service.
type Upstream struct {
	name      string
	target    *url.URL
	timeout   time.Duration
	transport http.RoundTripper
	health    *health.ServiceHealth
	metrics   *metrics.Collector
	logger    *zap.Logger

	requests    atomic.Int64
	errors      atomic.Int64
	lastLatency atomic.Int64 // nanoseconds
}

// NewUpstream creates the handler for a service.
func NewUpstream(name string, spec config.ServiceSpec, rt http.RoundTripper, sh *health.ServiceHealth) (*Upstream, error) {
	target, err := url.Parse(spec.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("service %s: invalid base_url: %w", name, err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("service %s: base_url %q must be an absolute http or https URL", name, spec.BaseURL)
	}
	timeout := spec.Timeout()
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultTimeoutMs) * time.Millisecond
	}
	return &Upstream{
		name:      name,
		target:    target,
		timeout:   timeout,
		transport: rt,
		health:    sh,
		logger:    zap.NewNop(),
	}, nil
}

// ServeHTTP forwards r and streams the answer back. The request body is
// taken from the request context, exactly as the client sent it.
func (u *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r, rc := reqctx.Ensure(r)
	u.requests.Add(1)

	ctx, cancel := context.WithTimeout(r.Context(), u.timeout)
	defer cancel()

	pooledHeader := acquireProxyHeader()
	defer releaseProxyHeader(pooledHeader)
	proxyReq := u.createProxyRequest(ctx, r, rc, pooledHeader)

	start := time.Now()
	resp, err := u.transport.RoundTrip(proxyReq)
	latency := time.Since(start)
	u.lastLatency.Store(int64(latency))
	u.metrics.ObserveUpstream(u.name, latency)

	if err != nil {
		u.handleError(w, r, rc, ctx, err, latency)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		u.errors.Add(1)
	} else {
		u.health.RecordSuccess(latency)
	}
	u.metrics.RecordRequest(u.name, rc.ResolvedVersion, resp.StatusCode)

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if err := copyBody(w, resp.Body); err != nil {
		u.abortStream(r, rc, ctx, err, time.Since(start))
	}
}

// abortStream handles an upstream body that failed after the status line
// was sent. It counts as a failed round trip and the client connection is
// aborted.
func (u *Upstream) abortStream(r *http.Request, rc *reqctx.Context, ctx context.Context, err error, elapsed time.Duration) {
	if r.Context().Err() != nil {
		return
	}
	u.errors.Add(1)
	u.health.RecordFailure(elapsed, err)

	kind := "transport"
	if isTimeout(ctx, err) {
		kind = "timeout"
	}
	u.metrics.RecordUpstreamError(u.name, kind)
	u.logger.Warn("upstream response interrupted",
		zap.String("service", u.name),
		zap.String("kind", kind),
		zap.Duration("elapsed", elapsed),
		zap.String("request_id", rc.RequestID),
		zap.Error(err),
	)
	panic(http.ErrAbortHandler)
}

// createProxyRequest builds the upstream request. If header is non-nil it
// is reused; the caller owns its pool lifecycle.
func (u *Upstream) createProxyRequest(ctx context.Context, r *http.Request, rc *reqctx.Context, header http.Header) *http.Request {
	targetURL := *u.target
	path := rc.Path
	if path == "" {
		path = r.URL.Path
	}
	targetURL.Path = singleJoiningSlash(u.target.Path, path)
	targetURL.RawPath = ""
	targetURL.RawQuery = r.URL.RawQuery

	proxyReq := (&http.Request{
		Method:     r.Method,
		URL:        &targetURL,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Host:       u.target.Host,
	}).WithContext(ctx)

	if len(rc.RawBody) > 0 {
		raw := rc.RawBody
		proxyReq.Body = io.NopCloser(bytes.NewReader(raw))
		proxyReq.ContentLength = int64(len(raw))
		proxyReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(raw)), nil
		}
	}

	if header == nil {
		header = make(http.Header, len(r.Header)+3)
	}
	proxyReq.Header = header
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}
	removeHopHeaders(proxyReq.Header)

	// The peer address is appended; rc.ClientIP may already be an entry
	// of the inbound chain.
	if peer := remoteIP(r); peer != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+peer)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", peer)
		}
	}
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	return proxyReq
}

// handleError answers a failed round trip. Timeouts become 504, every other
// transport error 502; both count as one health failure. A client that went
// away is not the upstream's fault and is not counted.
func (u *Upstream) handleError(w http.ResponseWriter, r *http.Request, rc *reqctx.Context, ctx context.Context, err error, latency time.Duration) {
	if r.Context().Err() != nil {
		u.logger.Debug("client canceled upstream request",
			zap.String("service", u.name),
			zap.String("request_id", rc.RequestID),
		)
		return
	}

	u.errors.Add(1)
	u.health.RecordFailure(latency, err)

	base, kind := errors.ErrBadGateway, "transport"
	if isTimeout(ctx, err) {
		base, kind = errors.ErrGatewayTimeout, "timeout"
	}
	u.metrics.RecordUpstreamError(u.name, kind)
	u.metrics.RecordRequest(u.name, rc.ResolvedVersion, base.Code)
	u.logger.Warn("upstream request failed",
		zap.String("service", u.name),
		zap.String("kind", kind),
		zap.Duration("latency", latency),
		zap.String("request_id", rc.RequestID),
		zap.Error(err),
	)

	base.WithCause(err).
		WithRequest(r.Method, rc.OriginalPath).
		WithVersion(rc.ResolvedVersion).
		WithService(u.name).
		WithRequestID(rc.RequestID).
		WriteJSON(w)
}

func isTimeout(ctx context.Context, err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return true
	}
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}

// Requests returns the number of forwarded requests.
func (u *Upstream) Requests() int64 { return u.requests.Load() }

// Errors returns the number of failed or 5xx upstream answers.
func (u *Upstream) Errors() int64 { return u.errors.Load() }

// LastLatency returns the latency of the latest round trip.
func (u *Upstream) LastLatency() time.Duration { return time.Duration(u.lastLatency.Load()) }

var proxyHeaderPool = sync.Pool{
	New: func() any { return make(http.Header, 16) },
}

func acquireProxyHeader() http.Header {
	h := proxyHeaderPool.Get().(http.Header)
	clear(h)
	return h
}

func releaseProxyHeader(h http.Header) {
	if h == nil {
		return
	}
	// Only return reasonably-sized maps to avoid holding oversized maps
	if len(h) <= 64 {
		proxyHeaderPool.Put(h)
	}
}

// copyHeaders copies headers from source to destination
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// copyBody streams the response body, flushing after every chunk. It
// returns the upstream read error, if any; io.EOF and client write
// failures return nil.
func copyBody(w http.ResponseWriter, body io.Reader) error {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders removes hop-by-hop headers, including any header named
// in Connection.
func removeHopHeaders(header http.Header) {
	for _, v := range header["Connection"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
