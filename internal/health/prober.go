package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Result is the outcome of one probe.
type Result struct {
	Healthy    bool
	StatusCode int
	Latency    time.Duration
	Err        error
}

// Prober issues health check requests.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// NewProber creates a prober that sends requests through rt and gives up
// after timeout.
func NewProber(rt http.RoundTripper, timeout time.Duration) *Prober {
	if rt == nil {
		rt = http.DefaultTransport
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{
		client: &http.Client{
			Transport: rt,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
	}
}

// Probe sends GET baseURL+path. Any 2xx is healthy; the body is ignored.
func (p *Prober) Probe(ctx context.Context, baseURL, path string) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	checkURL := strings.TrimSuffix(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return Result{Latency: time.Since(start), Err: err}
	}
	req.Header.Set("User-Agent", "apigate-health-check")

	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Result{Latency: latency, Err: err}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	res := Result{
		StatusCode: resp.StatusCode,
		Latency:    latency,
		Healthy:    resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	if !res.Healthy {
		res.Err = fmt.Errorf("unhealthy status code: %d", resp.StatusCode)
	}
	return res
}

// Apply records r on s.
func (r Result) Apply(s *ServiceHealth) {
	if r.Healthy {
		s.RecordSuccess(r.Latency)
		return
	}
	s.RecordFailure(r.Latency, r.Err)
}
