// Package realip decides which address a request really comes from.
package realip

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/wudi/apigate/internal/middleware"
	"github.com/wudi/apigate/internal/reqctx"
)

// Resolver trusts X-Forwarded-For and X-Real-IP only when the peer is a
// configured proxy. Without trusted proxies the peer address is always
// the client.
type Resolver struct {
	trusted []netip.Prefix

	total       atomic.Int64
	fromHeaders atomic.Int64
}

// parsePrefix accepts a CIDR or a bare IP, which is widened to a
// single-host prefix.
func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
}

// New creates a Resolver trusting the given networks.
func New(cidrs []string) (*Resolver, error) {
	rs := &Resolver{trusted: make([]netip.Prefix, 0, len(cidrs))}
	for _, c := range cidrs {
		p, err := parsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
		}
		rs.trusted = append(rs.trusted, p)
	}
	return rs, nil
}

// ClientIP returns the client address of r. When the peer is trusted the
// X-Forwarded-For chain is walked from the right and the first untrusted
// hop wins; X-Real-IP is used when there is no chain.
func (rs *Resolver) ClientIP(r *http.Request) string {
	peer := reqctx.PeerIP(r)
	if !rs.isTrusted(peer) {
		return peer
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		if ip := rs.walk(strings.Join(xff, ",")); ip != "" {
			rs.fromHeaders.Add(1)
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if addr, err := netip.ParseAddr(xri); err == nil {
			rs.fromHeaders.Add(1)
			return addr.Unmap().String()
		}
	}
	return peer
}

// walk returns the rightmost untrusted address in a forwarding chain, or
// the leftmost one when every hop is trusted. Malformed entries end the
// walk: nothing to their left can be vouched for.
func (rs *Resolver) walk(chain string) string {
	parts := strings.Split(chain, ",")
	last := ""
	for i := len(parts) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(parts[i])
		if hop == "" {
			continue
		}
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			return last
		}
		last = addr.Unmap().String()
		if !rs.trustedAddr(addr) {
			return last
		}
	}
	return last
}

func (rs *Resolver) isTrusted(ip string) bool {
	if rs == nil || len(rs.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return rs.trustedAddr(addr)
}

func (rs *Resolver) trustedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range rs.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware stores the client address in the request context.
func (rs *Resolver) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, rc := reqctx.Ensure(r)
			rs.total.Add(1)
			rc.ClientIP = rs.ClientIP(r)
			next.ServeHTTP(w, r)
		})
	}
}

// Stats counts resolved requests.
type Stats struct {
	TrustedNetworks int   `json:"trusted_networks"`
	Requests        int64 `json:"requests"`
	FromHeaders     int64 `json:"from_headers"`
}

// Stats returns the current counters.
func (rs *Resolver) Stats() Stats {
	return Stats{
		TrustedNetworks: len(rs.trusted),
		Requests:        rs.total.Load(),
		FromHeaders:     rs.fromHeaders.Load(),
	}
}
