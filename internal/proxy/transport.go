package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/apigate/internal/config"
)

// NewTransport creates an HTTP transport for upstream traffic.
func NewTransport(cfg config.TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		ForceAttemptHTTP2: true,
	}
}

// TransportPool hands out the pooled transports used for upstream calls.
// Every service shares the default transport unless one is set for it.
type TransportPool struct {
	defaultTransport http.RoundTripper

	mu         sync.RWMutex
	transports map[string]http.RoundTripper
}

// NewTransportPool creates a pool whose default transport is built from cfg.
func NewTransportPool(cfg config.TransportConfig) *TransportPool {
	return NewTransportPoolWithDefault(NewTransport(cfg))
}

// NewTransportPoolWithDefault creates a pool around an existing round tripper.
func NewTransportPoolWithDefault(rt http.RoundTripper) *TransportPool {
	return &TransportPool{
		defaultTransport: rt,
		transports:       make(map[string]http.RoundTripper),
	}
}

// Get returns the transport for a service.
// Returns the default transport for empty or unknown names.
func (tp *TransportPool) Get(name string) http.RoundTripper {
	if name != "" {
		tp.mu.RLock()
		t, ok := tp.transports[name]
		tp.mu.RUnlock()
		if ok {
			return t
		}
	}
	return tp.defaultTransport
}

// Set assigns a dedicated round tripper to a service.
func (tp *TransportPool) Set(name string, rt http.RoundTripper) {
	tp.mu.Lock()
	tp.transports[name] = rt
	tp.mu.Unlock()
}

type idleCloser interface {
	CloseIdleConnections()
}

// CloseIdleConnections closes idle connections on all transports
func (tp *TransportPool) CloseIdleConnections() {
	if c, ok := tp.defaultTransport.(idleCloser); ok {
		c.CloseIdleConnections()
	}
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	for _, t := range tp.transports {
		if c, ok := t.(idleCloser); ok {
			c.CloseIdleConnections()
		}
	}
}
