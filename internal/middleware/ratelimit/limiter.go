package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/wudi/apigate/internal/config"
	"github.com/wudi/apigate/internal/reqctx"
	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter decides whether the client identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// New builds the limiter described by cfg. It returns nil when rate
// limiting is disabled; Middleware treats a nil Limiter as pass-through.
func New(cfg config.RateLimitConfig) (Limiter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case "", "local":
		l, err := NewLocal(cfg)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedis(client, cfg), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown backend %q", cfg.Backend)
	}
}

// Local is an in-process token bucket per client. Buckets live in a
// bounded LRU so a flood of distinct clients cannot grow memory without
// limit; an evicted client simply starts again with a full bucket.
type Local struct {
	limit   rate.Limit
	burst   int
	buckets *lru.Cache[string, *rate.Limiter]
}

// NewLocal creates a local limiter allowing cfg.Rate requests per
// cfg.Period with bursts up to cfg.Burst.
func NewLocal(cfg config.RateLimitConfig) (*Local, error) {
	period := cfg.Period
	if period <= 0 {
		period = time.Second
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Rate
	}
	size := cfg.MaxClients
	if size <= 0 {
		size = 10000
	}
	buckets, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: %w", err)
	}
	return &Local{
		limit:   rate.Limit(float64(cfg.Rate) / period.Seconds()),
		burst:   burst,
		buckets: buckets,
	}, nil
}

func (l *Local) bucket(key string) *rate.Limiter {
	if b, ok := l.buckets.Get(key); ok {
		return b
	}
	b := rate.NewLimiter(l.limit, l.burst)
	if prev, ok, _ := l.buckets.PeekOrAdd(key, b); ok {
		return prev
	}
	return b
}

// Allow takes one token from key's bucket.
func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	now := time.Now()
	b := l.bucket(key)
	allowed := b.AllowN(now, 1)

	tokens := b.TokensAt(now)
	d := Decision{
		Allowed:   allowed,
		Limit:     l.burst,
		Remaining: int(tokens),
		Reset:     now,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if tokens < 1 && l.limit > 0 {
		wait := time.Duration((1 - tokens) / float64(l.limit) * float64(time.Second))
		d.Reset = now.Add(wait)
	}
	return d, nil
}

// Clients returns the number of tracked clients.
func (l *Local) Clients() int {
	return l.buckets.Len()
}

// Close is a no-op.
func (l *Local) Close() error { return nil }

// KeyFunc extracts the client identity used as the limiter key.
type KeyFunc func(*http.Request) string

// BuildKeyFunc returns the key function for a configured strategy:
// "ip" or "header:<name>". The header strategy falls back to the client IP
// when the header is absent.
func BuildKeyFunc(key string) KeyFunc {
	if strings.HasPrefix(key, "header:") {
		name := key[len("header:"):]
		prefix := "header:" + name + ":"
		return func(r *http.Request) string {
			if v := r.Header.Get(name); v != "" {
				return prefix + v
			}
			return clientIP(r)
		}
	}
	return clientIP
}

func clientIP(r *http.Request) string {
	if rc := reqctx.From(r); rc != nil && rc.ClientIP != "" {
		return rc.ClientIP
	}
	return reqctx.PeerIP(r)
}
