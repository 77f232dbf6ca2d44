package client

import (
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"iptv-player/work/config"
)

// HostLimiter throttles polling requests per upstream host. Manifest polls
// and probe retries against the same provider share one token bucket so a
// misbehaving stream cannot hammer its origin.
type HostLimiter struct {
	rate     int
	limiters *xsync.MapOf[string, ratelimit.Limiter]
}

// NewHostLimiter creates a limiter registry at the configured per-host rate.
func NewHostLimiter(cfg *config.Config) *HostLimiter {
	return &HostLimiter{
		rate:     cfg.HostRateLimit,
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// Wait blocks until the per-host rate limit admits another request. An empty
// host (unparseable URL) is never throttled.
func (hl *HostLimiter) Wait(host string) {
	if host == "" || hl.rate <= 0 {
		return
	}
	limiter, _ := hl.limiters.LoadOrCompute(host, func() ratelimit.Limiter {
		return ratelimit.New(hl.rate)
	})
	limiter.Take()
}
