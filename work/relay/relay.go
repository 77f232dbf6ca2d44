package relay

import (
	"strings"

	"iptv-player/work/config"
	"iptv-player/work/utils"
)

// Relay implements the proxy policy: a fixed list of origins known to reject
// direct client requests, and a relay origin that such requests are routed
// through. The policy is pure; it never issues network requests.
type Relay struct {
	origin  string          // relay origin prefixed to proxied URLs
	blocked map[string]bool // lowercase hostnames requiring the relay
}

// New builds a Relay from the configured relay origin and blocked host list.
// An empty relay origin disables proxying entirely regardless of the list.
func New(cfg *config.Config) *Relay {
	blocked := make(map[string]bool, len(cfg.BlockedHosts))
	for _, h := range cfg.BlockedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			blocked[h] = true
		}
	}
	return &Relay{
		origin:  cfg.RelayOrigin,
		blocked: blocked,
	}
}

// Enabled reports whether a relay origin is configured at all.
func (r *Relay) Enabled() bool {
	return r.origin != ""
}

// MustProxy reports whether requests for the URL have to be routed through
// the relay. A host matches when it equals a blocked host or is a subdomain
// of one. Already-proxied URLs never match again.
func (r *Relay) MustProxy(raw string) bool {
	if !r.Enabled() || r.IsProxied(raw) {
		return false
	}
	host := utils.URLHost(raw)
	if host == "" {
		return false
	}
	if r.blocked[host] {
		return true
	}
	for b := range r.blocked {
		if strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}

// IsProxied reports whether the URL is already routed through the relay.
func (r *Relay) IsProxied(raw string) bool {
	return r.origin != "" && strings.HasPrefix(raw, r.origin)
}

// WithProxy rewrites the URL to go through the relay origin. The rewrite is
// idempotent: a URL already carrying the relay prefix is returned unchanged,
// so callers can apply it defensively on retry paths without double-prefixing.
func (r *Relay) WithProxy(raw string) string {
	if !r.Enabled() || r.IsProxied(raw) {
		return raw
	}
	return r.origin + raw
}
