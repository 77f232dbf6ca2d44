package utils

import (
	"net/url"
	"strings"

	"iptv-player/work/config"
)

// LogURL returns either the original URL or an obfuscated version for
// logging, depending on the configured obfuscation flag. Signed stream URLs
// carry tokens in their query strings, so obfuscation is on by default in
// production configs.
func LogURL(cfg *config.Config, raw string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(raw)
	}
	return raw
}

// ObfuscateURL masks the path, query and fragment of a URL, keeping only the
// scheme and host.
//
// Example:
//
//	Input:  "http://example.com/live/stream.m3u8?token=abc"
//	Output: "http://example.com/***?***"
func ObfuscateURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}

// HasPathSuffix reports whether the URL path ends with the given extension,
// ignoring query string and case. Used by the prober and the engine selector
// for the ".m3u8"/".mpd" suffix checks.
func HasPathSuffix(raw, suffix string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		// fall back to a raw string check when the URL does not parse
		base := raw
		if i := strings.IndexByte(base, '?'); i >= 0 {
			base = base[:i]
		}
		return strings.HasSuffix(strings.ToLower(base), strings.ToLower(suffix))
	}
	return strings.HasSuffix(strings.ToLower(u.Path), strings.ToLower(suffix))
}

// URLHost extracts the lowercase hostname (without port) from a URL, or ""
// if the URL does not parse.
func URLHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
