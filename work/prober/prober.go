package prober

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strings"

	"github.com/grafov/m3u8"

	"iptv-player/work/cache"
	"iptv-player/work/client"
	"iptv-player/work/config"
	"iptv-player/work/logger"
	"iptv-player/work/types"
	"iptv-player/work/utils"
)

// maxProbeBody bounds how much of a response body the prober will read.
// Playlists and manifests are small; anything larger is media data and the
// first bytes are enough to rule playlist formats out.
const maxProbeBody = 256 * 1024

// Prober classifies a stream URL by fetching it and inspecting headers and
// body content. The result is purely advisory: it feeds engine selection and
// is recomputed on every load attempt, never persisted.
type Prober struct {
	config     *config.Config
	httpClient *client.HeaderSettingClient
	cache      *cache.Cache // optional; caches playlist/manifest bodies
}

// New creates a Prober using the shared header-setting HTTP client. cacheInstance
// may be nil; when present, playlist and manifest bodies are cached so the
// proxied-retry and channel-hopping paths re-classify without a refetch.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, cacheInstance *cache.Cache) *Prober {
	return &Prober{
		config:     cfg,
		httpClient: httpClient,
		cache:      cacheInstance,
	}
}

// Probe fetches the URL with the configured abort timeout and classifies the
// content. Classification never fails: network errors, timeouts and
// unrecognized content all degrade to ProbeIndeterminate, which callers must
// treat as "try the generic segmented-streaming engine, then native".
func (p *Prober) Probe(ctx context.Context, rawURL string) types.ProbeResult {
	if p.cache != nil {
		if body, ok := p.cache.GetManifest(rawURL); ok {
			return p.classifyBody([]byte(body))
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		logger.Debug("{prober - Probe} Bad probe URL %s: %v", utils.LogURL(p.config, rawURL), err)
		return types.ProbeIndeterminate
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		logger.Debug("{prober - Probe} Probe request failed for %s: %v", utils.LogURL(p.config, rawURL), err)
		return types.ProbeIndeterminate
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Debug("{prober - Probe} HTTP %d from %s", resp.StatusCode, utils.LogURL(p.config, rawURL))
		return types.ProbeIndeterminate
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))

	// content-type header first: DASH manifests declare themselves
	if strings.Contains(contentType, "dash+xml") {
		return types.ProbeAdaptiveManifest
	}

	// playlist-like content types and playlist-suffixed URLs get a body read
	playlistType := strings.Contains(contentType, "mpegurl") || strings.Contains(contentType, "m3u8")
	if playlistType || utils.HasPathSuffix(rawURL, ".m3u8") {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
		if err != nil {
			logger.Debug("{prober - Probe} Body read failed for %s: %v", utils.LogURL(p.config, rawURL), err)
			return types.ProbeIndeterminate
		}
		p.cacheBody(rawURL, body)
		return p.classifyPlaylist(string(body))
	}

	if strings.Contains(contentType, "xml") || utils.HasPathSuffix(rawURL, ".mpd") {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
		if err == nil && isDASHManifest(body) {
			p.cacheBody(rawURL, body)
			return types.ProbeAdaptiveManifest
		}
		if utils.HasPathSuffix(rawURL, ".mpd") {
			// trust the suffix even when the body didn't parse
			return types.ProbeAdaptiveManifest
		}
		return types.ProbeIndeterminate
	}

	if isProgressiveContentType(contentType) || hasMediaExtension(rawURL) {
		return types.ProbeProgressive
	}

	// ambiguous content type: sniff the first bytes for playlist or manifest
	// markers before giving up
	head, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil || len(head) == 0 {
		return types.ProbeIndeterminate
	}
	if bytes.HasPrefix(bytes.TrimLeft(head, " \t\r\n"), []byte("#EXTM3U")) {
		p.cacheBody(rawURL, head)
		return p.classifyPlaylist(string(head))
	}
	if isDASHManifest(head) {
		p.cacheBody(rawURL, head)
		return types.ProbeAdaptiveManifest
	}

	return types.ProbeIndeterminate
}

// classifyBody classifies a cached playlist or manifest body without a
// network fetch. Only bodies that classified as playlist or manifest are
// cached, so the two markers cover everything stored.
func (p *Prober) classifyBody(body []byte) types.ProbeResult {
	if bytes.HasPrefix(bytes.TrimLeft(body, " \t\r\n"), []byte("#EXTM3U")) {
		return p.classifyPlaylist(string(body))
	}
	if isDASHManifest(body) {
		return types.ProbeAdaptiveManifest
	}
	return types.ProbeIndeterminate
}

func (p *Prober) cacheBody(rawURL string, body []byte) {
	if p.cache != nil {
		p.cache.SetManifest(rawURL, string(body))
	}
}

// classifyPlaylist distinguishes plain segmented media playlists from
// multi-variant master playlists. It decodes with the m3u8 parser first and
// falls back to directive scanning when the parser rejects the content.
//
// A playlist is plain-segmented only when it carries segment directives
// referencing transport-stream segments and neither stream-selection nor
// init-map/discontinuity-map directives. That exact shape plays more
// reliably through the segmented-streaming engine than through the embedded
// player, so the distinction drives engine selection.
func (p *Prober) classifyPlaylist(content string) types.ProbeResult {
	if strings.Contains(content, "#EXT-X-STREAM-INF") {
		return types.ProbeMultiVariant
	}
	if !strings.Contains(content, "#EXTINF") {
		return types.ProbeIndeterminate
	}

	if pl, listType, err := m3u8.DecodeFrom(strings.NewReader(content), true); err == nil {
		switch listType {
		case m3u8.MASTER:
			return types.ProbeMultiVariant
		case m3u8.MEDIA:
			if media, ok := pl.(*m3u8.MediaPlaylist); ok {
				return classifyMediaPlaylist(content, media)
			}
		}
	} else {
		logger.Debug("{prober - classifyPlaylist} m3u8 decode failed, using directive scan: %v", err)
	}

	// fallback directive scan for playlists the parser could not decode
	if playlistReferencesTS(content) && !hasDisqualifyingDirective(content) {
		return types.ProbePlainSegmented
	}
	return types.ProbeIndeterminate
}

// hasDisqualifyingDirective reports directives that rule the plain-segmented
// fast path out: init maps mean fragmented MP4 segments, and a discontinuity
// sequence means spliced content the fast path mishandles.
func hasDisqualifyingDirective(content string) bool {
	return strings.Contains(content, "#EXT-X-MAP") ||
		strings.Contains(content, "#EXT-X-DISCONTINUITY-SEQUENCE")
}

// classifyMediaPlaylist inspects a decoded media playlist.
func classifyMediaPlaylist(content string, media *m3u8.MediaPlaylist) types.ProbeResult {
	if hasDisqualifyingDirective(content) {
		return types.ProbeIndeterminate
	}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		if utils.HasPathSuffix(seg.URI, ".ts") {
			return types.ProbePlainSegmented
		}
	}
	// segment directives present but no transport-stream references
	if playlistReferencesTS(content) {
		return types.ProbePlainSegmented
	}
	return types.ProbeIndeterminate
}

// playlistReferencesTS scans playlist lines for transport-stream segment
// references, ignoring directives and blank lines.
func playlistReferencesTS(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if utils.HasPathSuffix(line, ".ts") {
			return true
		}
	}
	return false
}

// isDASHManifest reports whether the body is an XML document whose root
// element is the DASH manifest tag.
func isDASHManifest(body []byte) bool {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local == "MPD"
		}
	}
}

// isProgressiveContentType recognizes content types served for progressive
// files and raw transport streams.
func isProgressiveContentType(contentType string) bool {
	switch {
	case strings.Contains(contentType, "video/mp4"),
		strings.Contains(contentType, "video/webm"),
		strings.Contains(contentType, "video/mp2t"),
		strings.Contains(contentType, "video/x-matroska"),
		strings.Contains(contentType, "audio/"):
		return true
	}
	return false
}

// hasMediaExtension is the extension-based fallback guess for progressive
// content when headers say nothing useful.
func hasMediaExtension(rawURL string) bool {
	for _, ext := range []string{".mp4", ".webm", ".mkv", ".ts", ".mp3", ".aac"} {
		if utils.HasPathSuffix(rawURL, ext) {
			return true
		}
	}
	return false
}
