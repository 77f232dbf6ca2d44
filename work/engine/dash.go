package engine

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"iptv-player/work/logger"
	"iptv-player/work/metrics"
	"iptv-player/work/types"
	"iptv-player/work/utils"
)

// mpdDocument is the subset of a DASH manifest the engine needs: stream
// type, presentation duration and the representation ladder.
type mpdDocument struct {
	XMLName                   xml.Name `xml:"MPD"`
	Type                      string   `xml:"type,attr"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr"`
	Periods                   []struct {
		AdaptationSets []struct {
			MimeType        string `xml:"mimeType,attr"`
			ContentType     string `xml:"contentType,attr"`
			Representations []struct {
				ID        string `xml:"id,attr"`
				Height    int    `xml:"height,attr"`
				Bandwidth int    `xml:"bandwidth,attr"`
			} `xml:"Representation"`
		} `xml:"AdaptationSet"`
	} `xml:"Period"`
}

// protection is the key material configured on the DASH runtime before the
// manifest loads. Configuring it afterwards would make the first license
// exchange race the first encrypted segment.
type protection struct {
	clearKeys  map[string]string // kid -> key, hex
	licenseURL string
}

// dashEngine plays adaptive manifests, including DRM-protected ones,
// through the DASH runtime. Protection is configured before the manifest
// load, and a failed load is retried once through the relay before the
// failure is reported as fatal.
type dashEngine struct {
	base

	sourceURL  string
	srcMu      sync.RWMutex
	qualities  []types.Quality
	levelIdx   int
	protection *protection
}

func newDASH(deps Deps, sink Sink) *dashEngine {
	return &dashEngine{base: newBase(types.EngineDASH, deps, sink)}
}

// Start loads the runtime, configures protection from the channel's key
// material, then loads the manifest. A first-load failure on a non-proxied
// URL gets exactly one retry through the relay.
func (e *dashEngine) Start(ctx context.Context, rawURL string, ch *types.Channel) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.deps.Loader.Load(runCtx, e.deps.Config.DASHRuntimeURL); err != nil {
		return fmt.Errorf("dash runtime: %w", err)
	}

	e.configureProtection(ch)

	e.deps.Surface.Acquire(e.id)

	doc, err := e.loadManifest(runCtx, rawURL)
	if err != nil && e.deps.Relay.Enabled() && !e.deps.Relay.IsProxied(rawURL) {
		proxied := e.deps.Relay.WithProxy(rawURL)
		logger.Warn("{engine - Start} DASH manifest load failed, retrying through relay: %v", err)
		metrics.ProxiedRetries.Inc()
		doc, err = e.loadManifest(runCtx, proxied)
		if err == nil {
			rawURL = proxied
		}
	}
	if err != nil {
		e.deps.Surface.Release(e.id)
		return err
	}

	e.setSource(rawURL)
	e.deps.Surface.SetSource(e.id, rawURL)

	e.qualities = representationQualities(doc)

	live := strings.EqualFold(doc.Type, "dynamic")
	e.mu.Lock()
	if !live {
		e.duration = parseMPDDuration(doc.MediaPresentationDuration)
	}
	e.playing = true
	e.mu.Unlock()

	e.emit(Event{Type: EventReady, Duration: e.duration})
	e.emit(Event{Type: EventPlaying})

	go e.pump(runCtx, live)
	return nil
}

// configureProtection wires the channel's key material into the runtime.
// ClearKey pairs win over a license endpoint when both are present.
func (e *dashEngine) configureProtection(ch *types.Channel) {
	if ch == nil {
		return
	}
	switch {
	case ch.HasClearKey():
		e.mu.Lock()
		e.protection = &protection{
			clearKeys: map[string]string{ch.DRMKeyID: ch.DRMKey},
		}
		e.mu.Unlock()
		logger.Debug("{engine - configureProtection} ClearKey configured for channel %s", ch.ID)
	case ch.LicenseURL != "":
		e.mu.Lock()
		e.protection = &protection{licenseURL: ch.LicenseURL}
		e.mu.Unlock()
		logger.Debug("{engine - configureProtection} License endpoint configured for channel %s", ch.ID)
	}
}

func (e *dashEngine) loadManifest(ctx context.Context, manifestURL string) (*mpdDocument, error) {
	e.deps.Limiter.Wait(utils.URLHost(manifestURL))

	fetchCtx, cancel := context.WithTimeout(ctx, e.deps.Config.StreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.deps.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest fetch returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var doc mpdDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &doc, nil
}

func (e *dashEngine) pump(ctx context.Context, live bool) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.isPlaying() {
				continue
			}
			e.advance(1)
			if !live && e.duration > 0 && e.Position() >= e.duration {
				e.emit(Event{Type: EventEnded})
				return
			}
		}
	}
}

func (e *dashEngine) Stop() {
	e.halt()
	e.deps.Surface.Release(e.id)
}

// SwapSource is not supported mid-session on this engine; renewals restart
// the manifest load instead.
func (e *dashEngine) SwapSource(url string) error {
	if e.stopped.Load() {
		return fmt.Errorf("engine stopped")
	}
	doc, err := e.loadManifest(context.Background(), url)
	if err != nil {
		return fmt.Errorf("reloading manifest: %w", err)
	}
	e.setSource(url)
	e.deps.Surface.SetSource(e.id, url)
	e.qualities = representationQualities(doc)
	return nil
}

func (e *dashEngine) Qualities() []types.Quality {
	return e.qualities
}

func (e *dashEngine) SetQuality(index int) error {
	if index < 0 || index >= len(e.qualities) {
		return fmt.Errorf("quality index %d out of range", index)
	}
	e.levelIdx = index
	logger.Debug("{engine - SetQuality} DASH level set to %s", e.qualities[index].Label)
	return nil
}

// Protection exposes the configured key material. Used to confirm the
// protection setup happened before the manifest load.
func (e *dashEngine) Protection() (map[string]string, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.protection == nil {
		return nil, ""
	}
	return e.protection.clearKeys, e.protection.licenseURL
}

func (e *dashEngine) setSource(url string) {
	e.srcMu.Lock()
	e.sourceURL = url
	e.srcMu.Unlock()
}

// representationQualities flattens the video representation ladder,
// deduplicated by height and sorted highest first.
func representationQualities(doc *mpdDocument) []types.Quality {
	seen := make(map[int]bool)
	var out []types.Quality
	idx := 0
	for _, period := range doc.Periods {
		for _, as := range period.AdaptationSets {
			if as.ContentType == "audio" || strings.HasPrefix(as.MimeType, "audio/") {
				continue
			}
			for _, rep := range as.Representations {
				i := idx
				idx++
				if rep.Height > 0 && seen[rep.Height] {
					continue
				}
				seen[rep.Height] = true
				out = append(out, types.Quality{
					Index:     i,
					Height:    rep.Height,
					Bandwidth: rep.Bandwidth,
					Label:     qualityLabel(rep.Height, rep.Bandwidth),
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height > out[j].Height })
	return out
}

// parseMPDDuration parses the ISO 8601 durations MPDs carry, e.g.
// "PT1H30M12.5S". Returns seconds, 0 when unparseable.
func parseMPDDuration(raw string) float64 {
	raw = strings.TrimPrefix(raw, "PT")
	if raw == "" {
		return 0
	}

	var total float64
	num := ""
	for _, r := range raw {
		switch r {
		case 'H':
			v, _ := strconv.ParseFloat(num, 64)
			total += v * 3600
			num = ""
		case 'M':
			v, _ := strconv.ParseFloat(num, 64)
			total += v * 60
			num = ""
		case 'S':
			v, _ := strconv.ParseFloat(num, 64)
			total += v
			num = ""
		default:
			num += string(r)
		}
	}
	return total
}
