package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grafov/m3u8"

	"iptv-player/work/logger"
	"iptv-player/work/types"
	"iptv-player/work/utils"
)

// hlsEngine plays segmented playlists through the segmented-streaming
// runtime. It fetches and tracks the media playlist itself, prefetching
// upcoming segments to keep the buffer at the configured target. On low-end
// devices it runs a conservative profile: a larger buffer target and no
// worker-pool offload for segment fetches.
type hlsEngine struct {
	base

	lowEnd    bool
	sourceURL string
	srcMu     sync.RWMutex

	qualities []types.Quality
	variants  []*m3u8.Variant
	levelIdx  int
}

func newHLS(deps Deps, sink Sink) *hlsEngine {
	return &hlsEngine{
		base:   newBase(types.EngineHLS, deps, sink),
		lowEnd: LowEndDevice(deps.Config),
	}
}

// Start loads the runtime, resolves the playlist and begins the playback
// pump. The URL is routed through the relay when its host requires proxying.
func (e *hlsEngine) Start(ctx context.Context, rawURL string, ch *types.Channel) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.deps.Loader.Load(runCtx, e.deps.Config.HLSRuntimeURL); err != nil {
		return fmt.Errorf("hls runtime: %w", err)
	}

	playURL := rawURL
	if e.deps.Relay.MustProxy(playURL) {
		playURL = e.deps.Relay.WithProxy(playURL)
		logger.Debug("{engine - Start} HLS source forced through relay: %s",
			utils.LogURL(e.deps.Config, playURL))
	}
	e.setSource(playURL)

	e.deps.Surface.Acquire(e.id)
	e.deps.Surface.SetSource(e.id, playURL)

	media, master, err := e.loadPlaylist(runCtx, playURL)
	if err != nil {
		e.deps.Surface.Release(e.id)
		return err
	}

	if master != nil {
		e.variants = master.Variants
		e.qualities = variantQualities(master.Variants)
		if len(master.Variants) > 0 {
			variantURL := resolveRef(playURL, master.Variants[0].URI)
			media, _, err = e.loadPlaylist(runCtx, variantURL)
			if err != nil {
				e.deps.Surface.Release(e.id)
				return err
			}
		}
	}

	var duration float64
	live := true
	if media != nil {
		live = !media.Closed
		for _, seg := range media.Segments {
			if seg == nil {
				continue
			}
			duration += seg.Duration
		}
	}

	e.mu.Lock()
	if !live {
		e.duration = duration
	}
	e.playing = true
	e.mu.Unlock()

	e.emit(Event{Type: EventReady, Duration: e.duration})
	e.emit(Event{Type: EventPlaying})

	go e.pump(runCtx, media, live)
	return nil
}

// loadPlaylist fetches and parses one playlist document.
func (e *hlsEngine) loadPlaylist(ctx context.Context, playlistURL string) (*m3u8.MediaPlaylist, *m3u8.MasterPlaylist, error) {
	e.deps.Limiter.Wait(utils.URLHost(playlistURL))

	fetchCtx, cancel := context.WithTimeout(ctx, e.deps.Config.StreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := e.deps.Client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("playlist fetch returned HTTP %d", resp.StatusCode)
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		return nil, playlist.(*m3u8.MasterPlaylist), nil
	case m3u8.MEDIA:
		return playlist.(*m3u8.MediaPlaylist), nil, nil
	default:
		return nil, nil, fmt.Errorf("unrecognized playlist type")
	}
}

// pump drives the playback clock and keeps the segment buffer filled. Live
// playlists are re-fetched on the manifest poll interval; three consecutive
// failed reloads mean the source is gone (expired signed URL, upstream
// rejection), which is fatal.
func (e *hlsEngine) pump(ctx context.Context, media *m3u8.MediaPlaylist, live bool) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	target := e.deps.Config.BufferTargetSeconds
	if e.lowEnd {
		target = e.deps.Config.LowEndBufferSeconds
	}

	var buffered float64
	segIdx := 0
	reloadFailures := 0
	reload := time.NewTicker(e.deps.Config.ManifestPollInterval)
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reload.C:
			if !live {
				continue
			}
			fresh, _, err := e.loadPlaylist(ctx, e.currentSource())
			if err != nil {
				reloadFailures++
				logger.Warn("{engine - pump} Live playlist reload failed (%d): %v", reloadFailures, err)
				if reloadFailures >= 3 {
					e.emitFatal(fmt.Errorf("live playlist unavailable: %w", err))
					return
				}
				continue
			}
			reloadFailures = 0
			if fresh != nil {
				media = fresh
				if segIdx >= len(media.Segments) {
					segIdx = 0
				}
			}
		case <-ticker.C:
			if !e.isPlaying() {
				continue
			}
			e.advance(1)
			if buffered > 0 {
				buffered--
			}

			for buffered < float64(target) && media != nil && segIdx < len(media.Segments) {
				seg := media.Segments[segIdx]
				if seg == nil {
					break
				}
				segIdx++
				buffered += seg.Duration
				e.fetchSegment(ctx, resolveRef(e.currentSource(), seg.URI))
			}

			if buffered <= 0 && live {
				e.emit(Event{Type: EventBuffering})
			}
			if !live && e.duration > 0 && e.Position() >= e.duration {
				e.emit(Event{Type: EventEnded})
				return
			}
		}
	}
}

// fetchSegment downloads one segment into a pooled buffer. Regular devices
// offload the fetch to the worker pool; low-end devices fetch inline to
// bound memory and goroutine pressure.
func (e *hlsEngine) fetchSegment(ctx context.Context, segmentURL string) {
	fetch := func() {
		fetchCtx, cancel := context.WithTimeout(ctx, e.deps.Config.StreamTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, segmentURL, nil)
		if err != nil {
			return
		}
		resp, err := e.deps.Client.Do(req)
		if err != nil {
			logger.Debug("{engine - fetchSegment} Segment fetch failed: %v", err)
			return
		}
		defer resp.Body.Close()

		buf := e.deps.Buffers.Get()
		defer e.deps.Buffers.Put(buf)
		for {
			_, err := resp.Body.Read(buf)
			if err == io.EOF {
				return
			}
			if err != nil {
				return
			}
		}
	}

	if e.lowEnd || e.deps.Workers == nil {
		fetch()
		return
	}
	if err := e.deps.Workers.Submit(fetch); err != nil {
		fetch()
	}
}

// Stop tears the engine down. No events are delivered after Stop returns.
func (e *hlsEngine) Stop() {
	e.halt()
	e.deps.Surface.Release(e.id)
}

// SwapSource replaces the playing URL in place without reloading the engine.
// The playback clock is untouched, which keeps the position across signed
// URL renewals.
func (e *hlsEngine) SwapSource(url string) error {
	if e.stopped.Load() {
		return fmt.Errorf("engine stopped")
	}
	e.setSource(url)
	e.deps.Surface.SetSource(e.id, url)
	logger.Debug("{engine - SwapSource} HLS source swapped to %s",
		utils.LogURL(e.deps.Config, url))
	return nil
}

func (e *hlsEngine) Qualities() []types.Quality {
	return e.qualities
}

func (e *hlsEngine) SetQuality(index int) error {
	if index < 0 || index >= len(e.qualities) {
		return fmt.Errorf("quality index %d out of range", index)
	}
	e.levelIdx = index
	logger.Debug("{engine - SetQuality} HLS level set to %s", e.qualities[index].Label)
	return nil
}

func (e *hlsEngine) setSource(url string) {
	e.srcMu.Lock()
	e.sourceURL = url
	e.srcMu.Unlock()
}

func (e *hlsEngine) currentSource() string {
	e.srcMu.RLock()
	defer e.srcMu.RUnlock()
	return e.sourceURL
}

// variantQualities maps master playlist variants onto the quality list,
// deduplicated by vertical resolution and sorted highest first.
func variantQualities(variants []*m3u8.Variant) []types.Quality {
	seen := make(map[int]bool)
	var out []types.Quality
	for i, v := range variants {
		if v == nil {
			continue
		}
		height := resolutionHeight(v.Resolution)
		if height > 0 && seen[height] {
			continue
		}
		seen[height] = true
		out = append(out, types.Quality{
			Index:     i,
			Height:    height,
			Bandwidth: int(v.Bandwidth),
			Label:     qualityLabel(height, int(v.Bandwidth)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height > out[j].Height })
	return out
}

func resolutionHeight(resolution string) int {
	parts := strings.SplitN(resolution, "x", 2)
	if len(parts) != 2 {
		return 0
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return h
}

func qualityLabel(height, bandwidth int) string {
	if height > 0 {
		return fmt.Sprintf("%dp", height)
	}
	if bandwidth > 0 {
		return fmt.Sprintf("%d kbps", bandwidth/1000)
	}
	return "auto"
}

// resolveRef resolves a possibly relative playlist reference against its
// base URL.
func resolveRef(baseURL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	idx := strings.LastIndex(baseURL, "/")
	if idx < 0 {
		return ref
	}
	return baseURL[:idx+1] + ref
}
