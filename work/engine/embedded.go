package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"iptv-player/work/logger"
	"iptv-player/work/types"
	"iptv-player/work/utils"
)

// embeddedEngine plays segmented streams through the third-party embedded
// player runtime. It only accepts stream types the runtime is known to
// handle; anything else is rejected before the surface changes hands so the
// orchestrator can move straight to the next candidate.
//
// The runtime cannot follow master playlist updates on its own, so the
// engine polls the playlist at the configured interval and reports a fatal
// error when the playlist disappears.
type embeddedEngine struct {
	base

	sourceURL string
	srcMu     sync.RWMutex
}

func newEmbedded(deps Deps, sink Sink) *embeddedEngine {
	return &embeddedEngine{base: newBase(types.EngineEmbedded, deps, sink)}
}

// Start loads the embedded runtime and hands it the playlist URL.
func (e *embeddedEngine) Start(ctx context.Context, rawURL string, ch *types.Channel) error {
	if ch != nil && !acceptedByEmbedded(ch.StreamType) {
		return fmt.Errorf("embedded runtime does not handle %q streams", ch.StreamType)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.deps.Loader.Load(runCtx, e.deps.Config.EmbeddedRuntimeURL); err != nil {
		return fmt.Errorf("embedded runtime: %w", err)
	}

	playURL := rawURL
	if e.deps.Relay.MustProxy(playURL) {
		playURL = e.deps.Relay.WithProxy(playURL)
	}

	if err := e.checkPlaylist(runCtx, playURL); err != nil {
		return err
	}

	e.setSource(playURL)
	e.deps.Surface.Acquire(e.id)
	e.deps.Surface.SetSource(e.id, playURL)

	e.mu.Lock()
	e.playing = true
	e.mu.Unlock()

	e.emit(Event{Type: EventReady})
	e.emit(Event{Type: EventPlaying})

	go e.pump(runCtx)
	return nil
}

func acceptedByEmbedded(t types.StreamType) bool {
	return t == types.StreamTypeHLS || t == types.StreamTypeM3U8 || t == types.StreamTypeTS
}

// checkPlaylist fetches the playlist the runtime is about to load.
func (e *embeddedEngine) checkPlaylist(ctx context.Context, playlistURL string) error {
	e.deps.Limiter.Wait(utils.URLHost(playlistURL))

	fetchCtx, cancel := context.WithTimeout(ctx, e.deps.Config.StreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return err
	}
	resp, err := e.deps.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("playlist fetch returned HTTP %d", resp.StatusCode)
	}
	_, err = io.Copy(io.Discard, io.LimitReader(resp.Body, 256*1024))
	return err
}

// pump drives the clock and polls the playlist. Three consecutive failed
// polls mean the stream is gone and the runtime is wedged, which is fatal.
func (e *embeddedEngine) pump(ctx context.Context) {
	clock := time.NewTicker(time.Second)
	defer clock.Stop()

	poll := time.NewTicker(e.deps.Config.ManifestPollInterval)
	defer poll.Stop()

	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-clock.C:
			if e.isPlaying() {
				e.advance(1)
			}
		case <-poll.C:
			if err := e.checkPlaylist(ctx, e.currentSource()); err != nil {
				failures++
				logger.Warn("{engine - pump} Embedded playlist poll failed (%d): %v", failures, err)
				if failures >= 3 {
					e.emitFatal(fmt.Errorf("playlist unavailable: %w", err))
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (e *embeddedEngine) Stop() {
	e.halt()
	e.deps.Surface.Release(e.id)
}

// SwapSource points the runtime at the renewed URL without reloading it.
func (e *embeddedEngine) SwapSource(url string) error {
	if e.stopped.Load() {
		return fmt.Errorf("engine stopped")
	}
	if e.deps.Relay.MustProxy(url) {
		url = e.deps.Relay.WithProxy(url)
	}
	e.setSource(url)
	e.deps.Surface.SetSource(e.id, url)
	logger.Debug("{engine - SwapSource} Embedded source swapped to %s",
		utils.LogURL(e.deps.Config, url))
	return nil
}

// Qualities reports nothing: the embedded runtime handles variant selection
// internally and exposes no level API.
func (e *embeddedEngine) Qualities() []types.Quality {
	return nil
}

func (e *embeddedEngine) SetQuality(index int) error {
	return fmt.Errorf("embedded runtime manages quality internally")
}

func (e *embeddedEngine) setSource(url string) {
	e.srcMu.Lock()
	e.sourceURL = url
	e.srcMu.Unlock()
}

func (e *embeddedEngine) currentSource() string {
	e.srcMu.RLock()
	defer e.srcMu.RUnlock()
	return e.sourceURL
}
