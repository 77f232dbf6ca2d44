package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"iptv-player/work/logger"
	"iptv-player/work/types"
	"iptv-player/work/utils"
)

// nativeEngine plays progressive media directly on the shared surface with
// no runtime bundle. It verifies the source is reachable, then drives the
// playback clock itself.
type nativeEngine struct {
	base

	sourceURL string
	srcMu     sync.RWMutex
}

func newNative(deps Deps, sink Sink) *nativeEngine {
	return &nativeEngine{base: newBase(types.EngineNative, deps, sink)}
}

// Start verifies the source and begins playback. The relay is applied when
// the source host requires proxying.
func (e *nativeEngine) Start(ctx context.Context, rawURL string, ch *types.Channel) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	playURL := rawURL
	if e.deps.Relay.MustProxy(playURL) {
		playURL = e.deps.Relay.WithProxy(playURL)
	}

	if err := e.verifySource(runCtx, playURL); err != nil {
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

// verifySource confirms the media URL answers before the surface is handed
// over. Servers that reject HEAD get a ranged GET instead.
func (e *nativeEngine) verifySource(ctx context.Context, mediaURL string) error {
	checkCtx, cancel := context.WithTimeout(ctx, e.deps.Config.StreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, mediaURL, nil)
	if err != nil {
		return err
	}
	resp, err := e.deps.Client.Do(req)
	if err == nil && resp.StatusCode < 400 {
		resp.Body.Close()
		return nil
	}
	if resp != nil {
		resp.Body.Close()
	}

	req, err = http.NewRequestWithContext(checkCtx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err = e.deps.Client.Do(req)
	if err != nil {
		return fmt.Errorf("source unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("source returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (e *nativeEngine) pump(ctx context.Context) {
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
		}
	}
}

func (e *nativeEngine) Stop() {
	e.halt()
	e.deps.Surface.Release(e.id)
}

// SwapSource resets the surface to the new URL and restores the playback
// position. The native surface cannot change its source in place, so the
// swap is a reset followed by a seek back to where playback was.
func (e *nativeEngine) SwapSource(url string) error {
	if e.stopped.Load() {
		return fmt.Errorf("engine stopped")
	}

	saved := e.Position()

	if e.deps.Relay.MustProxy(url) {
		url = e.deps.Relay.WithProxy(url)
	}
	e.setSource(url)
	e.deps.Surface.SetSource(e.id, url)
	e.Seek(saved)

	logger.Debug("{engine - SwapSource} Native source reset to %s, restored position %.1fs",
		utils.LogURL(e.deps.Config, url), saved)
	return nil
}

// Qualities reports nothing: progressive media has a single fixed rendition.
func (e *nativeEngine) Qualities() []types.Quality {
	return nil
}

func (e *nativeEngine) SetQuality(index int) error {
	return fmt.Errorf("progressive media has no selectable qualities")
}

func (e *nativeEngine) setSource(url string) {
	e.srcMu.Lock()
	e.sourceURL = url
	e.srcMu.Unlock()
}
