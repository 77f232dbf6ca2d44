package player

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"iptv-player/work/buffer"
	"iptv-player/work/client"
	"iptv-player/work/config"
	"iptv-player/work/engine"
	"iptv-player/work/relay"
	"iptv-player/work/renewal"
	"iptv-player/work/types"
)

// fakeEngine records lifecycle calls and lets tests drive events through the
// sink it was constructed with.
type fakeEngine struct {
	id   types.EngineID
	sink engine.Sink

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	stoppedAt time.Time
	startURL  string
	swaps     []string
	seeks     []float64
	startErr  error
	duration  float64
}

func (f *fakeEngine) ID() types.EngineID { return f.id }

func (f *fakeEngine) Start(ctx context.Context, url string, ch *types.Channel) error {
	f.mu.Lock()
	if f.startErr != nil {
		f.mu.Unlock()
		return f.startErr
	}
	f.started = true
	f.startedAt = time.Now()
	f.startURL = url
	dur := f.duration
	f.mu.Unlock()

	// real engines report Ready while Start is still running
	f.sink(engine.Event{Engine: f.id, Type: engine.EventReady, Duration: dur})
	return nil
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		f.stoppedAt = time.Now()
	}
}

func (f *fakeEngine) Play()  {}
func (f *fakeEngine) Pause() {}

func (f *fakeEngine) Seek(pos float64) {
	f.mu.Lock()
	f.seeks = append(f.seeks, pos)
	f.mu.Unlock()
}

func (f *fakeEngine) SetVolume(level float64, muted bool) {}
func (f *fakeEngine) Qualities() []types.Quality          { return nil }
func (f *fakeEngine) SetQuality(index int) error          { return nil }

func (f *fakeEngine) SwapSource(url string) error {
	f.mu.Lock()
	f.swaps = append(f.swaps, url)
	f.mu.Unlock()
	return nil
}

// fatal delivers a fatal error through the sink, as a real engine would from
// its pump goroutine.
func (f *fakeEngine) fatal(err error) {
	f.sink(engine.Event{Engine: f.id, Type: engine.EventError, Err: err, Fatal: true})
}

// fakeFactory hands out fakeEngines and records every construction.
type fakeFactory struct {
	mu       sync.Mutex
	engines  []*fakeEngine
	startErr map[types.EngineID]error
	duration float64
	created  chan *fakeEngine
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		startErr: make(map[types.EngineID]error),
		created:  make(chan *fakeEngine, 16),
	}
}

func (ff *fakeFactory) factory(id types.EngineID, sink engine.Sink) (engine.Engine, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	e := &fakeEngine{id: id, sink: sink, startErr: ff.startErr[id], duration: ff.duration}
	ff.engines = append(ff.engines, e)
	ff.created <- e
	return e, nil
}

func (ff *fakeFactory) all() []*fakeEngine {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	out := make([]*fakeEngine, len(ff.engines))
	copy(out, ff.engines)
	return out
}

// fakeProber serves a fixed classification, optionally blocking until
// released so tests can interleave probes with session changes.
type fakeProber struct {
	result types.ProbeResult
	block  chan struct{} // nil = never block
}

func (fp *fakeProber) Probe(ctx context.Context, rawURL string) types.ProbeResult {
	if fp.block != nil {
		<-fp.block
	}
	return fp.result
}

type fakeRenewer struct {
	mu      sync.Mutex
	url     string
	expires time.Time
	err     error
	calls   int
}

func (fr *fakeRenewer) Renew(ctx context.Context, originalURL string) (*renewal.Result, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.calls++
	if fr.err != nil {
		return nil, fr.err
	}
	return &renewal.Result{URL: fr.url, ExpiresAt: fr.expires}, nil
}

type fakeStore struct {
	mu        sync.Mutex
	positions map[string]float64
}

func newFakeStore() *fakeStore { return &fakeStore{positions: make(map[string]float64)} }

func (fs *fakeStore) Save(id string, pos float64) {
	fs.mu.Lock()
	fs.positions[id] = pos
	fs.mu.Unlock()
}

func (fs *fakeStore) Load(id string) (float64, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	pos, ok := fs.positions[id]
	return pos, ok
}

func (fs *fakeStore) Delete(id string) {
	fs.mu.Lock()
	delete(fs.positions, id)
	fs.mu.Unlock()
}

type fakeSource struct {
	channels []*types.Channel
}

func (fs *fakeSource) Get(id string) (*types.Channel, bool) {
	for _, ch := range fs.channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return nil, false
}

func (fs *fakeSource) Next(id string) (*types.Channel, bool) { return fs.neighbor(id, 1) }
func (fs *fakeSource) Prev(id string) (*types.Channel, bool) { return fs.neighbor(id, -1) }

func (fs *fakeSource) neighbor(id string, step int) (*types.Channel, bool) {
	for i, ch := range fs.channels {
		if ch.ID == id {
			return fs.channels[(i+step+len(fs.channels))%len(fs.channels)], true
		}
	}
	return nil, false
}

func testPlayerConfig() *config.Config {
	return &config.Config{
		ProbeTimeout:            time.Second,
		RenewalLeadTime:         30 * time.Second,
		RenewalFallbackInterval: 4 * time.Minute,
	}
}

type harness struct {
	player  *Player
	factory *fakeFactory
	prober  *fakeProber
	source  *fakeSource
	store   *fakeStore
}

func newHarness(cfg *config.Config, probe types.ProbeResult, channels ...*types.Channel) *harness {
	h := &harness{
		factory: newFakeFactory(),
		prober:  &fakeProber{result: probe},
		source:  &fakeSource{channels: channels},
		store:   newFakeStore(),
	}
	h.player = New(cfg, h.prober, nil, h.factory.factory, h.store, h.source, relay.New(cfg), nil)
	return h
}

// waitStarted blocks until an engine instance has been constructed and
// started, or fails the test.
func (h *harness) waitStarted(t *testing.T) *fakeEngine {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-h.factory.created:
			for i := 0; i < 200; i++ {
				e.mu.Lock()
				started := e.started
				failed := e.startErr != nil
				e.mu.Unlock()
				if started {
					return e
				}
				if failed {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
		case <-deadline:
			t.Fatal("no engine started in time")
		}
	}
}

func waitState(t *testing.T, pl *Player, want string) {
	t.Helper()
	for i := 0; i < 400; i++ {
		if pl.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %q, stuck at %q", want, pl.Status().State)
}

func TestPlayDRMChannelUsesDASH(t *testing.T) {
	ch := &types.Channel{
		ID: "drm", Name: "DRM", StreamType: types.StreamTypeHLS,
		URL: "http://x/s.m3u8", DRMKeyID: "kid", DRMKey: "key",
	}
	h := newHarness(testPlayerConfig(), types.ProbeMultiVariant, ch)

	if err := h.player.Play("drm"); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	e := h.waitStarted(t)
	if e.id != types.EngineDASH {
		t.Errorf("DRM channel started %s, want dash", e.id)
	}
}

func TestPlainSegmentedSkipsEmbedded(t *testing.T) {
	ch := &types.Channel{ID: "c", Name: "C", StreamType: types.StreamTypeHLS, URL: "http://x/s.m3u8"}
	h := newHarness(testPlayerConfig(), types.ProbePlainSegmented, ch)

	if err := h.player.Play("c"); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	e := h.waitStarted(t)
	if e.id != types.EngineHLS {
		t.Errorf("plain segmented stream started %s, want hls", e.id)
	}
	for _, eng := range h.factory.all() {
		if eng.id == types.EngineEmbedded {
			t.Error("embedded engine must not be constructed for plain segmented streams")
		}
	}
}

func TestChannelChangeTearsDownBeforeStart(t *testing.T) {
	ch1 := &types.Channel{ID: "a", Name: "A", StreamType: types.StreamTypeHLS, URL: "http://x/a.m3u8"}
	ch2 := &types.Channel{ID: "b", Name: "B", StreamType: types.StreamTypeHLS, URL: "http://x/b.m3u8"}
	h := newHarness(testPlayerConfig(), types.ProbePlainSegmented, ch1, ch2)

	if err := h.player.Play("a"); err != nil {
		t.Fatalf("Play(a) failed: %v", err)
	}
	first := h.waitStarted(t)

	if err := h.player.Play("b"); err != nil {
		t.Fatalf("Play(b) failed: %v", err)
	}
	second := h.waitStarted(t)

	first.mu.Lock()
	stopped, stoppedAt := first.stopped, first.stoppedAt
	first.mu.Unlock()
	second.mu.Lock()
	startedAt := second.startedAt
	second.mu.Unlock()

	if !stopped {
		t.Fatal("previous engine was never stopped")
	}
	if stoppedAt.After(startedAt) {
		t.Error("previous engine stopped after the next one started")
	}
}

func TestExactlyOneProxiedRetry(t *testing.T) {
	cfg := testPlayerConfig()
	cfg.RelayOrigin = "http://relay.local/fetch?url="

	ch := &types.Channel{ID: "c", Name: "C", StreamType: types.StreamTypeHLS, URL: "http://x/s.m3u8"}
	h := newHarness(cfg, types.ProbePlainSegmented, ch)
	h.player.relay = relay.New(cfg)

	if err := h.player.Play("c"); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	first := h.waitStarted(t)
	if first.startURL != ch.URL {
		t.Errorf("first attempt should play the direct URL, got %q", first.startURL)
	}

	first.fatal(errors.New("segment fetch failed"))

	second := h.waitStarted(t)
	if second == first {
		t.Fatal("retry must use a fresh engine instance")
	}
	if second.id != types.EngineHLS {
		t.Errorf("retry switched engine to %s", second.id)
	}
	if second.startURL != cfg.RelayOrigin+ch.URL {
		t.Errorf("retry must play through the relay, got %q", second.startURL)
	}

	// second fatal is terminal
	second.fatal(errors.New("still failing"))
	waitState(t, h.player, "error")

	if n := len(h.factory.all()); n != 2 {
		t.Errorf("expected exactly 2 engine instances (start + one retry), got %d", n)
	}
}

func TestEmbeddedFatalFallsBack(t *testing.T) {
	cfg := testPlayerConfig()
	cfg.RelayOrigin = "http://relay.local/fetch?url="

	ch := &types.Channel{ID: "c", Name: "C", StreamType: types.StreamTypeHLS, URL: "http://x/s.m3u8"}
	h := newHarness(cfg, types.ProbeMultiVariant, ch)
	h.player.relay = relay.New(cfg)

	if err := h.player.Play("c"); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	first := h.waitStarted(t)
	if first.id != types.EngineEmbedded {
		t.Fatalf("multi variant stream should start embedded, got %s", first.id)
	}

	// embedded gets no proxied retry: it falls straight to the next candidate
	first.fatal(errors.New("runtime choked"))

	second := h.waitStarted(t)
	if second.id != types.EngineHLS {
		t.Errorf("fallback engine is %s, want hls", second.id)
	}
	if second.startURL != ch.URL {
		t.Errorf("fallback should not be proxied, got %q", second.startURL)
	}
}

func TestStaleProbeResultIgnored(t *testing.T) {
	block := make(chan struct{})
	ch1 := &types.Channel{ID: "a", Name: "A", StreamType: types.StreamTypeHLS, URL: "http://x/a.m3u8"}
	ch2 := &types.Channel{ID: "b", Name: "B", StreamType: types.StreamTypeMP4, URL: "http://x/b.mp4"}

	h := newHarness(testPlayerConfig(), types.ProbeProgressive, ch1, ch2)
	h.prober.block = block

	if err := h.player.Play("a"); err != nil {
		t.Fatalf("Play(a) failed: %v", err)
	}
	// channel change while a's probe is still in flight
	if err := h.player.Play("b"); err != nil {
		t.Fatalf("Play(b) failed: %v", err)
	}
	close(block) // both probes complete; a's completion is stale

	e := h.waitStarted(t)
	if e.startURL != ch2.URL {
		t.Fatalf("started %q, want channel b", e.startURL)
	}

	time.Sleep(100 * time.Millisecond)
	for _, eng := range h.factory.all() {
		eng.mu.Lock()
		url := eng.startURL
		eng.mu.Unlock()
		if url == ch1.URL {
			t.Error("stale session started an engine for the abandoned channel")
		}
	}
	if got := h.player.Status().ChannelID; got != "b" {
		t.Errorf("status reports channel %q, want b", got)
	}
}

func TestResumeAppliedOnce(t *testing.T) {
	ch := &types.Channel{ID: "vod", Name: "VOD", StreamType: types.StreamTypeMP4, URL: "http://x/v.mp4"}
	h := newHarness(testPlayerConfig(), types.ProbeProgressive, ch)
	h.factory.duration = 3600
	h.store.Save("vod", 120)

	if err := h.player.Play("vod"); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	e := h.waitStarted(t)

	deadline := time.After(time.Second)
	for {
		e.mu.Lock()
		n := len(e.seeks)
		e.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("resume seek never applied")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.seeks) != 1 || e.seeks[0] != 120 {
		t.Errorf("expected single resume seek to 120, got %v", e.seeks)
	}
}

func TestResumeAppliedThroughNativeEngine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("media"))
	}))
	defer server.Close()

	cfg := testPlayerConfig()
	cfg.UserAgent = "test-agent"
	cfg.StreamTimeout = 5 * time.Second
	cfg.HostRateLimit = 100

	httpClient := client.New(cfg)
	deps := engine.Deps{
		Config:  cfg,
		Client:  httpClient,
		Loader:  engine.NewLoader(httpClient),
		Surface: engine.NewSurface(),
		Relay:   relay.New(cfg),
		Buffers: buffer.NewPool(64 * 1024),
		Limiter: client.NewHostLimiter(cfg),
	}

	ch := &types.Channel{ID: "vod", Name: "VOD", StreamType: types.StreamTypeMP4, URL: server.URL + "/v.mp4"}
	store := newFakeStore()
	store.Save("vod", 120)

	pl := New(cfg, &fakeProber{result: types.ProbeProgressive}, nil, engine.NewFactory(deps),
		store, &fakeSource{channels: []*types.Channel{ch}}, relay.New(cfg), nil)
	defer pl.Stop()

	if err := pl.Play("vod"); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	waitState(t, pl, "playing")

	// progressive files report no duration up front; the stored position must
	// still be applied instead of restarting from zero
	deadline := time.After(2 * time.Second)
	for pl.Status().Position < 120 {
		select {
		case <-deadline:
			t.Fatalf("stored position never applied, at %v", pl.Status().Position)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	if got := pl.Status().Engine; got != "native" {
		t.Errorf("progressive stream played on %q, want native", got)
	}
}

func TestRenewalSwapPreservesPosition(t *testing.T) {
	cfg := testPlayerConfig()
	ch := &types.Channel{ID: "c", Name: "C", StreamType: types.StreamTypeHLS, URL: "http://x/s.m3u8?token=old"}

	h := newHarness(cfg, types.ProbePlainSegmented, ch)
	renewer := &fakeRenewer{url: "http://x/s.m3u8?token=new"}
	h.player.renewer = renewer

	if err := h.player.Play("c"); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	e := h.waitStarted(t)

	// renewal resolves the playing URL before the engine starts
	if e.startURL != renewer.url {
		t.Errorf("engine should play the renewed URL, got %q", e.startURL)
	}

	e.sink(engine.Event{Engine: e.id, Type: engine.EventTimeUpdate, Position: 42})
	waitPosition(t, h.player, 42)

	renewer.mu.Lock()
	renewer.url = "http://x/s.m3u8?token=newer"
	renewer.mu.Unlock()

	h.player.mu.Lock()
	gen := h.player.gen
	h.player.mu.Unlock()
	h.player.renewNow(gen)

	e.mu.Lock()
	swaps := append([]string(nil), e.swaps...)
	e.mu.Unlock()
	if len(swaps) != 1 || swaps[0] != "http://x/s.m3u8?token=newer" {
		t.Fatalf("expected swap to renewed URL, got %v", swaps)
	}
	if got := h.player.Status().Position; got != 42 {
		t.Errorf("swap must not reset position, got %v", got)
	}
}

func TestYouTubeChannelIsExternal(t *testing.T) {
	ch := &types.Channel{
		ID: "yt", Name: "Clips", StreamType: types.StreamTypeYouTube,
		URL: "https://www.youtube.com/watch?v=abc", EmbedID: "abc",
	}
	h := newHarness(testPlayerConfig(), types.ProbeIndeterminate, ch)

	if err := h.player.Play("yt"); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if got := h.player.Status().State; got != "external" {
		t.Errorf("youtube channel state = %q, want external", got)
	}
	if len(h.factory.all()) != 0 {
		t.Error("external channels must not construct engines")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	ch := &types.Channel{ID: "c", Name: "C", StreamType: types.StreamTypeMP4, URL: "http://x/v.mp4"}
	h := newHarness(testPlayerConfig(), types.ProbeProgressive, ch)

	if err := h.player.Play("c"); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	e := h.waitStarted(t)

	h.player.Stop()
	h.player.Stop()

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if !stopped {
		t.Error("engine not stopped")
	}
	if got := h.player.Status().State; got != "idle" {
		t.Errorf("state after Stop = %q, want idle", got)
	}

	// events from the dead session are dropped
	e.fatal(errors.New("late event"))
	if got := h.player.Status().State; got != "idle" {
		t.Errorf("stale event changed state to %q", got)
	}
}

func TestNextWrapsCatalogOrder(t *testing.T) {
	channels := []*types.Channel{
		{ID: "a", Name: "A", StreamType: types.StreamTypeMP4, URL: "http://x/a.mp4"},
		{ID: "b", Name: "B", StreamType: types.StreamTypeMP4, URL: "http://x/b.mp4"},
	}
	h := newHarness(testPlayerConfig(), types.ProbeProgressive, channels...)

	if err := h.player.Play("b"); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	h.waitStarted(t)

	if err := h.player.Next(); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	h.waitStarted(t)
	if got := h.player.Status().ChannelID; got != "a" {
		t.Errorf("Next from last channel should wrap to a, got %q", got)
	}
}

func TestPlayUnknownChannel(t *testing.T) {
	h := newHarness(testPlayerConfig(), types.ProbeProgressive)
	if err := h.player.Play("ghost"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func waitPosition(t *testing.T, pl *Player, want float64) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if pl.Status().Position == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("position never reached %v, at %v", want, pl.Status().Position)
}
