package player

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"iptv-player/work/config"
	"iptv-player/work/engine"
	"iptv-player/work/logger"
	"iptv-player/work/metrics"
	"iptv-player/work/relay"
	"iptv-player/work/renewal"
	"iptv-player/work/types"
	"iptv-player/work/utils"
)

// Prober classifies a stream URL. Satisfied by prober.Prober.
type Prober interface {
	Probe(ctx context.Context, rawURL string) types.ProbeResult
}

// ResumeStore persists playback positions. Satisfied by resume.Store.
type ResumeStore interface {
	Save(channelID string, position float64)
	Load(channelID string) (float64, bool)
	Delete(channelID string)
}

// ChannelSource resolves channel ids and channel-order navigation.
// Satisfied by catalog.Catalog.
type ChannelSource interface {
	Get(id string) (*types.Channel, bool)
	Next(id string) (*types.Channel, bool)
	Prev(id string) (*types.Channel, bool)
}

// Player is the playback orchestrator. It owns the single active session:
// channel selection tears the previous session down before the next one
// starts, probes and classifies the stream, walks the candidate engine list
// until one starts, and handles runtime failures with the proxied retry and
// fallback policy. All exported methods are safe for concurrent use.
type Player struct {
	config  *config.Config
	prober  Prober
	renewer renewal.Renewer // nil when renewal is not configured
	factory engine.Factory
	resume  ResumeStore // nil when persistence is disabled
	source  ChannelSource
	relay   *relay.Relay
	workers *ants.Pool

	mu      sync.Mutex
	session *session
	gen     uint64 // bumped on every session change; stale async work checks it
}

// session is the state of one playback attempt, alive from channel selection
// until the next selection or Stop. Every async completion re-checks gen
// against the player's counter so a session torn down mid-flight cannot
// touch its successor.
type session struct {
	gen     uint64
	channel *types.Channel
	state   types.PlayerState

	engine   engine.Engine
	engineID types.EngineID
	adapters map[types.EngineID]types.AdapterState
	queue    []types.EngineID
	queueIdx int

	originalURL string // catalog URL, always the renewal input
	resolvedURL string // URL the engine plays, post renewal and relay
	expiresAt   time.Time
	probe       types.ProbeResult
	retried     bool // the single proxied retry has been consumed

	position     float64
	duration     float64
	paused       bool
	volume       float64
	muted        bool
	qualities    []types.Quality
	resumeTarget float64
	lastErr      error

	renewTimer *time.Timer
	cancel     context.CancelFunc
}

// New creates the orchestrator. renewer may be nil (no renewal endpoint
// configured) and store may be nil (no resume persistence).
func New(cfg *config.Config, p Prober, r renewal.Renewer, factory engine.Factory,
	store ResumeStore, source ChannelSource, rel *relay.Relay, workers *ants.Pool) *Player {
	pl := &Player{
		config:  cfg,
		prober:  p,
		factory: factory,
		resume:  store,
		source:  source,
		relay:   rel,
		workers: workers,
	}
	if r != nil {
		pl.renewer = r
	}
	return pl
}

// Play starts playback of the given channel. Any active session is torn down
// synchronously before the new one begins; the probe, renewal and engine
// start then run asynchronously and report through the status API.
func (pl *Player) Play(channelID string) error {
	ch, ok := pl.source.Get(channelID)
	if !ok {
		return fmt.Errorf("unknown channel %q", channelID)
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	pl.teardownLocked()

	pl.gen++
	sess := &session{
		gen:         pl.gen,
		channel:     ch,
		originalURL: ch.URL,
		resolvedURL: ch.URL,
		volume:      1,
		adapters: map[types.EngineID]types.AdapterState{
			types.EngineEmbedded: types.AdapterUntried,
			types.EngineHLS:      types.AdapterUntried,
			types.EngineDASH:     types.AdapterUntried,
			types.EngineNative:   types.AdapterUntried,
		},
	}
	pl.session = sess

	if ch.StreamType == types.StreamTypeYouTube {
		// external embeds never enter the engine pipeline
		sess.state = types.StateExternal
		logger.Info("{player - Play} Channel %s rendered as external embed", ch.ID)
		return nil
	}

	sess.state = types.StateProbing
	metrics.ActiveSessions.Set(1)

	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	go pl.runSelection(ctx, sess.gen, ch)

	logger.Info("{player - Play} Starting channel %s (%s)", ch.ID, ch.Name)
	return nil
}

// runSelection performs renewal, probe and candidate selection for one
// session generation, then attempts the candidates in order.
func (pl *Player) runSelection(ctx context.Context, gen uint64, ch *types.Channel) {
	playURL := ch.URL
	var expiresAt time.Time

	// renewal before probe; failure is non-fatal and falls back to the
	// catalog URL
	if pl.renewer != nil {
		if result, err := pl.renewer.Renew(ctx, ch.URL); err != nil {
			logger.Warn("{player - runSelection} Renewal failed for %s, playing original URL: %v",
				ch.ID, err)
		} else {
			playURL = result.URL
			expiresAt = result.ExpiresAt
		}
	}

	if !pl.sessionUpdate(gen, func(s *session) {
		s.resolvedURL = playURL
		s.expiresAt = expiresAt
	}) {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, pl.config.ProbeTimeout)
	probe := pl.prober.Probe(probeCtx, playURL)
	cancel()
	metrics.ProbeResults.WithLabelValues(probe.String()).Inc()

	queue := candidates(ch, probe)
	logger.Debug("{player - runSelection} Channel %s probed as %s, candidates: %v",
		ch.ID, probe, queue)

	var resumeAt float64
	if pl.resume != nil {
		if pos, ok := pl.resume.Load(ch.ID); ok {
			resumeAt = pos
		}
	}

	if !pl.sessionUpdate(gen, func(s *session) {
		s.state = types.StateSelecting
		s.probe = probe
		s.queue = queue
		s.queueIdx = 0
		s.resumeTarget = resumeAt
	}) {
		return
	}

	pl.tryCandidates(ctx, gen)
}

// tryCandidates walks the remaining candidate queue until an engine starts
// or the queue is exhausted.
func (pl *Player) tryCandidates(ctx context.Context, gen uint64) {
	for {
		var id types.EngineID
		var playURL string
		var ch *types.Channel

		ok := pl.sessionUpdate(gen, func(s *session) {
			s.state = types.StateStarting
			for s.queueIdx < len(s.queue) {
				next := s.queue[s.queueIdx]
				if s.adapters[next] != types.AdapterFailed {
					id = next
					break
				}
				s.queueIdx++
			}
			playURL = s.resolvedURL
			ch = s.channel
		})
		if !ok {
			return
		}
		if id == "" {
			pl.failSession(gen, fmt.Errorf("no playable engine for channel"))
			return
		}

		eng, err := pl.factory(id, pl.sinkFor(gen))
		if err != nil {
			pl.failSession(gen, err)
			return
		}

		if err := eng.Start(ctx, playURL, ch); err != nil {
			logger.Warn("{player - tryCandidates} Engine %s failed to start: %v", id, err)
			metrics.EngineStarts.WithLabelValues(string(id), "error").Inc()
			eng.Stop()

			advanced := pl.sessionUpdate(gen, func(s *session) {
				s.adapters[id] = types.AdapterFailed
				s.lastErr = err
				if s.queueIdx+1 < len(s.queue) {
					metrics.EngineFallbacks.WithLabelValues(string(id), string(s.queue[s.queueIdx+1])).Inc()
				}
				s.queueIdx++
			})
			if !advanced {
				return
			}
			continue
		}

		metrics.EngineStarts.WithLabelValues(string(id), "success").Inc()

		// register the engine, then apply the resume position read at
		// selection time. The target is consumed whether or not it applies:
		// resume is attempted at most once per session. Segmented engines
		// only seek content with a known duration; progressive sources often
		// report none up front but are seekable regardless, so the native
		// engine always takes the stored position.
		var target float64
		kept := pl.sessionUpdate(gen, func(s *session) {
			s.engine = eng
			s.engineID = id
			s.adapters[id] = types.AdapterActive
			s.qualities = eng.Qualities()
			if s.resumeTarget > 0 && (s.duration > 0 || id == types.EngineNative) {
				target = s.resumeTarget
				s.position = target
			}
			s.resumeTarget = 0
		})
		if !kept {
			// session changed while the engine was starting
			eng.Stop()
			return
		}
		if target > 0 {
			eng.Seek(target)
			logger.Debug("{player - tryCandidates} Resumed at %.1fs", target)
		}
		pl.armRenewal(gen)
		return
	}
}

// sinkFor builds the event sink for one session generation. Events from
// engines of torn-down sessions are dropped by the generation check.
func (pl *Player) sinkFor(gen uint64) engine.Sink {
	return func(ev engine.Event) {
		pl.handleEvent(gen, ev)
	}
}

func (pl *Player) handleEvent(gen uint64, ev engine.Event) {
	switch ev.Type {
	case engine.EventReady:
		pl.handleReady(gen, ev)
	case engine.EventPlaying:
		pl.sessionUpdate(gen, func(s *session) {
			s.state = types.StatePlaying
			s.paused = false
		})
	case engine.EventPaused:
		pl.sessionUpdate(gen, func(s *session) { s.paused = true })
	case engine.EventBuffering:
		pl.sessionUpdate(gen, func(s *session) {
			if s.state == types.StatePlaying {
				s.state = types.StateBuffering
			}
		})
	case engine.EventTimeUpdate:
		pl.handleTimeUpdate(gen, ev)
	case engine.EventEnded:
		pl.handleEnded(gen)
	case engine.EventError:
		if ev.Fatal {
			pl.handleFatal(gen, ev)
		} else {
			pl.sessionUpdate(gen, func(s *session) { s.lastErr = ev.Err })
		}
	}
}

// handleReady records the media duration. Ready fires while Start is still
// running, before the engine is registered on the session, so everything
// needing the engine handle happens after Start returns instead.
func (pl *Player) handleReady(gen uint64, ev engine.Event) {
	pl.sessionUpdate(gen, func(s *session) {
		s.duration = ev.Duration
	})
}

func (pl *Player) handleTimeUpdate(gen uint64, ev engine.Event) {
	var channelID string
	var position float64

	ok := pl.sessionUpdate(gen, func(s *session) {
		s.position = ev.Position
		if ev.Duration > 0 {
			s.duration = ev.Duration
		}
		channelID = s.channel.ID
		position = ev.Position
	})
	if !ok || pl.resume == nil {
		return
	}

	// fire and forget; a dropped save only costs resume precision
	save := func() { pl.resume.Save(channelID, position) }
	if pl.workers == nil || pl.workers.Submit(save) != nil {
		save()
	}
}

func (pl *Player) handleEnded(gen uint64) {
	var channelID string
	ok := pl.sessionUpdate(gen, func(s *session) {
		s.state = types.StateIdle
		channelID = s.channel.ID
	})
	if !ok {
		return
	}
	if pl.resume != nil {
		pl.resume.Delete(channelID)
	}
	logger.Info("{player - handleEnded} Channel %s playback ended", channelID)
}

// handleFatal applies the failure policy. The embedded runtime gets no
// retry: a fatal error there means the runtime mishandles this stream, so it
// is failed for the session and the next candidate takes over. Every other
// engine gets exactly one orchestrator-level retry through the relay with a
// fresh adapter instance; a second fatal error is terminal.
func (pl *Player) handleFatal(gen uint64, ev engine.Event) {
	metrics.PlaybackErrors.WithLabelValues(string(ev.Engine)).Inc()

	var old engine.Engine
	var retryURL string
	var ch *types.Channel
	mode := ""

	ok := pl.sessionUpdate(gen, func(s *session) {
		s.lastErr = ev.Err
		old = s.engine
		s.engine = nil
		s.adapters[ev.Engine] = types.AdapterFailed
		ch = s.channel

		if ev.Engine == types.EngineEmbedded {
			mode = "fallback"
			s.queueIdx++
			if s.queueIdx < len(s.queue) {
				metrics.EngineFallbacks.WithLabelValues(string(ev.Engine), string(s.queue[s.queueIdx])).Inc()
			}
			return
		}

		if !s.retried && pl.relay.Enabled() && !pl.relay.IsProxied(s.resolvedURL) {
			s.retried = true
			s.resolvedURL = pl.relay.WithProxy(s.resolvedURL)
			retryURL = s.resolvedURL
			// the retry runs the same engine on a fresh instance
			s.adapters[ev.Engine] = types.AdapterUntried
			mode = "retry"
			return
		}
		mode = "terminal"
	})
	if !ok {
		return
	}

	if old != nil {
		old.Stop()
	}

	switch mode {
	case "fallback":
		logger.Warn("{player - handleFatal} Embedded engine failed for %s, falling back: %v",
			ch.ID, ev.Err)
		go pl.tryCandidates(context.Background(), gen)
	case "retry":
		logger.Warn("{player - handleFatal} Engine %s failed for %s, retrying through relay: %v",
			ev.Engine, ch.ID, ev.Err)
		metrics.ProxiedRetries.Inc()
		logger.Debug("{player - handleFatal} Retry URL: %s", utils.LogURL(pl.config, retryURL))
		go pl.tryCandidates(context.Background(), gen)
	default:
		pl.failSession(gen, ev.Err)
	}
}

func (pl *Player) failSession(gen uint64, err error) {
	changed := pl.sessionUpdate(gen, func(s *session) {
		s.state = types.StateError
		if err != nil {
			s.lastErr = err
		}
	})
	if changed {
		logger.Error("{player - failSession} Playback failed: %v", err)
	}
}

// armRenewal schedules the next renewal attempt: at the expiry minus the
// configured lead time when an expiry is known, at the fallback interval
// otherwise. The timer rearms after every attempt, successful or not.
func (pl *Player) armRenewal(gen uint64) {
	if pl.renewer == nil {
		return
	}

	pl.sessionUpdate(gen, func(s *session) {
		if s.renewTimer != nil {
			s.renewTimer.Stop()
		}

		delay := pl.config.RenewalFallbackInterval
		if !s.expiresAt.IsZero() {
			until := time.Until(s.expiresAt) - pl.config.RenewalLeadTime
			if until < time.Second {
				until = time.Second
			}
			delay = until
		}

		s.renewTimer = time.AfterFunc(delay, func() { pl.renewNow(gen) })
		logger.Debug("{player - armRenewal} Next renewal in %s", delay)
	})
}

// renewNow performs one renewal attempt and swaps the fresh URL into the
// running engine. The engine's SwapSource carries the per-engine swap
// semantics; position survives the swap.
func (pl *Player) renewNow(gen uint64) {
	var originalURL string
	var eng engine.Engine

	ok := pl.sessionUpdate(gen, func(s *session) {
		originalURL = s.originalURL
		eng = s.engine
	})
	if !ok {
		return
	}

	result, err := pl.renewer.Renew(context.Background(), originalURL)
	if err != nil {
		logger.Warn("{player - renewNow} Renewal attempt failed: %v", err)
		pl.armRenewal(gen)
		return
	}

	if eng != nil {
		if err := eng.SwapSource(result.URL); err != nil {
			logger.Warn("{player - renewNow} Source swap failed: %v", err)
			pl.armRenewal(gen)
			return
		}
	}

	pl.sessionUpdate(gen, func(s *session) {
		s.resolvedURL = result.URL
		s.expiresAt = result.ExpiresAt
	})
	pl.armRenewal(gen)
}

// sessionUpdate runs fn on the current session under the player lock iff the
// session generation still matches. Reports whether fn ran; a false return
// means the caller's session is gone and its work must be abandoned.
func (pl *Player) sessionUpdate(gen uint64, fn func(*session)) bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.session == nil || pl.session.gen != gen {
		return false
	}
	fn(pl.session)
	return true
}

// teardownLocked stops the active session. Caller holds pl.mu.
func (pl *Player) teardownLocked() {
	s := pl.session
	if s == nil {
		return
	}
	pl.session = nil

	if s.renewTimer != nil {
		s.renewTimer.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.engine != nil {
		s.engine.Stop()
	}
	metrics.ActiveSessions.Set(0)
}

// Stop tears down the active session. Safe to call with no session active.
func (pl *Player) Stop() {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.teardownLocked()
	pl.gen++ // strand any in-flight async work
}

// Pause pauses the active engine.
func (pl *Player) Pause() error {
	eng, err := pl.activeEngine()
	if err != nil {
		return err
	}
	eng.Pause()
	return nil
}

// Resume resumes a paused engine.
func (pl *Player) Resume() error {
	eng, err := pl.activeEngine()
	if err != nil {
		return err
	}
	eng.Play()
	return nil
}

// Seek moves playback to the given position in seconds.
func (pl *Player) Seek(position float64) error {
	eng, err := pl.activeEngine()
	if err != nil {
		return err
	}
	if position < 0 {
		return fmt.Errorf("negative seek position")
	}
	eng.Seek(position)
	pl.mu.Lock()
	if pl.session != nil {
		pl.session.position = position
	}
	pl.mu.Unlock()
	return nil
}

// SetVolume sets volume (0..1) and mute on the active engine.
func (pl *Player) SetVolume(level float64, muted bool) error {
	eng, err := pl.activeEngine()
	if err != nil {
		return err
	}
	eng.SetVolume(level, muted)
	pl.mu.Lock()
	if pl.session != nil {
		pl.session.volume = level
		pl.session.muted = muted
	}
	pl.mu.Unlock()
	return nil
}

// Qualities lists the selectable quality levels of the active engine.
func (pl *Player) Qualities() ([]types.Quality, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.session == nil {
		return nil, fmt.Errorf("no active session")
	}
	return pl.session.qualities, nil
}

// SetQuality switches the active engine to the given quality level.
func (pl *Player) SetQuality(index int) error {
	eng, err := pl.activeEngine()
	if err != nil {
		return err
	}
	return eng.SetQuality(index)
}

// Next switches to the following channel in catalog order.
func (pl *Player) Next() error {
	return pl.step(func(id string) (*types.Channel, bool) { return pl.source.Next(id) })
}

// Prev switches to the preceding channel in catalog order.
func (pl *Player) Prev() error {
	return pl.step(func(id string) (*types.Channel, bool) { return pl.source.Prev(id) })
}

func (pl *Player) step(move func(string) (*types.Channel, bool)) error {
	pl.mu.Lock()
	current := ""
	if pl.session != nil {
		current = pl.session.channel.ID
	}
	pl.mu.Unlock()

	if current == "" {
		return fmt.Errorf("no active session")
	}
	ch, ok := move(current)
	if !ok {
		return fmt.Errorf("catalog is empty")
	}
	return pl.Play(ch.ID)
}

func (pl *Player) activeEngine() (engine.Engine, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.session == nil || pl.session.engine == nil {
		return nil, fmt.Errorf("no active engine")
	}
	return pl.session.engine, nil
}

// Status is the snapshot served by the status API.
type Status struct {
	State     string          `json:"state"`
	ChannelID string          `json:"channel_id,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Engine    string          `json:"engine,omitempty"`
	Probe     string          `json:"probe,omitempty"`
	Position  float64         `json:"position"`
	Duration  float64         `json:"duration"`
	Paused    bool            `json:"paused"`
	Volume    float64         `json:"volume"`
	Muted     bool            `json:"muted"`
	Proxied   bool            `json:"proxied"`
	Qualities []types.Quality `json:"qualities,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Status reports the current orchestrator state.
func (pl *Player) Status() Status {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.session == nil {
		return Status{State: types.StateIdle.String(), Volume: 1}
	}

	s := pl.session
	st := Status{
		State:     s.state.String(),
		ChannelID: s.channel.ID,
		Channel:   s.channel.Name,
		Engine:    string(s.engineID),
		Probe:     s.probe.String(),
		Position:  s.position,
		Duration:  s.duration,
		Paused:    s.paused,
		Volume:    s.volume,
		Muted:     s.muted,
		Proxied:   pl.relay.IsProxied(s.resolvedURL),
		Qualities: s.qualities,
	}
	if s.state == types.StateIdle || s.state == types.StateProbing {
		st.Probe = ""
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}
