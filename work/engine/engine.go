package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"iptv-player/work/buffer"
	"iptv-player/work/client"
	"iptv-player/work/config"
	"iptv-player/work/relay"
	"iptv-player/work/types"
)

// EventType classifies an engine lifecycle event.
type EventType int

const (
	EventReady      EventType = iota // media loaded, first frame available
	EventPlaying                     // playback running
	EventPaused                      // playback paused by the caller
	EventBuffering                   // stalled waiting for data
	EventTimeUpdate                  // periodic position report
	EventEnded                       // media ended normally
	EventError                       // playback error, Fatal marks it unrecoverable
)

// Event is a single engine notification delivered to the orchestrator sink.
// Fatal errors are terminal within the engine: the orchestrator decides
// whether to retry, fall back or give up.
type Event struct {
	Engine   types.EngineID
	Type     EventType
	Position float64 // seconds, on EventTimeUpdate
	Duration float64 // seconds, 0 for live streams
	Err      error
	Fatal    bool
}

// Sink receives engine events. An engine never emits after Stop returns.
type Sink func(Event)

// Engine is one playback backend. Construction wires the sink; Start begins
// playback of a resolved URL. All methods other than Start are safe to call
// from the orchestrator goroutine while the engine runs.
type Engine interface {
	ID() types.EngineID
	Start(ctx context.Context, url string, ch *types.Channel) error
	Stop()
	Play()
	Pause()
	Seek(position float64)
	SetVolume(level float64, muted bool)
	Qualities() []types.Quality
	SetQuality(index int) error
	SwapSource(url string) error
}

// Deps is the shared infrastructure every engine adapter receives.
type Deps struct {
	Config  *config.Config
	Client  *client.HeaderSettingClient
	Loader  *Loader
	Surface *Surface
	Relay   *relay.Relay
	Buffers *buffer.Pool
	Limiter *client.HostLimiter
	Workers *ants.Pool
}

// Factory constructs a fresh engine adapter for the given engine id. The
// orchestrator always starts from a fresh instance; engines carry no state
// across sessions.
type Factory func(id types.EngineID, sink Sink) (Engine, error)

// NewFactory builds the production factory over the shared dependencies.
func NewFactory(deps Deps) Factory {
	return func(id types.EngineID, sink Sink) (Engine, error) {
		switch id {
		case types.EngineEmbedded:
			return newEmbedded(deps, sink), nil
		case types.EngineHLS:
			return newHLS(deps, sink), nil
		case types.EngineDASH:
			return newDASH(deps, sink), nil
		case types.EngineNative:
			return newNative(deps, sink), nil
		default:
			return nil, fmt.Errorf("unknown engine %q", id)
		}
	}
}

// LowEndDevice reports whether the buffering profile should assume a
// constrained device: few CPUs or a small configured memory hint.
func LowEndDevice(cfg *config.Config) bool {
	if runtime.NumCPU() <= 4 {
		return true
	}
	return cfg.DeviceMemoryGiB > 0 && cfg.DeviceMemoryGiB < 2
}

// base carries the state all engine adapters share: the event sink with its
// stop gate, the playback clock, and volume state. The stop gate guarantees
// the sink sees no events after Stop returns, which the orchestrator relies
// on when tearing an engine down before starting the next one.
type base struct {
	id   types.EngineID
	deps Deps
	sink Sink

	stopped  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc

	mu       sync.Mutex
	position float64
	duration float64
	playing  bool
	volume   float64
	muted    bool
}

func newBase(id types.EngineID, deps Deps, sink Sink) base {
	return base{id: id, deps: deps, sink: sink, volume: 1}
}

func (b *base) ID() types.EngineID { return b.id }

// emit delivers an event unless the engine has been stopped.
func (b *base) emit(ev Event) {
	if b.stopped.Load() {
		return
	}
	ev.Engine = b.id
	b.sink(ev)
}

func (b *base) emitFatal(err error) {
	b.emit(Event{Type: EventError, Err: err, Fatal: true})
}

// halt flips the stop gate and cancels the run context. Idempotent.
func (b *base) halt() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		if b.cancel != nil {
			b.cancel()
		}
	})
}

func (b *base) Play() {
	b.mu.Lock()
	b.playing = true
	b.mu.Unlock()
	b.emit(Event{Type: EventPlaying})
}

func (b *base) Pause() {
	b.mu.Lock()
	b.playing = false
	b.mu.Unlock()
	b.emit(Event{Type: EventPaused})
}

func (b *base) Seek(position float64) {
	if position < 0 {
		position = 0
	}
	b.mu.Lock()
	if b.duration > 0 && position > b.duration {
		position = b.duration
	}
	b.position = position
	b.mu.Unlock()
}

func (b *base) SetVolume(level float64, muted bool) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	b.mu.Lock()
	b.volume = level
	b.muted = muted
	b.mu.Unlock()
}

// Position returns the current playback clock.
func (b *base) Position() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

func (b *base) isPlaying() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing
}

// advance moves the playback clock by delta seconds while playing and
// reports the new position. Live streams have duration 0 and never clamp.
func (b *base) advance(delta float64) {
	b.mu.Lock()
	if !b.playing {
		b.mu.Unlock()
		return
	}
	b.position += delta
	if b.duration > 0 && b.position > b.duration {
		b.position = b.duration
	}
	pos, dur := b.position, b.duration
	b.mu.Unlock()
	b.emit(Event{Type: EventTimeUpdate, Position: pos, Duration: dur})
}
