// Package tone plays the ringing loop and the disconnect cue for a call.
//
// A Player owns a two-sample bank and a single playback slot. It is created
// explicitly and handed to whoever drives call audio; there is no process
// wide instance. Requests that arrive while the player is not ready are
// deferred (ringing) or dropped (disconnect), never reported as errors.
package tone

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNoPlatform is returned when a Player is acquired without a usable
	// platform (engine factory and volume source).
	ErrNoPlatform = errors.New("tone: platform not provided")

	// ErrReleased is returned by engines used after Release.
	ErrReleased = errors.New("tone: engine released")
)

// State is the playback slot state.
type State int

const (
	// Unloaded means the player has no engine: before Initialize or after Release.
	Unloaded State = iota
	Idle
	PlayingRinging
	PlayingDisconnect
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Idle:
		return "idle"
	case PlayingRinging:
		return "ringing"
	case PlayingDisconnect:
		return "playing-disconnect"
	default:
		return "unknown"
	}
}

// Platform bundles what the player needs from the host OS.
type Platform struct {
	NewEngine EngineFactory
	Volume    Volume
}

// Option configures a Player.
type Option func(*Player)

// WithLogger sets the logger used by the player.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Player) {
		if log != nil {
			p.log = log
		}
	}
}

// WithDisconnectGuard keeps the slot busy for d after the disconnect cue
// starts. With a zero guard the slot is freed as soon as the one-shot is
// started, so a ringing request can overlap an audible disconnect cue.
func WithDisconnectGuard(d time.Duration) Option {
	return func(p *Player) {
		p.guard = d
	}
}

// Player plays call tones through a platform Engine.
type Player struct {
	platform Platform
	log      logrus.FieldLogger
	guard    time.Duration

	mu         sync.Mutex
	engine     Engine
	generation int
	state      State
	gain       float64
	samples    map[Sound]SampleID
	completed  int
	loaded     bool
	pending    bool
	stream     StreamID
	guardTimer *time.Timer
}

// New acquires a Player for platform. It fails with ErrNoPlatform when the
// platform cannot produce an engine or report volume.
func New(platform *Platform, opts ...Option) (*Player, error) {
	if platform == nil || platform.NewEngine == nil || platform.Volume == nil {
		return nil, ErrNoPlatform
	}
	p := &Player{
		platform: *platform,
		log:      logrus.WithField("name", "tone"),
		samples:  make(map[Sound]SampleID),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Initialize derives the playback gain from the device volume and starts
// loading both samples. It does nothing if the player is already initialized.
func (p *Player) Initialize() error {
	p.mu.Lock()
	if p.engine != nil {
		p.mu.Unlock()
		return nil
	}

	eng, err := p.platform.NewEngine(1)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	p.gain = gainFor(p.platform.Volume.Current(), p.platform.Volume.Max())
	p.generation++
	gen := p.generation
	p.engine = eng
	p.state = Idle
	p.samples = make(map[Sound]SampleID)
	p.completed = 0
	p.loaded = false
	p.log.Debugf("initialized with gain %.2f", p.gain)
	p.mu.Unlock()

	eng.SetOnLoadComplete(func(sample SampleID, status int) {
		p.onLoadComplete(gen, sample, status)
	})

	for _, s := range []Sound{Ringing, Disconnect} {
		id, err := eng.Load(s)
		if err != nil {
			p.log.Warnf("load %s: %v", s, err)
			continue
		}
		p.mu.Lock()
		if p.generation == gen {
			p.samples[s] = id
		}
		p.mu.Unlock()
	}
	return nil
}

func gainFor(current, max int) float64 {
	if max <= 0 {
		return 0
	}
	g := float64(current) / float64(max)
	switch {
	case g < 0:
		return 0
	case g > 1:
		return 1
	}
	return g
}

func (p *Player) onLoadComplete(gen int, sample SampleID, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.generation || p.engine == nil {
		return
	}
	if status != LoadOK {
		p.log.Errorf("sample %d failed to load (status %d)", sample, status)
		return
	}
	p.completed++
	if p.completed < 2 || p.loaded {
		return
	}
	p.loaded = true
	p.log.Debug("samples loaded")
	if p.pending {
		p.pending = false
		if p.state == Idle {
			p.playRingingLocked()
		}
	}
}

// PlayRinging starts the looped ringing tone. Before the samples are loaded
// the request is remembered and replayed once loading completes; while any
// tone is playing it is ignored.
func (p *Player) PlayRinging() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.engine == nil {
		p.log.Debug("play ringing ignored: player not initialized")
		return
	}
	if !p.loaded {
		p.pending = true
		return
	}
	if p.state != Idle {
		return
	}
	p.playRingingLocked()
}

func (p *Player) playRingingLocked() {
	p.stream = p.engine.Play(p.samples[Ringing], p.gain, true)
	p.state = PlayingRinging
}

// StopRinging stops the ringing tone if it is playing and drops a deferred
// ringing request.
func (p *Player) StopRinging() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = false
	if p.state != PlayingRinging || p.engine == nil {
		return
	}
	p.engine.Stop(p.stream)
	p.stream = 0
	p.state = Idle
}

// PlayDisconnect plays the disconnect cue once when the samples are loaded
// and the slot is free.
func (p *Player) PlayDisconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.engine == nil || !p.loaded || p.state != Idle {
		return
	}
	p.engine.Play(p.samples[Disconnect], p.gain, false)
	if p.guard <= 0 {
		return
	}

	p.state = PlayingDisconnect
	gen := p.generation
	p.guardTimer = time.AfterFunc(p.guard, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.generation == gen && p.state == PlayingDisconnect {
			p.state = Idle
		}
	})
}

// Release unloads the samples and frees the engine. The player must be
// initialized again before it produces sound.
func (p *Player) Release() {
	p.mu.Lock()
	eng := p.engine
	samples := p.samples
	p.engine = nil
	p.generation++
	p.state = Unloaded
	p.loaded = false
	p.pending = false
	p.completed = 0
	p.stream = 0
	p.samples = make(map[Sound]SampleID)
	if p.guardTimer != nil {
		p.guardTimer.Stop()
		p.guardTimer = nil
	}
	p.mu.Unlock()

	if eng == nil {
		return
	}
	for _, id := range samples {
		eng.Unload(id)
	}
	eng.Release()
	p.log.Debug("released")
}

// State returns the playback slot state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Gain returns the gain derived at initialization.
func (p *Player) Gain() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gain
}

// Loaded reports whether both samples finished loading.
func (p *Player) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// Pending reports whether a ringing request is waiting for the samples.
func (p *Player) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Initialized reports whether the player currently holds an engine.
func (p *Player) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engine != nil
}
