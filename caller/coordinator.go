// Package caller coordinates call lifecycle events with call audio.
//
// A Coordinator receives the events of the vendor call SDK through a single
// ordered queue and, for every event, applies the matching tone and audio
// route side effects before running the observers supplied with the call.
package caller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"easycaller/audioroute"
	"easycaller/recorder"
	"easycaller/tone"
)

// TonePlayer plays the ringing loop and the disconnect cue.
type TonePlayer interface {
	Initialize() error
	PlayRinging()
	StopRinging()
	PlayDisconnect()
	Release()
}

// AudioRoute activates the call audio path and selects devices.
type AudioRoute interface {
	Start(listener audioroute.ChangeListener)
	Stop()
	Activate()
	Deactivate()
	Devices() []audioroute.Device
	Select(d audioroute.Device) error
	Selected() *audioroute.Device
	SelectedIndex() int
}

// CallRecorder captures call audio to a file.
type CallRecorder interface {
	Start(path string) error
	Stop() error
}

var (
	_ TonePlayer   = (*tone.Player)(nil)
	_ AudioRoute   = (*audioroute.Router)(nil)
	_ CallRecorder = (*recorder.Recorder)(nil)
)

// Config holds the collaborators of a Coordinator. Recorder and Logger are optional.
type Config struct {
	Voice    Voice
	Tones    TonePlayer
	Route    AudioRoute
	Recorder CallRecorder
	Logger   logrus.FieldLogger

	// QueueSize bounds the number of undelivered events. Defaults to 32.
	QueueSize int
}

type dispatch struct {
	ev  Event
	obs *observers
}

// Coordinator drives tones and audio routing from call events.
type Coordinator struct {
	voice Voice
	tones TonePlayer
	route AudioRoute
	rec   CallRecorder
	log   logrus.FieldLogger

	events  chan dispatch
	stopped chan struct{}
	runOnce sync.Once

	mu            sync.Mutex
	phase         Phase
	active        Call
	routeListener audioroute.ChangeListener
	routeStarted  bool
	tonesReady    bool
}

// New validates cfg and creates a Coordinator. Run must be called to
// process events.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Voice == nil {
		return nil, errors.New("caller: voice backend is required")
	}
	if cfg.Tones == nil {
		return nil, errors.New("caller: tone player is required")
	}
	if cfg.Route == nil {
		return nil, errors.New("caller: audio route is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.WithField("name", "caller")
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 32
	}
	return &Coordinator{
		voice:   cfg.Voice,
		tones:   cfg.Tones,
		route:   cfg.Route,
		rec:     cfg.Recorder,
		log:     log,
		events:  make(chan dispatch, size),
		stopped: make(chan struct{}),
		phase:   PhaseIdle,
	}, nil
}

// Start begins audio device monitoring and initializes the tone player.
// listener is told about device changes and may be nil.
func (c *Coordinator) Start(listener audioroute.ChangeListener) error {
	c.mu.Lock()
	c.routeListener = listener
	c.mu.Unlock()
	c.ensureRoute()
	return c.ensureTones()
}

func (c *Coordinator) ensureRoute() {
	c.mu.Lock()
	if c.routeStarted {
		c.mu.Unlock()
		return
	}
	c.routeStarted = true
	l := c.routeListener
	c.mu.Unlock()
	c.route.Start(l)
}

// ensureTones initializes the tone player unless it is already usable.
func (c *Coordinator) ensureTones() error {
	c.mu.Lock()
	if c.tonesReady {
		c.mu.Unlock()
		return nil
	}
	c.tonesReady = true
	c.mu.Unlock()

	if err := c.tones.Initialize(); err != nil {
		c.mu.Lock()
		c.tonesReady = false
		c.mu.Unlock()
		return err
	}
	return nil
}

// prepare readies tones and audio for a new call. A tone player released
// by the previous call is initialized again here. The disconnect of the
// previous call may still be queued; handle re-readies audio for Ringing
// and Connected when that happens.
func (c *Coordinator) prepare() {
	c.ensureRoute()
	if err := c.ensureTones(); err != nil {
		c.log.Warnf("tone player initialize: %v", err)
	}
	c.mu.Lock()
	if !validTransition(c.phase, PhaseConnecting) {
		c.log.Warnf("new call while %s", c.phase)
	}
	c.phase = PhaseConnecting
	c.mu.Unlock()
}

// Run processes queued events in delivery order until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.runOnce.Do(func() { close(c.stopped) })
	for {
		select {
		case d := <-c.events:
			c.handle(d)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Coordinator) isStopped() bool {
	select {
	case <-c.stopped:
		return true
	default:
		return false
	}
}

func (c *Coordinator) enqueue(d dispatch) {
	select {
	case c.events <- d:
	case <-c.stopped:
		c.log.Warnf("event dropped after shutdown: %s", d.ev)
	}
}

// Listener returns a Listener that feeds the coordinator queue with no
// observers attached. Backends use it for calls the coordinator did not
// start itself.
func (c *Coordinator) Listener() Listener {
	return &callListener{c: c, obs: &observers{}}
}

type callListener struct {
	c   *Coordinator
	obs *observers
}

func (l *callListener) Deliver(ev Event) {
	l.c.enqueue(dispatch{ev: ev, obs: l.obs})
}

// Handle applies ev immediately, bypassing the queue.
func (c *Coordinator) Handle(ev Event) {
	c.handle(dispatch{ev: ev, obs: &observers{}})
}

func (c *Coordinator) handle(d dispatch) {
	ev := d.ev
	from, to := "", ""
	if ev.Call != nil {
		from, to = ev.Call.From(), ev.Call.To()
	}

	switch ev.Kind {
	case EventRinging:
		c.log.Infof("ringing: %s -> %s", from, to)
		c.transition(ev, PhaseRinging)
		if err := c.ensureTones(); err != nil {
			c.log.Warnf("tone player initialize: %v", err)
		}
		c.tones.PlayRinging()
		if d.obs.ringing != nil {
			d.obs.ringing(ev.Call)
		}

	case EventConnected:
		c.log.Infof("connected: %s -> %s", from, to)
		c.transition(ev, PhaseConnected)
		c.ensureRoute()
		c.route.Activate()
		c.tones.StopRinging()
		if d.obs.connected != nil {
			d.obs.connected(ev.Call)
		}

	case EventConnectFailure:
		c.log.Warnf("connect failure: %v", ev.Err)
		c.transition(ev, PhaseConnectFailure)
		c.route.Deactivate()
		c.tones.StopRinging()
		if d.obs.connectFailure != nil {
			d.obs.connectFailure(ev.Call, ev.Err)
		}

	case EventReconnecting:
		c.log.Warnf("reconnecting: %v", ev.Err)
		c.transition(ev, PhaseReconnecting)
		if d.obs.reconnecting != nil {
			d.obs.reconnecting(ev.Call, ev.Err)
		}

	case EventReconnected:
		c.log.Infof("reconnected: %s -> %s", from, to)
		c.transition(ev, PhaseConnected)
		if d.obs.reconnected != nil {
			d.obs.reconnected(ev.Call)
		}

	case EventDisconnected:
		c.log.Infof("disconnected: %s -> %s", from, to)
		c.transition(ev, PhaseDisconnected)
		c.route.Deactivate()
		c.route.Stop()
		c.mu.Lock()
		c.routeStarted = false
		c.mu.Unlock()
		c.tones.PlayDisconnect()
		c.tones.StopRinging()
		c.tones.Release()
		c.mu.Lock()
		c.tonesReady = false
		c.mu.Unlock()
		if d.obs.disconnected != nil {
			d.obs.disconnected(ev.Call, ev.Err)
		}

	default:
		c.log.Warnf("unknown call event %s", ev)
	}
}

func (c *Coordinator) transition(ev Event, next Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next.Terminal() && c.active != nil && ev.Call != nil && c.active.SID() != ev.Call.SID() {
		c.log.Infof("%s for %s after %s took over", ev.Kind, ev.Call.SID(), c.active.SID())
		return
	}
	if !validTransition(c.phase, next) && c.phase != next {
		c.log.Warnf("unexpected %s while %s", ev.Kind, c.phase)
	}
	c.phase = next
	if next.Terminal() {
		if c.active == nil || ev.Call == nil || c.active.SID() == ev.Call.SID() {
			c.active = nil
		}
	} else if ev.Call != nil {
		c.active = ev.Call
	}
}

// Accept answers invite. Observers run after the coordinator side effects
// of each event of the resulting call. It returns ErrStopped once Run has
// exited.
func (c *Coordinator) Accept(ctx context.Context, invite Invite, opts ...CallOption) (Call, error) {
	if invite == nil {
		return nil, errors.New("caller: nil invite")
	}
	if c.isStopped() {
		return nil, ErrStopped
	}
	c.prepare()
	l := &callListener{c: c, obs: newObservers(opts)}

	call, err := invite.Accept(ctx, l)
	if err != nil {
		c.failStart(err)
		return nil, fmt.Errorf("accept %s: %w", invite.SID(), err)
	}
	c.setActive(call)
	return call, nil
}

// Connect places a call from from to to using accessToken. It returns
// ErrStopped once Run has exited.
func (c *Coordinator) Connect(ctx context.Context, accessToken, to, from string, opts ...CallOption) (Call, error) {
	if c.isStopped() {
		return nil, ErrStopped
	}
	c.prepare()
	l := &callListener{c: c, obs: newObservers(opts)}

	params := map[string]string{"To": to, "From": from}
	c.log.Debugf("connect: calling to %v", params)
	call, err := c.voice.Connect(ctx, ConnectOptions{AccessToken: accessToken, Params: params}, l)
	if err != nil {
		c.failStart(err)
		return nil, fmt.Errorf("connect %s: %w", to, err)
	}
	c.setActive(call)
	return call, nil
}

func (c *Coordinator) failStart(err error) {
	c.log.Warnf("call did not start: %v", err)
	c.mu.Lock()
	if c.phase == PhaseConnecting {
		c.phase = PhaseConnectFailure
	}
	c.mu.Unlock()
}

func (c *Coordinator) setActive(call Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if call != nil && !c.phase.Terminal() {
		c.active = call
	}
}

// Disconnect hangs up call, or the active call when call is nil. The
// ringing tone is stopped right away whatever the call phase.
func (c *Coordinator) Disconnect(call Call) error {
	if call == nil {
		call = c.ActiveCall()
	}
	if call == nil {
		c.tones.StopRinging()
		return ErrNoActiveCall
	}
	call.Disconnect()
	c.tones.StopRinging()
	return nil
}

// ToggleHold flips the hold state of call and returns the requested state.
func (c *Coordinator) ToggleHold(call Call) (bool, error) {
	if call == nil {
		call = c.ActiveCall()
	}
	if call == nil {
		return false, ErrNoActiveCall
	}
	hold := !call.IsOnHold()
	call.Hold(hold)
	return hold, nil
}

// ToggleMute flips the mute state of call and returns the requested state.
func (c *Coordinator) ToggleMute(call Call) (bool, error) {
	if call == nil {
		call = c.ActiveCall()
	}
	if call == nil {
		return false, ErrNoActiveCall
	}
	mute := !call.IsMuted()
	call.Mute(mute)
	return mute, nil
}

// StartRecording captures call audio to path.
func (c *Coordinator) StartRecording(path string) error {
	if c.rec == nil {
		return ErrNoRecorder
	}
	return c.rec.Start(path)
}

// StopRecording ends the capture, waiting until the file is closed.
func (c *Coordinator) StopRecording() error {
	if c.rec == nil {
		return ErrNoRecorder
	}
	return c.rec.Stop()
}

// ListAudioDevices returns the available audio devices.
func (c *Coordinator) ListAudioDevices() []audioroute.Device {
	return c.route.Devices()
}

// SelectAudioDevice routes call audio through d.
func (c *Coordinator) SelectAudioDevice(d audioroute.Device) error {
	return c.route.Select(d)
}

// ActiveAudioDevice returns the selected audio device, or nil.
func (c *Coordinator) ActiveAudioDevice() *audioroute.Device {
	return c.route.Selected()
}

// ActiveAudioDeviceIndex returns the index of the selected device in
// ListAudioDevices, or -1.
func (c *Coordinator) ActiveAudioDeviceIndex() int {
	return c.route.SelectedIndex()
}

// Register binds pushToken to the identity in accessToken. Failures are
// logged and passed to onError when it is not nil; they are not retried.
func (c *Coordinator) Register(ctx context.Context, accessToken, pushToken string, onError func(error)) error {
	c.log.Info("registering for call invites")
	err := c.voice.Register(ctx, accessToken, pushToken)
	if err == nil {
		c.log.Debug("registered for call invites")
		return nil
	}

	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		regErr = &RegistrationError{Code: CodeRegistrationFailure, Message: "registration failed", Err: err}
	}
	c.log.Warnf("register: %v", regErr)
	if onError != nil {
		onError(regErr)
	}
	return regErr
}

// Phase returns the phase of the current or last call.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// ActiveCall returns the call in progress, or nil.
func (c *Coordinator) ActiveCall() Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
