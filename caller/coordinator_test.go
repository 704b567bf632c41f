package caller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"easycaller/audioroute"
)

// journal records side effects in the order they happen.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) reset() {
	j.mu.Lock()
	j.entries = nil
	j.mu.Unlock()
}

type fakeTones struct{ j *journal }

func (f *fakeTones) Initialize() error { f.j.add("tones.init"); return nil }
func (f *fakeTones) PlayRinging()      { f.j.add("tones.ring") }
func (f *fakeTones) StopRinging()      { f.j.add("tones.stop") }
func (f *fakeTones) PlayDisconnect()   { f.j.add("tones.disconnect") }
func (f *fakeTones) Release()          { f.j.add("tones.release") }

type fakeRoute struct {
	j  *journal
	sw *audioroute.MemorySwitch
	r  *audioroute.Router
}

func newFakeRoute(j *journal) *fakeRoute {
	sw := audioroute.NewMemorySwitch(
		audioroute.Device{Name: "Earpiece", Kind: audioroute.Earpiece},
		audioroute.Device{Name: "Speaker", Kind: audioroute.Speakerphone},
	)
	return &fakeRoute{j: j, sw: sw, r: audioroute.NewRouter(sw, nil)}
}

func (f *fakeRoute) Start(l audioroute.ChangeListener) { f.j.add("route.start"); f.r.Start(l) }
func (f *fakeRoute) Stop()                              { f.j.add("route.stop"); f.r.Stop() }
func (f *fakeRoute) Activate()                          { f.j.add("route.activate"); f.r.Activate() }
func (f *fakeRoute) Deactivate()                        { f.j.add("route.deactivate"); f.r.Deactivate() }
func (f *fakeRoute) Devices() []audioroute.Device       { return f.r.Devices() }
func (f *fakeRoute) Select(d audioroute.Device) error   { return f.r.Select(d) }
func (f *fakeRoute) Selected() *audioroute.Device       { return f.r.Selected() }
func (f *fakeRoute) SelectedIndex() int                 { return f.r.SelectedIndex() }

type fakeCall struct {
	sid, from, to string
	j             *journal

	mu    sync.Mutex
	held  bool
	muted bool
}

func (c *fakeCall) SID() string  { return c.sid }
func (c *fakeCall) From() string { return c.from }
func (c *fakeCall) To() string   { return c.to }
func (c *fakeCall) IsOnHold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}
func (c *fakeCall) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}
func (c *fakeCall) Hold(v bool) {
	c.mu.Lock()
	c.held = v
	c.mu.Unlock()
}
func (c *fakeCall) Mute(v bool) {
	c.mu.Lock()
	c.muted = v
	c.mu.Unlock()
}
func (c *fakeCall) Disconnect() { c.j.add("call.disconnect") }

type fakeVoice struct {
	call        *fakeCall
	listener    Listener
	opts        ConnectOptions
	connectErr  error
	registerErr error
}

func (v *fakeVoice) Connect(_ context.Context, opts ConnectOptions, l Listener) (Call, error) {
	if v.connectErr != nil {
		return nil, v.connectErr
	}
	v.opts = opts
	v.listener = l
	return v.call, nil
}

func (v *fakeVoice) Register(context.Context, string, string) error {
	return v.registerErr
}

type fakeInvite struct {
	call     *fakeCall
	listener Listener
	err      error
}

func (i *fakeInvite) SID() string  { return i.call.sid }
func (i *fakeInvite) From() string { return i.call.from }
func (i *fakeInvite) To() string   { return i.call.to }
func (i *fakeInvite) Accept(_ context.Context, l Listener) (Call, error) {
	if i.err != nil {
		return nil, i.err
	}
	i.listener = l
	return i.call, nil
}
func (i *fakeInvite) Reject(context.Context) error { return nil }

type fakeRecorder struct {
	path    string
	started bool
}

func (r *fakeRecorder) Start(path string) error {
	r.path = path
	r.started = true
	return nil
}

func (r *fakeRecorder) Stop() error {
	r.started = false
	return nil
}

type fixture struct {
	j     *journal
	voice *fakeVoice
	route *fakeRoute
	rec   *fakeRecorder
	c     *Coordinator
	call  *fakeCall
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	j := &journal{}
	call := &fakeCall{sid: "CA1", from: "alice", to: "bob", j: j}
	f := &fixture{
		j:     j,
		voice: &fakeVoice{call: call},
		route: newFakeRoute(j),
		rec:   &fakeRecorder{},
		call:  call,
	}
	c, err := New(Config{Voice: f.voice, Tones: &fakeTones{j: j}, Route: f.route, Recorder: f.rec})
	require.NoError(t, err)
	f.c = c
	return f
}

// run starts the event loop and returns a function waiting for it to exit.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNewValidatesConfig(t *testing.T) {
	j := &journal{}
	_, err := New(Config{Tones: &fakeTones{j: j}, Route: newFakeRoute(j)})
	assert.Error(t, err)
	_, err = New(Config{Voice: &fakeVoice{}, Route: newFakeRoute(j)})
	assert.Error(t, err)
	_, err = New(Config{Voice: &fakeVoice{}, Tones: &fakeTones{j: j}})
	assert.Error(t, err)
}

func TestRingingThenConnected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Start(nil))

	f.c.Handle(Event{Kind: EventRinging, Call: f.call})
	assert.Equal(t, PhaseRinging, f.c.Phase())
	f.j.reset()

	f.c.Handle(Event{Kind: EventConnected, Call: f.call})
	assert.Equal(t, []string{"route.activate", "tones.stop"}, f.j.all())
	assert.Equal(t, PhaseConnected, f.c.Phase())
	assert.Equal(t, Call(f.call), f.c.ActiveCall())
}

func TestConnectedThenDisconnected(t *testing.T) {
	f := newFixture(t)
	f.c.Handle(Event{Kind: EventConnected, Call: f.call})
	f.j.reset()

	f.c.Handle(Event{Kind: EventDisconnected, Call: f.call})
	assert.Equal(t, []string{
		"route.deactivate",
		"route.stop",
		"tones.disconnect",
		"tones.stop",
		"tones.release",
	}, f.j.all())
	assert.Equal(t, PhaseDisconnected, f.c.Phase())
	assert.Nil(t, f.c.ActiveCall())
}

func TestDisconnectedAlwaysReleasesAudio(t *testing.T) {
	prefixes := map[string][]EventKind{
		"ringing":      {EventRinging},
		"connected":    {EventRinging, EventConnected},
		"reconnecting": {EventRinging, EventConnected, EventReconnecting},
	}
	for name, events := range prefixes {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			for _, k := range events {
				f.c.Handle(Event{Kind: k, Call: f.call, Err: &CallError{Code: CodeTransportError, Message: "net"}})
			}
			f.j.reset()
			f.c.Handle(Event{Kind: EventDisconnected, Call: f.call})

			got := f.j.all()
			assert.Contains(t, got, "route.deactivate")
			assert.Contains(t, got, "tones.stop")
			assert.Equal(t, "tones.release", got[len(got)-1])
		})
	}
}

func TestConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.c.Handle(Event{Kind: EventRinging, Call: f.call})
	f.j.reset()

	f.c.Handle(Event{Kind: EventConnectFailure, Call: f.call, Err: &CallError{Code: CodeConnectionError, Message: "busy"}})
	assert.Equal(t, []string{"route.deactivate", "tones.stop"}, f.j.all())
	assert.Equal(t, PhaseConnectFailure, f.c.Phase())
	assert.Nil(t, f.c.ActiveCall())
}

func TestReconnectHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.c.Handle(Event{Kind: EventConnected, Call: f.call})
	f.j.reset()

	f.c.Handle(Event{Kind: EventReconnecting, Call: f.call, Err: &CallError{Code: CodeTransportError}})
	assert.Equal(t, PhaseReconnecting, f.c.Phase())
	f.c.Handle(Event{Kind: EventReconnected, Call: f.call})
	assert.Equal(t, PhaseConnected, f.c.Phase())
	assert.Empty(t, f.j.all())
}

func TestObserversRunAfterSideEffects(t *testing.T) {
	f := newFixture(t)
	f.run(t)

	disconnected := make(chan struct{})
	obs := func(name string) func(Call) {
		return func(Call) { f.j.add("observer." + name) }
	}
	call, err := f.c.Connect(context.Background(), "token", "bob", "alice",
		WithOnRinging(obs("ringing")),
		WithOnConnected(obs("connected")),
		WithOnDisconnected(func(Call, *CallError) {
			f.j.add("observer.disconnected")
			close(disconnected)
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"To": "bob", "From": "alice"}, f.voice.opts.Params)
	assert.Equal(t, "token", f.voice.opts.AccessToken)
	assert.Equal(t, PhaseConnecting, f.c.Phase())
	f.j.reset()

	l := f.voice.listener
	l.Deliver(Event{Kind: EventRinging, Call: call})
	l.Deliver(Event{Kind: EventConnected, Call: call})
	l.Deliver(Event{Kind: EventDisconnected, Call: call})

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("disconnected observer not called")
	}
	assert.Equal(t, []string{
		"tones.ring", "observer.ringing",
		"route.activate", "tones.stop", "observer.connected",
		"route.deactivate", "route.stop", "tones.disconnect", "tones.stop", "tones.release", "observer.disconnected",
	}, f.j.all())
}

func TestFailureObserversReceiveError(t *testing.T) {
	f := newFixture(t)
	f.run(t)

	got := make(chan *CallError, 2)
	_, err := f.c.Connect(context.Background(), "token", "bob", "alice",
		WithOnReconnecting(func(_ Call, e *CallError) { got <- e }),
		WithOnConnectFailure(func(_ Call, e *CallError) { got <- e }),
	)
	require.NoError(t, err)

	f.voice.listener.Deliver(Event{Kind: EventConnectFailure, Call: f.call, Err: &CallError{Code: 31486, Message: "busy"}})
	select {
	case e := <-got:
		assert.Equal(t, 31486, e.Code)
	case <-time.After(time.Second):
		t.Fatal("connect failure observer not called")
	}
}

func TestAcceptReinitializesTones(t *testing.T) {
	f := newFixture(t)
	inv := &fakeInvite{call: f.call}

	call, err := f.c.Accept(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, Call(f.call), call)
	assert.Equal(t, []string{"route.start", "tones.init"}, f.j.all())
	require.NotNil(t, inv.listener)

	f.c.Handle(Event{Kind: EventDisconnected, Call: f.call})
	f.j.reset()

	_, err = f.c.Accept(context.Background(), &fakeInvite{call: &fakeCall{sid: "CA2", j: f.j}})
	require.NoError(t, err)
	assert.Equal(t, []string{"route.start", "tones.init"}, f.j.all())
}

func TestRedialWhileDisconnectQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call1, err := f.c.Connect(ctx, "token", "bob", "alice")
	require.NoError(t, err)
	l1 := f.voice.listener
	l1.Deliver(Event{Kind: EventConnected, Call: call1})
	l1.Deliver(Event{Kind: EventDisconnected, Call: call1})

	call2 := &fakeCall{sid: "CA2", from: "alice", to: "carol", j: f.j}
	f.voice.call = call2
	connected := make(chan struct{})
	_, err = f.c.Connect(ctx, "token", "carol", "alice", WithOnConnected(func(Call) { close(connected) }))
	require.NoError(t, err)
	l2 := f.voice.listener
	l2.Deliver(Event{Kind: EventRinging, Call: call2})
	l2.Deliver(Event{Kind: EventConnected, Call: call2})
	f.j.reset()

	f.run(t)
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("second call never connected")
	}
	assert.Equal(t, []string{
		"route.activate", "tones.stop",
		"route.deactivate", "route.stop", "tones.disconnect", "tones.stop", "tones.release",
		"tones.init", "tones.ring",
		"route.start", "route.activate", "tones.stop",
	}, f.j.all())
	assert.Equal(t, PhaseConnected, f.c.Phase())
	assert.Equal(t, Call(call2), f.c.ActiveCall())
}

func TestAcceptError(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.Accept(context.Background(), &fakeInvite{call: f.call, err: errors.New("gone")})
	require.Error(t, err)
	assert.Equal(t, PhaseConnectFailure, f.c.Phase())

	_, err = f.c.Accept(context.Background(), nil)
	assert.Error(t, err)
}

func TestConnectError(t *testing.T) {
	f := newFixture(t)
	f.voice.connectErr = &CallError{Code: CodeAccessTokenExpired, Message: "expired"}

	_, err := f.c.Connect(context.Background(), "token", "bob", "alice")
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeAccessTokenExpired, ce.Code)
}

func TestDisconnectStopsRinging(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Disconnect(f.call))
	assert.Equal(t, []string{"call.disconnect", "tones.stop"}, f.j.all())

	f.j.reset()
	assert.ErrorIs(t, f.c.Disconnect(nil), ErrNoActiveCall)
	assert.Equal(t, []string{"tones.stop"}, f.j.all())
}

func TestToggles(t *testing.T) {
	f := newFixture(t)

	held, err := f.c.ToggleHold(f.call)
	require.NoError(t, err)
	assert.True(t, held)
	assert.True(t, f.call.IsOnHold())
	held, _ = f.c.ToggleHold(f.call)
	assert.False(t, held)

	f.c.Handle(Event{Kind: EventConnected, Call: f.call})
	muted, err := f.c.ToggleMute(nil)
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, f.call.IsMuted())

	f.c.Handle(Event{Kind: EventDisconnected, Call: f.call})
	_, err = f.c.ToggleMute(nil)
	assert.ErrorIs(t, err, ErrNoActiveCall)
	_, err = f.c.ToggleHold(nil)
	assert.ErrorIs(t, err, ErrNoActiveCall)
}

func TestRecordingDelegates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.StartRecording("/tmp/call.pcm"))
	assert.True(t, f.rec.started)
	assert.Equal(t, "/tmp/call.pcm", f.rec.path)
	require.NoError(t, f.c.StopRecording())
	assert.False(t, f.rec.started)

	c, err := New(Config{Voice: f.voice, Tones: &fakeTones{j: f.j}, Route: f.route})
	require.NoError(t, err)
	assert.ErrorIs(t, c.StartRecording("x"), ErrNoRecorder)
	assert.ErrorIs(t, c.StopRecording(), ErrNoRecorder)
}

func TestAudioDevices(t *testing.T) {
	f := newFixture(t)
	devs := f.c.ListAudioDevices()
	require.Len(t, devs, 2)
	assert.Equal(t, 0, f.c.ActiveAudioDeviceIndex())

	require.NoError(t, f.c.SelectAudioDevice(devs[1]))
	assert.Equal(t, &devs[1], f.c.ActiveAudioDevice())
	assert.Equal(t, 1, f.c.ActiveAudioDeviceIndex())
}

func TestRegisterReportsFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Register(context.Background(), "token", "push", nil))

	f.voice.registerErr = errors.New("401 unauthorized")
	var reported error
	err := f.c.Register(context.Background(), "token", "push", func(e error) { reported = e })

	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, CodeRegistrationFailure, regErr.Code)
	assert.Equal(t, err, reported)
	assert.Contains(t, err.Error(), "401 unauthorized")
}

func TestEventsAfterStopAreDropped(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.c.Run(ctx))

	done := make(chan struct{})
	go func() {
		l := f.c.Listener()
		for i := 0; i < 64; i++ {
			l.Deliver(Event{Kind: EventRinging, Call: f.call})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery blocked after shutdown")
	}

	_, err := f.c.Connect(context.Background(), "token", "bob", "alice")
	assert.ErrorIs(t, err, ErrStopped)
	_, err = f.c.Accept(context.Background(), &fakeInvite{call: f.call})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Nil(t, f.voice.listener)
}

func TestPhaseTransitions(t *testing.T) {
	assert.True(t, validTransition(PhaseIdle, PhaseConnecting))
	assert.True(t, validTransition(PhaseReconnecting, PhaseConnected))
	assert.False(t, validTransition(PhaseConnected, PhaseConnectFailure))
	assert.False(t, validTransition(PhaseIdle, PhaseReconnecting))
	assert.True(t, PhaseDisconnected.Terminal())
	assert.False(t, PhaseReconnecting.Terminal())
}
