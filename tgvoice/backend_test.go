package tgvoice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"easycaller/caller"
)

type fakeAPI struct {
	mu        sync.Mutex
	nextID    int32
	created   []int64
	accepted  []int32
	discarded []int32
	devices   []string
	users     map[int64]Contact
	failNext  error
	// onCreate runs inside CreateCall, before it returns.
	onCreate func(id int32)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{nextID: 100, users: make(map[int64]Contact)}
}

func (f *fakeAPI) CreateCall(userID int64, p Protocol) (int32, error) {
	f.mu.Lock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		f.mu.Unlock()
		return 0, err
	}
	f.nextID++
	id := f.nextID
	f.created = append(f.created, userID)
	hook := f.onCreate
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return id, nil
}

func (f *fakeAPI) AcceptCall(callID int32, p Protocol) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, callID)
	return nil
}

func (f *fakeAPI) DiscardCall(callID int32, disconnected bool, duration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, callID)
	return nil
}

func (f *fakeAPI) RegisterDevice(pushToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, pushToken)
	return nil
}

func (f *fakeAPI) SearchUser(query string) (Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == query {
			return u, nil
		}
	}
	return Contact{}, errors.New("not found")
}

func (f *fakeAPI) GetUser(id int64) (Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return Contact{}, errors.New("not found")
	}
	return u, nil
}

type recordingListener struct {
	mu     sync.Mutex
	events []caller.Event
}

func (l *recordingListener) Deliver(ev caller.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *recordingListener) kinds() []caller.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]caller.EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (l *recordingListener) last() caller.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

type recordingSink struct {
	invites []caller.Invite
	cancels []caller.CancelledInvite
}

func (s *recordingSink) DeliverInvite(inv caller.Invite) { s.invites = append(s.invites, inv) }
func (s *recordingSink) DeliverCancel(c caller.CancelledInvite, _ *caller.CallError) {
	s.cancels = append(s.cancels, c)
}

func newTestBackend(api *fakeAPI, sink InviteSink) *Backend {
	dir := NewDirectory()
	dir.Set([]Contact{{ID: 7, Username: "Bob", Phone: "+1 555 0100"}})
	return New(api, Config{Identity: "alice", Directory: dir, Sink: sink})
}

func TestConnectLifecycle(t *testing.T) {
	api := newFakeAPI()
	b := newTestBackend(api, nil)
	l := &recordingListener{}

	c, err := b.Connect(context.Background(), caller.ConnectOptions{Params: map[string]string{"To": "@bob"}}, l)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, api.created)
	assert.Equal(t, "alice", c.From())
	assert.Equal(t, "Bob", c.To())
	assert.Equal(t, "101", c.SID())

	b.HandleCall(CallUpdate{ID: 101, UserID: 7, Outgoing: true, State: StatePending})
	assert.Empty(t, l.kinds())
	b.HandleCall(CallUpdate{ID: 101, UserID: 7, Outgoing: true, State: StatePending, Received: true})
	b.HandleCall(CallUpdate{ID: 101, UserID: 7, Outgoing: true, State: StatePending, Received: true})
	b.HandleCall(CallUpdate{ID: 101, UserID: 7, Outgoing: true, State: StateExchangingKeys})
	b.HandleCall(CallUpdate{ID: 101, UserID: 7, Outgoing: true, State: StateReady})
	assert.Equal(t, []caller.EventKind{caller.EventRinging, caller.EventConnected}, l.kinds())

	c.Disconnect()
	assert.Equal(t, []int32{101}, api.discarded)
	b.HandleCall(CallUpdate{ID: 101, UserID: 7, Outgoing: true, State: StateHangingUp})
	b.HandleCall(CallUpdate{ID: 101, UserID: 7, Outgoing: true, State: StateDiscarded, Reason: ReasonHungUp})
	assert.Equal(t, caller.EventDisconnected, l.last().Kind)
	assert.Nil(t, l.last().Err)
	assert.Equal(t, 0, b.Calls())
}

func TestConnectUpdatesBeforeCreateReturns(t *testing.T) {
	api := newFakeAPI()
	b := newTestBackend(api, nil)
	api.onCreate = func(id int32) {
		b.HandleCall(CallUpdate{ID: id, UserID: 7, Outgoing: true, State: StatePending, Received: true})
	}
	l := &recordingListener{}

	_, err := b.Connect(context.Background(), caller.ConnectOptions{Params: map[string]string{"To": "15550100"}}, l)
	require.NoError(t, err)
	assert.Equal(t, []caller.EventKind{caller.EventRinging}, l.kinds())
}

func TestConnectDeclined(t *testing.T) {
	api := newFakeAPI()
	b := newTestBackend(api, nil)
	l := &recordingListener{}

	_, err := b.Connect(context.Background(), caller.ConnectOptions{Params: map[string]string{"To": "bob"}}, l)
	require.NoError(t, err)
	b.HandleCall(CallUpdate{ID: 101, Outgoing: true, State: StateDiscarded, Reason: ReasonDeclined})

	require.Equal(t, []caller.EventKind{caller.EventConnectFailure}, l.kinds())
	assert.Equal(t, 31603, l.last().Err.Code)
}

func TestConnectUnknownPeer(t *testing.T) {
	b := newTestBackend(newFakeAPI(), nil)
	_, err := b.Connect(context.Background(), caller.ConnectOptions{Params: map[string]string{"To": "carol"}}, &recordingListener{})
	assert.ErrorIs(t, err, ErrUnknownPeer)

	_, err = b.Connect(context.Background(), caller.ConnectOptions{}, &recordingListener{})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestConnectSearchesSession(t *testing.T) {
	api := newFakeAPI()
	api.users[9] = Contact{ID: 9, Username: "carol"}
	b := newTestBackend(api, nil)

	_, err := b.Connect(context.Background(), caller.ConnectOptions{Params: map[string]string{"To": "client:carol"}}, &recordingListener{})
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, api.created)
	_, ok := b.Directory().Resolve("carol")
	assert.True(t, ok)
}

func TestIncomingAccept(t *testing.T) {
	api := newFakeAPI()
	sink := &recordingSink{}
	b := newTestBackend(api, sink)

	b.HandleCall(CallUpdate{ID: 5, UserID: 7, State: StatePending})
	require.Len(t, sink.invites, 1)
	inv := sink.invites[0]
	assert.Equal(t, "5", inv.SID())
	assert.Equal(t, "Bob", inv.From())
	assert.Equal(t, "alice", inv.To())

	l := &recordingListener{}
	c, err := inv.Accept(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, []int32{5}, api.accepted)

	b.HandleCall(CallUpdate{ID: 5, UserID: 7, State: StateReady})
	assert.Equal(t, []caller.EventKind{caller.EventConnected}, l.kinds())
	assert.Equal(t, c, l.last().Call)

	_, err = inv.Accept(context.Background(), l)
	assert.ErrorIs(t, err, ErrInviteGone)

	b.HandleCall(CallUpdate{ID: 5, UserID: 7, State: StateDiscarded, Reason: ReasonHungUp})
	assert.Equal(t, caller.EventDisconnected, l.last().Kind)
}

func TestIncomingWithdrawn(t *testing.T) {
	api := newFakeAPI()
	sink := &recordingSink{}
	b := newTestBackend(api, sink)

	b.HandleCall(CallUpdate{ID: 6, UserID: 42, State: StatePending})
	require.Len(t, sink.invites, 1)
	assert.Equal(t, "42", sink.invites[0].From())

	b.HandleCall(CallUpdate{ID: 6, UserID: 42, State: StateDiscarded, Reason: ReasonMissed})
	require.Len(t, sink.cancels, 1)
	assert.Equal(t, caller.CancelledInvite{CallSID: "6", From: "42", To: "alice"}, sink.cancels[0])

	assert.ErrorIs(t, sink.invites[0].Reject(context.Background()), ErrInviteGone)
	b.HandleCall(CallUpdate{ID: 6, UserID: 42, State: StateDiscarded, Reason: ReasonMissed})
	assert.Len(t, sink.cancels, 1)
}

func TestIncomingReject(t *testing.T) {
	api := newFakeAPI()
	sink := &recordingSink{}
	b := newTestBackend(api, sink)

	b.HandleCall(CallUpdate{ID: 8, UserID: 7, State: StatePending})
	require.NoError(t, sink.invites[0].Reject(context.Background()))
	assert.Equal(t, []int32{8}, api.discarded)
}

func TestIncomingWithoutSink(t *testing.T) {
	api := newFakeAPI()
	b := newTestBackend(api, nil)
	b.HandleCall(CallUpdate{ID: 9, UserID: 7, State: StatePending})
	assert.Equal(t, []int32{9}, api.discarded)
}

func TestHandleLink(t *testing.T) {
	api := newFakeAPI()
	b := newTestBackend(api, nil)
	l := &recordingListener{}
	_, err := b.Connect(context.Background(), caller.ConnectOptions{Params: map[string]string{"To": "bob"}}, l)
	require.NoError(t, err)

	b.HandleLink(false)
	assert.Empty(t, l.kinds())

	b.HandleCall(CallUpdate{ID: 101, Outgoing: true, State: StateReady})
	b.HandleLink(false)
	b.HandleLink(false)
	b.HandleLink(true)
	b.HandleLink(true)
	assert.Equal(t, []caller.EventKind{caller.EventConnected, caller.EventReconnecting, caller.EventReconnected}, l.kinds())

	// a second outage goes through reconnecting again
	b.HandleLink(false)
	b.HandleLink(true)
	assert.Equal(t, []caller.EventKind{
		caller.EventConnected,
		caller.EventReconnecting, caller.EventReconnected,
		caller.EventReconnecting, caller.EventReconnected,
	}, l.kinds())
}

func TestRegister(t *testing.T) {
	api := newFakeAPI()
	b := newTestBackend(api, nil)

	require.NoError(t, b.Register(context.Background(), "", "fcm-1"))
	assert.Equal(t, []string{"fcm-1"}, api.devices)

	var regErr *caller.RegistrationError
	require.ErrorAs(t, b.Register(context.Background(), "", ""), &regErr)
	assert.Equal(t, caller.CodeRegistrationFailure, regErr.Code)
}

func TestDiscardEvent(t *testing.T) {
	tests := []struct {
		name      string
		u         CallUpdate
		connected bool
		local     bool
		kind      caller.EventKind
		code      int
	}{
		{"hung up after answer", CallUpdate{State: StateDiscarded, Reason: ReasonHungUp}, true, false, caller.EventDisconnected, 0},
		{"local cancel", CallUpdate{State: StateDiscarded, Reason: ReasonMissed}, false, true, caller.EventDisconnected, 0},
		{"declined", CallUpdate{State: StateDiscarded, Reason: ReasonDeclined}, false, false, caller.EventConnectFailure, 31603},
		{"missed", CallUpdate{State: StateDiscarded, Reason: ReasonMissed}, false, false, caller.EventConnectFailure, 31480},
		{"media", CallUpdate{State: StateDiscarded, Reason: ReasonDisconnected}, false, false, caller.EventConnectFailure, caller.CodeMediaConnection},
		{"error before answer", CallUpdate{State: StateError, ErrText: "PEER_FLOOD"}, false, false, caller.EventConnectFailure, caller.CodeGeneric},
		{"error after answer", CallUpdate{State: StateError}, true, false, caller.EventDisconnected, caller.CodeGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, cerr := discardEvent(tt.u, tt.connected, tt.local)
			assert.Equal(t, tt.kind, kind)
			if tt.code == 0 {
				assert.Nil(t, cerr)
				return
			}
			require.NotNil(t, cerr)
			assert.Equal(t, tt.code, cerr.Code)
		})
	}
}
