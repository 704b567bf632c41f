package push

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"easycaller/caller"
)

type stubInvite struct {
	InviteFields
}

func (i *stubInvite) SID() string  { return i.CallSID }
func (i *stubInvite) From() string { return i.InviteFields.From }
func (i *stubInvite) To() string   { return i.InviteFields.To }
func (i *stubInvite) Accept(context.Context, caller.Listener) (caller.Call, error) {
	return nil, nil
}
func (i *stubInvite) Reject(context.Context) error { return nil }

func newDecoder() TwilioDecoder {
	return TwilioDecoder{NewInvite: func(f InviteFields) caller.Invite { return &stubInvite{f} }}
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestHandleInvitePayload(t *testing.T) {
	a := NewAdapter(newDecoder(), WithClock(fixedClock(1_700_000_000_123)))

	err := a.HandlePayload(map[string]string{
		"twi_message_type": MessageTypeCall,
		"twi_call_sid":     "CA123",
		"twi_from":         "client:alice",
		"twi_to":           "client:bob",
		"twi_bridge_token": "bridge",
		"twi_params":       "reason=support&priority=1",
	})
	require.NoError(t, err)

	ev := <-a.Events()
	in, ok := ev.(IncomingCall)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "CA123", in.Invite.SID())
	assert.Equal(t, "client:alice", in.Invite.From())
	assert.Equal(t, NotificationID(time.UnixMilli(1_700_000_000_123)), in.NotificationID)
	assert.NotZero(t, in.NotificationID)

	fields := in.Invite.(*stubInvite).InviteFields
	assert.Equal(t, map[string]string{"reason": "support", "priority": "1"}, fields.Params)
	assert.Equal(t, "bridge", fields.BridgeToken)
}

func TestHandleCancelPayload(t *testing.T) {
	a := NewAdapter(newDecoder())
	require.NoError(t, a.HandlePayload(map[string]string{
		"twi_message_type": MessageTypeCancel,
		"twi_call_sid":     "CA123",
		"twi_from":         "client:alice",
	}))

	ev := <-a.Events()
	c, ok := ev.(Cancelled)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "CA123", c.Invite.CallSID)
}

func TestInvalidPayloadsAreDropped(t *testing.T) {
	a := NewAdapter(newDecoder())
	payloads := []map[string]string{
		{"twi_message_type": "twilio.voice.other", "twi_call_sid": "CA1"},
		{"twi_message_type": MessageTypeCall},
		{"twi_message_type": MessageTypeCall, "twi_call_sid": "CA1"},
		{"twi_message_type": MessageTypeCall, "twi_call_sid": "CA1", "twi_bridge_token": "b", "twi_params": "%zz"},
		{"hello": "world"},
	}
	for _, p := range payloads {
		assert.ErrorIs(t, a.HandlePayload(p), ErrInvalidPayload, "%v", p)
	}
	assert.NoError(t, a.HandlePayload(nil))
	assert.Len(t, a.Events(), 0)
}

func TestNotificationIDsCollideWithinOneMillisecond(t *testing.T) {
	a := NewAdapter(newDecoder(), WithClock(fixedClock(42)))
	a.DeliverInvite(&stubInvite{InviteFields{CallSID: "CA1"}})
	a.DeliverInvite(&stubInvite{InviteFields{CallSID: "CA2"}})

	first := (<-a.Events()).(IncomingCall)
	second := (<-a.Events()).(IncomingCall)
	assert.Equal(t, first.NotificationID, second.NotificationID)
	assert.NotEqual(t, first.Invite.SID(), second.Invite.SID())
}

func TestNotificationIDTruncates(t *testing.T) {
	ts := time.UnixMilli(1<<32 + 7)
	assert.Equal(t, int32(7), NotificationID(ts))
}

func TestTokenChangedAndClose(t *testing.T) {
	a := NewAdapter(newDecoder())
	a.TokenChanged("fcm-token")
	ev := <-a.Events()
	assert.Equal(t, TokenRefreshed{Token: "fcm-token"}, ev)

	a.Close()
	a.Close()
	a.TokenChanged("ignored")
	_, ok := <-a.Events()
	assert.False(t, ok)
}

func TestCloseReleasesBlockedDelivery(t *testing.T) {
	a := NewAdapter(newDecoder(), WithBuffer(1))
	a.TokenChanged("first")

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.DeliverInvite(&stubInvite{InviteFields{CallSID: "CA1"}})
	}()

	select {
	case <-done:
		t.Fatal("delivery should wait for buffer space")
	case <-time.After(20 * time.Millisecond):
	}

	a.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery still blocked after Close")
	}

	assert.Equal(t, TokenRefreshed{Token: "first"}, <-a.Events())
	_, ok := <-a.Events()
	assert.False(t, ok)
}
