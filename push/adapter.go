// Package push turns push-delivered call payloads into incoming-call events.
package push

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"easycaller/caller"
)

// ErrInvalidPayload marks a payload the decoder did not recognize.
var ErrInvalidPayload = errors.New("push: not a valid call payload")

// IncomingCall announces a new invite. NotificationID is derived from the
// delivery time in milliseconds; two invites delivered within the same
// millisecond share an id.
type IncomingCall struct {
	Invite         caller.Invite
	NotificationID int32
	ReceivedAt     time.Time
}

// Cancelled announces that the caller withdrew an invite.
type Cancelled struct {
	Invite caller.CancelledInvite
	Err    *caller.CallError
}

// TokenRefreshed announces a new push token. The host re-registers it
// with its backend; the adapter does not persist it.
type TokenRefreshed struct {
	Token string
}

// Event is one of IncomingCall, Cancelled or TokenRefreshed.
type Event interface {
	isPushEvent()
}

func (IncomingCall) isPushEvent()   {}
func (Cancelled) isPushEvent()      {}
func (TokenRefreshed) isPushEvent() {}

// Message is what a Decoder extracts from a payload: exactly one of Invite
// or Cancel is set.
type Message struct {
	Invite caller.Invite
	Cancel *caller.CancelledInvite
	Err    *caller.CallError
}

// Decoder validates a push data payload.
type Decoder interface {
	Decode(data map[string]string) (Message, error)
}

// Adapter forwards decoded invites and cancellations to its event stream.
type Adapter struct {
	decoder Decoder
	log     logrus.FieldLogger
	now     func() time.Time

	events  chan Event
	done    chan struct{}
	sending sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// WithClock overrides the time source used for notification ids.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithBuffer sets the event buffer size.
func WithBuffer(n int) Option {
	return func(a *Adapter) { a.events = make(chan Event, n) }
}

// NewAdapter creates an Adapter decoding payloads with decoder.
func NewAdapter(decoder Decoder, opts ...Option) *Adapter {
	a := &Adapter{
		decoder: decoder,
		log:     logrus.WithField("name", "push"),
		now:     time.Now,
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Events returns the stream of adapter events. It is closed by Close.
func (a *Adapter) Events() <-chan Event {
	return a.events
}

// HandlePayload decodes data and emits the matching event. Invalid payloads
// are logged and dropped; the error is returned for the transport to
// acknowledge. Empty payloads are ignored.
func (a *Adapter) HandlePayload(data map[string]string) error {
	if len(data) == 0 {
		a.log.Debug("push message without data payload")
		return nil
	}
	a.log.Debugf("push data: %v", data)

	msg, err := a.decoder.Decode(data)
	if err != nil {
		a.log.Errorf("the message was not a valid call payload: %v", err)
		return err
	}
	switch {
	case msg.Invite != nil:
		a.DeliverInvite(msg.Invite)
	case msg.Cancel != nil:
		a.DeliverCancel(*msg.Cancel, msg.Err)
	default:
		a.log.Errorf("decoder returned an empty message for %v", data)
		return ErrInvalidPayload
	}
	return nil
}

// DeliverInvite emits an IncomingCall for inv with a fresh notification id.
func (a *Adapter) DeliverInvite(inv caller.Invite) {
	now := a.now()
	ev := IncomingCall{
		Invite:         inv,
		NotificationID: NotificationID(now),
		ReceivedAt:     now,
	}
	a.log.Infof("incoming call %s from %s (notification %d)", inv.SID(), inv.From(), ev.NotificationID)
	a.emit(ev)
}

// DeliverCancel emits a Cancelled event for c.
func (a *Adapter) DeliverCancel(c caller.CancelledInvite, err *caller.CallError) {
	a.log.Infof("call %s cancelled", c.CallSID)
	a.emit(Cancelled{Invite: c, Err: err})
}

// TokenChanged emits a TokenRefreshed event.
func (a *Adapter) TokenChanged(token string) {
	a.log.Info("push token refreshed")
	a.emit(TokenRefreshed{Token: token})
}

// emit blocks until ev is queued or the adapter is closed.
func (a *Adapter) emit(ev Event) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.log.Warnf("push event dropped after close: %T", ev)
		return
	}
	a.sending.Add(1)
	a.mu.Unlock()
	defer a.sending.Done()

	select {
	case a.events <- ev:
	case <-a.done:
		a.log.Warnf("push event dropped after close: %T", ev)
	}
}

// Close ends the event stream. Pending deliveries are released and their
// events dropped.
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.done)
	a.mu.Unlock()

	a.sending.Wait()
	close(a.events)
}

// NotificationID derives a notification id from t by truncating its Unix
// time in milliseconds to 32 bits.
func NotificationID(t time.Time) int32 {
	return int32(t.UnixMilli())
}
