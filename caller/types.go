package caller

import (
	"context"
	"errors"
	"fmt"
)

// Call is a vendor call handle. The coordinator never creates or frees
// calls; it only reacts to their events and forwards user requests.
type Call interface {
	SID() string
	From() string
	To() string
	IsOnHold() bool
	IsMuted() bool
	Hold(onHold bool)
	Mute(muted bool)
	Disconnect()
}

// Invite is an incoming call offer delivered by the push channel.
type Invite interface {
	SID() string
	From() string
	To() string
	// Accept answers the offer; events of the resulting call go to l.
	Accept(ctx context.Context, l Listener) (Call, error)
	Reject(ctx context.Context) error
}

// CancelledInvite identifies an offer withdrawn by the caller.
type CancelledInvite struct {
	CallSID string
	From    string
	To      string
}

// ConnectOptions configures an outbound call.
type ConnectOptions struct {
	AccessToken string
	Params      map[string]string
}

// Voice is the vendor call SDK.
type Voice interface {
	Connect(ctx context.Context, opts ConnectOptions, l Listener) (Call, error)
	// Register binds a push token to the identity of accessToken so that
	// invites are delivered to this device.
	Register(ctx context.Context, accessToken, pushToken string) error
}

// Listener receives the lifecycle events of one call.
type Listener interface {
	Deliver(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) Deliver(ev Event) { f(ev) }

// EventKind tags a call lifecycle event.
type EventKind int

const (
	EventRinging EventKind = iota
	EventConnected
	EventConnectFailure
	EventReconnecting
	EventReconnected
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventRinging:
		return "ringing"
	case EventConnected:
		return "connected"
	case EventConnectFailure:
		return "connect_failure"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnected:
		return "reconnected"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one call lifecycle notification. Err is set for
// ConnectFailure and Reconnecting, and optionally for Disconnected.
type Event struct {
	Kind EventKind
	Call Call
	Err  *CallError
}

func (e Event) String() string {
	sid := ""
	if e.Call != nil {
		sid = e.Call.SID()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Kind, sid, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Kind, sid)
}

// Phase is the coordinator's view of the active call.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseRinging
	PhaseConnected
	PhaseReconnecting
	PhaseDisconnected
	PhaseConnectFailure
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseRinging:
		return "ringing"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnectFailure:
		return "connect_failure"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further events are expected for the call.
func (p Phase) Terminal() bool {
	return p == PhaseDisconnected || p == PhaseConnectFailure
}

var transitions = map[Phase][]Phase{
	PhaseIdle:           {PhaseConnecting, PhaseRinging},
	PhaseConnecting:     {PhaseRinging, PhaseConnected, PhaseConnectFailure, PhaseDisconnected},
	PhaseRinging:        {PhaseConnected, PhaseConnectFailure, PhaseDisconnected},
	PhaseConnected:      {PhaseReconnecting, PhaseDisconnected},
	PhaseReconnecting:   {PhaseConnected, PhaseDisconnected},
	PhaseDisconnected:   {PhaseConnecting, PhaseRinging},
	PhaseConnectFailure: {PhaseConnecting, PhaseRinging},
}

func validTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

var (
	// ErrNoActiveCall is returned by call operations without a call.
	ErrNoActiveCall = errors.New("caller: no active call")

	// ErrNoRecorder is returned by recording operations when no recorder is configured.
	ErrNoRecorder = errors.New("caller: recorder not configured")

	// ErrStopped is returned when the coordinator event loop has exited.
	ErrStopped = errors.New("caller: coordinator stopped")
)

// CallError is the structured failure reported with ConnectFailure,
// Reconnecting and Disconnected events.
type CallError struct {
	Code    int
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call error %d: %s", e.Code, e.Message)
}

// RegistrationError reports a failed push registration.
type RegistrationError struct {
	Code    int
	Message string
	Err     error
}

func (e *RegistrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registration error %d: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("registration error %d: %s", e.Code, e.Message)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Vendor error codes used by the bundled backends.
const (
	CodeGeneric             = 31000
	CodeConnectionError     = 31005
	CodeTransportError      = 31009
	CodeAccessTokenInvalid  = 20101
	CodeAccessTokenExpired  = 20104
	CodeRegistrationFailure = 31301
	CodeMediaConnection     = 53405
)
