// Package tgvoice is a call backend that places and receives Telegram
// private calls through a tdlib session.
//
// The Backend itself only depends on the API interface and on CallUpdate
// values, so it can be driven by the tdlib session built with the "tdlib"
// tag or by any other source of call updates.
package tgvoice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"easycaller/caller"
)

var (
	// ErrUnavailable is returned by Open when built without tdlib support.
	ErrUnavailable = errors.New("tgvoice: built without tdlib support")

	// ErrUnknownPeer is returned by Connect when the target cannot be resolved.
	ErrUnknownPeer = errors.New("tgvoice: unknown peer")

	// ErrInviteGone is returned when answering an invite that was withdrawn
	// or already answered.
	ErrInviteGone = errors.New("tgvoice: invite no longer pending")
)

// Protocol lists the call transports offered to the peer.
type Protocol struct {
	UDPP2P       bool
	UDPReflector bool
	MinLayer     int32
	MaxLayer     int32
}

// DefaultProtocol matches the layers supported by libtgvoip.
var DefaultProtocol = Protocol{UDPP2P: true, UDPReflector: true, MinLayer: 65, MaxLayer: 92}

// API is the part of a Telegram session the backend uses.
type API interface {
	CreateCall(userID int64, p Protocol) (int32, error)
	AcceptCall(callID int32, p Protocol) error
	DiscardCall(callID int32, disconnected bool, duration time.Duration) error
	RegisterDevice(pushToken string) error
	// SearchUser finds a user the directory does not know yet.
	SearchUser(query string) (Contact, error)
	GetUser(id int64) (Contact, error)
}

// InviteSink receives incoming invites and their cancellations.
type InviteSink interface {
	DeliverInvite(inv caller.Invite)
	DeliverCancel(c caller.CancelledInvite, err *caller.CallError)
}

// CallState is the state of a Telegram call.
type CallState int

const (
	StatePending CallState = iota
	StateExchangingKeys
	StateReady
	StateHangingUp
	StateDiscarded
	StateError
)

func (s CallState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExchangingKeys:
		return "exchanging_keys"
	case StateReady:
		return "ready"
	case StateHangingUp:
		return "hanging_up"
	case StateDiscarded:
		return "discarded"
	case StateError:
		return "error"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// DiscardReason tells why a call was discarded.
type DiscardReason int

const (
	ReasonEmpty DiscardReason = iota
	ReasonMissed
	ReasonDeclined
	ReasonDisconnected
	ReasonHungUp
)

// CallUpdate is one call state change reported by the session.
type CallUpdate struct {
	ID       int32
	UserID   int64
	Outgoing bool
	State    CallState
	// Received is set on pending outgoing calls once the peer's device got
	// the call.
	Received bool
	Reason   DiscardReason
	ErrCode  int32
	ErrText  string
}

func (u CallUpdate) terminal() bool {
	return u.State == StateDiscarded || u.State == StateError
}

// Config configures a Backend.
type Config struct {
	// Identity is reported as From on outbound calls and To on inbound ones.
	Identity  string
	Protocol  Protocol
	Directory *Directory
	Sink      InviteSink
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

// Backend implements caller.Voice over a Telegram session.
type Backend struct {
	api API
	cfg Config
	log logrus.FieldLogger

	mu      sync.Mutex
	calls   map[int32]*call
	invites map[int32]*invite
	orphans map[int32][]CallUpdate
}

var _ caller.Voice = (*Backend)(nil)

// New creates a Backend on top of api.
func New(api API, cfg Config) *Backend {
	if cfg.Protocol == (Protocol{}) {
		cfg.Protocol = DefaultProtocol
	}
	if cfg.Directory == nil {
		cfg.Directory = NewDirectory()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.WithField("name", "telegram")
	}
	return &Backend{
		api:     api,
		cfg:     cfg,
		log:     log,
		calls:   make(map[int32]*call),
		invites: make(map[int32]*invite),
		orphans: make(map[int32][]CallUpdate),
	}
}

// SetSink sets the receiver of incoming invites.
func (b *Backend) SetSink(s InviteSink) {
	b.mu.Lock()
	b.cfg.Sink = s
	b.mu.Unlock()
}

// Directory returns the contact directory used to resolve peers.
func (b *Backend) Directory() *Directory { return b.cfg.Directory }

// resolve finds the user to call, asking the session when the directory
// has no match.
func (b *Backend) resolve(target string) (Contact, error) {
	target = strings.TrimPrefix(target, "client:")
	if target == "" {
		return Contact{}, fmt.Errorf("%w: empty target", ErrUnknownPeer)
	}
	if c, ok := b.cfg.Directory.Resolve(target); ok {
		return c, nil
	}
	c, err := b.api.SearchUser(strings.TrimPrefix(target, "@"))
	if err != nil {
		return Contact{}, fmt.Errorf("%w: %s: %v", ErrUnknownPeer, target, err)
	}
	b.cfg.Directory.Update(c)
	return c, nil
}

// Connect calls the user named by opts.Params["To"]. Telegram sessions are
// authorized by tdlib, so the access token is not used.
func (b *Backend) Connect(ctx context.Context, opts caller.ConnectOptions, l caller.Listener) (caller.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	peer, err := b.resolve(opts.Params["To"])
	if err != nil {
		return nil, err
	}
	b.log.Infof("telegram call to %s (%d)", peer.Label(), peer.ID)

	id, err := b.api.CreateCall(peer.ID, b.cfg.Protocol)
	if err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	c := &call{
		b:        b,
		id:       id,
		from:     b.cfg.Identity,
		to:       peer.Label(),
		outbound: true,
		listener: l,
	}

	b.mu.Lock()
	b.calls[id] = c
	early := b.orphans[id]
	delete(b.orphans, id)
	b.mu.Unlock()

	for _, u := range early {
		c.apply(u)
	}
	return c, nil
}

// Register binds pushToken to this Telegram session.
func (b *Backend) Register(ctx context.Context, accessToken, pushToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if pushToken == "" {
		return &caller.RegistrationError{Code: caller.CodeRegistrationFailure, Message: "empty push token"}
	}
	if err := b.api.RegisterDevice(pushToken); err != nil {
		return &caller.RegistrationError{Code: caller.CodeRegistrationFailure, Message: "register device", Err: err}
	}
	b.log.Info("push token registered")
	return nil
}

// HandleCall applies a call update from the session.
func (b *Backend) HandleCall(u CallUpdate) {
	b.log.Debugf("telegram call %d: %s", u.ID, u.State)

	b.mu.Lock()
	c := b.calls[u.ID]
	inv := b.invites[u.ID]
	if c == nil && inv == nil && u.Outgoing {
		// CreateCall has not returned yet
		b.orphans[u.ID] = append(b.orphans[u.ID], u)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	switch {
	case c != nil:
		c.apply(u)
	case inv != nil:
		if u.terminal() {
			b.withdraw(inv, u)
		}
	case u.State == StatePending:
		b.offer(u)
	}
}

// HandleLink reports the session connectivity; established calls go
// through reconnecting while the link is down.
func (b *Backend) HandleLink(up bool) {
	if up {
		b.log.Debug("telegram link up")
	} else {
		b.log.Warn("telegram link down")
	}
	for _, c := range b.activeCalls() {
		if up {
			c.reconnected()
		} else {
			c.reconnecting(&caller.CallError{Code: caller.CodeConnectionError, Message: "waiting for network"})
		}
	}
}

// offer turns a new incoming call into an invite for the sink.
func (b *Backend) offer(u CallUpdate) {
	from := strconv.FormatInt(u.UserID, 10)
	if c, ok := b.cfg.Directory.Lookup(u.UserID); ok {
		from = c.Label()
	} else if c, err := b.api.GetUser(u.UserID); err == nil {
		b.cfg.Directory.Update(c)
		from = c.Label()
	}
	inv := &invite{b: b, id: u.ID, from: from, to: b.cfg.Identity}

	b.mu.Lock()
	sink := b.cfg.Sink
	if sink != nil {
		b.invites[u.ID] = inv
	}
	b.mu.Unlock()

	b.log.Infof("incoming telegram call %d from %s", u.ID, from)
	if sink == nil {
		if err := b.api.DiscardCall(u.ID, false, 0); err != nil {
			b.log.Warnf("discard call %d: %v", u.ID, err)
		}
		return
	}
	sink.DeliverInvite(inv)
}

// withdraw reports an invite the caller gave up on.
func (b *Backend) withdraw(inv *invite, u CallUpdate) {
	if !inv.settle() {
		return
	}
	b.forgetInvite(inv.id)
	b.log.Infof("telegram invite %d withdrawn", inv.id)
	var cerr *caller.CallError
	if u.State == StateError {
		cerr = &caller.CallError{Code: caller.CodeGeneric, Message: u.ErrText}
	}
	b.mu.Lock()
	sink := b.cfg.Sink
	b.mu.Unlock()
	if sink != nil {
		sink.DeliverCancel(caller.CancelledInvite{CallSID: inv.SID(), From: inv.from, To: inv.to}, cerr)
	}
}

func (b *Backend) forgetInvite(id int32) {
	b.mu.Lock()
	delete(b.invites, id)
	b.mu.Unlock()
}

func (b *Backend) track(c *call) {
	b.mu.Lock()
	b.calls[c.id] = c
	b.mu.Unlock()
}

func (b *Backend) forget(c *call) {
	b.mu.Lock()
	if cur, ok := b.calls[c.id]; ok && cur == c {
		delete(b.calls, c.id)
	}
	b.mu.Unlock()
}

func (b *Backend) activeCalls() []*call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*call, 0, len(b.calls))
	for _, c := range b.calls {
		out = append(out, c)
	}
	return out
}

// Calls returns the number of calls being tracked.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// discardEvent maps the end of a call to its terminal event.
func discardEvent(u CallUpdate, connected, local bool) (caller.EventKind, *caller.CallError) {
	if u.State == StateError {
		cerr := &caller.CallError{Code: caller.CodeGeneric, Message: u.ErrText}
		if u.ErrText == "" {
			cerr.Message = "call failed"
		}
		if connected {
			return caller.EventDisconnected, cerr
		}
		return caller.EventConnectFailure, cerr
	}
	if connected || local {
		return caller.EventDisconnected, nil
	}
	switch u.Reason {
	case ReasonDeclined:
		return caller.EventConnectFailure, &caller.CallError{Code: 31603, Message: "Decline"}
	case ReasonMissed:
		return caller.EventConnectFailure, &caller.CallError{Code: 31480, Message: "no answer"}
	case ReasonDisconnected:
		return caller.EventConnectFailure, &caller.CallError{Code: caller.CodeMediaConnection, Message: "media connection failed"}
	default:
		return caller.EventDisconnected, nil
	}
}
