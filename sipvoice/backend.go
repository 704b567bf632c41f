// Package sipvoice is a call backend that places, receives and registers
// calls over SIP.
package sipvoice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gosip "github.com/ghettovoice/gosip"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/ghettovoice/gosip/util"
	"github.com/sirupsen/logrus"

	"easycaller/accesstoken"
	"easycaller/caller"
	"easycaller/push"
)

// Server is the part of a gosip server the backend uses.
type Server interface {
	Request(req sip.Request) (sip.ClientTransaction, error)
	Respond(res sip.Response) (sip.ServerTransaction, error)
	RespondOnRequest(request sip.Request, status sip.StatusCode, reason, body string, headers []sip.Header) (sip.ServerTransaction, error)
	OnRequest(method sip.RequestMethod, handler gosip.RequestHandler) error
	Send(msg sip.Message) error
}

// InviteSink receives incoming invites and their cancellations.
type InviteSink interface {
	DeliverInvite(inv caller.Invite)
	DeliverCancel(c caller.CancelledInvite, err *caller.CallError)
}

var (
	_ Server       = gosip.Server(nil)
	_ InviteSink   = (*push.Adapter)(nil)
	_ caller.Voice = (*Backend)(nil)
)

var (
	// ErrInviteGone is returned when answering an invite that was cancelled
	// or already answered.
	ErrInviteGone = errors.New("sipvoice: invite no longer pending")

	// ErrNoBridge is returned for push invites when no bridge URI is configured.
	ErrNoBridge = errors.New("sipvoice: bridge uri not configured")

	errTerminated = errors.New("transaction terminated")
)

// Config configures a Backend.
type Config struct {
	Server Server

	// Host and Port are advertised in Contact headers and SDP.
	Host string
	Port int

	// Domain completes dial targets given without one.
	Domain string
	// Registrar receives REGISTER and keep-alive OPTIONS. Defaults to sip:<Domain>.
	Registrar string
	// BridgeURI answers push-delivered invites.
	BridgeURI string
	// User is the local identity when a token carries none.
	User string

	MediaPort int

	// TokenSecret enables signature checks on access tokens. Without it
	// tokens are only inspected for expiry.
	TokenSecret []byte

	KeepAlive           time.Duration
	MaxMissedKeepAlives int
	RegisterExpiry      time.Duration
	RequestTimeout      time.Duration

	Sink   InviteSink
	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Backend implements caller.Voice over a gosip server.
type Backend struct {
	cfg Config
	log logrus.FieldLogger

	mu      sync.Mutex
	calls   map[string]*call
	invites map[string]*incomingInvite
	missed  int
}

// New validates cfg and creates a Backend. Start must be called before
// incoming requests are handled.
func New(cfg Config) (*Backend, error) {
	if cfg.Server == nil {
		return nil, errors.New("sipvoice: server is required")
	}
	if cfg.Host == "" {
		return nil, errors.New("sipvoice: host is required")
	}
	if cfg.Domain == "" {
		cfg.Domain = cfg.Host
	}
	if cfg.Registrar == "" {
		cfg.Registrar = "sip:" + cfg.Domain
	}
	if cfg.Port == 0 {
		cfg.Port = 5060
	}
	if cfg.MediaPort == 0 {
		cfg.MediaPort = 4000
	}
	if cfg.User == "" {
		cfg.User = "easycaller"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.MaxMissedKeepAlives <= 0 {
		cfg.MaxMissedKeepAlives = 3
	}
	if cfg.RegisterExpiry <= 0 {
		cfg.RegisterExpiry = time.Hour
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 32 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.WithField("name", "sip")
	}
	return &Backend{
		cfg:     cfg,
		log:     log,
		calls:   make(map[string]*call),
		invites: make(map[string]*incomingInvite),
	}, nil
}

// SetSink sets the receiver of incoming invites.
func (b *Backend) SetSink(s InviteSink) {
	b.mu.Lock()
	b.cfg.Sink = s
	b.mu.Unlock()
}

// Start registers the request handlers.
func (b *Backend) Start() error {
	handlers := []struct {
		method  sip.RequestMethod
		handler gosip.RequestHandler
	}{
		{sip.INVITE, b.handleInvite},
		{sip.ACK, b.handleAck},
		{sip.BYE, b.handleBye},
		{sip.CANCEL, b.handleCancel},
		{sip.OPTIONS, b.handleOptions},
	}
	for _, h := range handlers {
		if err := b.cfg.Server.OnRequest(h.method, h.handler); err != nil {
			return fmt.Errorf("register %s handler: %w", h.method, err)
		}
	}
	return nil
}

// Run sends keep-alive pings until ctx is done.
func (b *Backend) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.keepAliveResult(b.ping(ctx))
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Backend) contactURI(user string) (sip.Uri, error) {
	return parser.ParseUri(fmt.Sprintf("sip:%s@%s:%d", user, b.cfg.Host, b.cfg.Port))
}

func (b *Backend) localAddress(user string) (*sip.Address, error) {
	uri, err := parser.ParseUri(fmt.Sprintf("sip:%s@%s", user, b.cfg.Domain))
	if err != nil {
		return nil, fmt.Errorf("parse local uri: %w", err)
	}
	return &sip.Address{Uri: uri, Params: sip.NewParams().Add("tag", sip.String{Str: util.RandString(8)})}, nil
}

// checkToken validates an access token before any signaling.
func (b *Backend) checkToken(token string) (accesstoken.Info, *caller.CallError) {
	var (
		info accesstoken.Info
		err  error
	)
	now := b.cfg.Now()
	if len(b.cfg.TokenSecret) > 0 {
		info, err = accesstoken.Verify(token, b.cfg.TokenSecret, now)
	} else {
		info, err = accesstoken.Inspect(token)
		if err == nil && info.Expired(now) {
			err = accesstoken.ErrExpired
		}
	}
	switch {
	case err == nil:
		return info, nil
	case errors.Is(err, accesstoken.ErrExpired):
		return info, &caller.CallError{Code: caller.CodeAccessTokenExpired, Message: "access token expired"}
	default:
		b.log.Debugf("access token rejected: %v", err)
		return info, &caller.CallError{Code: caller.CodeAccessTokenInvalid, Message: "invalid access token"}
	}
}

// Connect places an outbound call to opts.Params["To"]. Token failures are
// reported as a ConnectFailure event on the returned call.
func (b *Backend) Connect(ctx context.Context, opts caller.ConnectOptions, l caller.Listener) (caller.Call, error) {
	to := opts.Params["To"]
	info, cerr := b.checkToken(opts.AccessToken)
	if cerr != nil {
		b.log.Warnf("connect to %s refused: %v", to, cerr)
		c := &call{b: b, from: info.Identity, to: to, listener: l, state: stateEarly}
		c.end(caller.EventConnectFailure, cerr)
		return c, nil
	}

	target, err := targetURI(to, b.cfg.Domain)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", to, err)
	}
	from := info.Identity
	if from == "" {
		from = b.cfg.User
	}

	headers := []sip.Header{&sip.GenericHeader{HeaderName: HeaderAccessToken, Contents: opts.AccessToken}}
	headers = append(headers, paramHeaders(opts.Params, "To")...)

	c, err := b.dial(ctx, target, from, headers, l)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// paramHeaders turns call parameters into X-Param headers in key order.
func paramHeaders(params map[string]string, skip ...string) []sip.Header {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []sip.Header
next:
	for _, k := range keys {
		for _, s := range skip {
			if strings.EqualFold(k, s) {
				continue next
			}
		}
		out = append(out, &sip.GenericHeader{HeaderName: headerParamPrefix + k, Contents: params[k]})
	}
	return out
}

// dial sends an INVITE to target and tracks the resulting call. opts run
// before the INVITE is sent.
func (b *Backend) dial(ctx context.Context, target sip.Uri, fromUser string, headers []sip.Header, l caller.Listener, opts ...func(*call)) (*call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.log.Infof("SIP dial from %s to %s", fromUser, target)

	local, err := b.localAddress(fromUser)
	if err != nil {
		return nil, err
	}
	contact, err := b.contactURI(fromUser)
	if err != nil {
		return nil, fmt.Errorf("parse contact uri: %w", err)
	}
	remote := &sip.Address{Uri: target, Params: sip.NewParams()}

	offer, err := sessionOffer(b.cfg.Host, b.cfg.MediaPort, dirSendRecv, b.cfg.Now())
	if err != nil {
		return nil, err
	}
	ctype := sip.ContentType("application/sdp")
	rb := sip.NewRequestBuilder().
		SetMethod(sip.INVITE).
		SetRecipient(target).
		SetFrom(local).
		SetTo(remote).
		SetContact(&sip.Address{Uri: contact}).
		SetContentType(&ctype).
		SetBody(offer)
	for _, h := range headers {
		rb.AddHeader(h)
	}
	req, err := rb.Build()
	if err != nil {
		return nil, fmt.Errorf("build invite: %w", err)
	}

	c := &call{
		b:        b,
		callID:   callID(req),
		from:     fromUser,
		to:       userOf(remote),
		local:    local,
		remote:   remote,
		contact:  &sip.Address{Uri: contact},
		target:   target,
		invite:   req,
		listener: l,
		outbound: true,
		cseq:     1,
		state:    stateEarly,
	}
	if cseq, ok := req.CSeq(); ok {
		c.cseq = uint(cseq.SeqNo)
	}
	for _, opt := range opts {
		opt(c)
	}

	tx, err := b.cfg.Server.Request(req)
	if err != nil {
		return nil, fmt.Errorf("send invite: %w", err)
	}
	c.clientTx = tx
	b.track(c)

	go c.watchInvite(tx)
	return c, nil
}

// Register binds pushToken to the identity of accessToken at the registrar.
func (b *Backend) Register(ctx context.Context, accessToken, pushToken string) error {
	info, cerr := b.checkToken(accessToken)
	if cerr != nil {
		return &caller.RegistrationError{Code: cerr.Code, Message: cerr.Message}
	}
	user := info.Identity
	if user == "" {
		user = b.cfg.User
	}

	registrar, err := parser.ParseUri(b.cfg.Registrar)
	if err != nil {
		return &caller.RegistrationError{Code: caller.CodeRegistrationFailure, Message: "bad registrar uri", Err: err}
	}
	local, err := b.localAddress(user)
	if err != nil {
		return &caller.RegistrationError{Code: caller.CodeRegistrationFailure, Message: "bad identity", Err: err}
	}
	contact, err := b.contactURI(user)
	if err != nil {
		return &caller.RegistrationError{Code: caller.CodeRegistrationFailure, Message: "bad contact", Err: err}
	}

	expires := sip.Expires(uint32(b.cfg.RegisterExpiry / time.Second))
	req, err := sip.NewRequestBuilder().
		SetMethod(sip.REGISTER).
		SetRecipient(registrar).
		SetFrom(local).
		SetTo(&sip.Address{Uri: local.Uri}).
		SetContact(&sip.Address{Uri: contact}).
		AddHeader(&expires).
		AddHeader(&sip.GenericHeader{HeaderName: HeaderAccessToken, Contents: accessToken}).
		AddHeader(&sip.GenericHeader{HeaderName: HeaderPushToken, Contents: pushToken}).
		Build()
	if err != nil {
		return &caller.RegistrationError{Code: caller.CodeRegistrationFailure, Message: "build register", Err: err}
	}

	b.log.Infof("registering %s at %s", user, registrar)
	res, err := b.send(ctx, req)
	if err != nil {
		return &caller.RegistrationError{Code: caller.CodeRegistrationFailure, Message: "register", Err: err}
	}
	return registrationResult(res.StatusCode(), res.Reason())
}

func registrationResult(code sip.StatusCode, reason string) error {
	c := int(code)
	switch {
	case c >= 200 && c < 300:
		return nil
	case c == 401 || c == 403:
		return &caller.RegistrationError{Code: caller.CodeAccessTokenInvalid, Message: reason}
	default:
		return &caller.RegistrationError{Code: caller.CodeRegistrationFailure, Message: fmt.Sprintf("%d %s", c, reason)}
	}
}

// send issues a non-INVITE request and waits for its final response.
func (b *Backend) send(ctx context.Context, req sip.Request) (sip.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	tx, err := b.cfg.Server.Request(req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method(), err)
	}
	return waitFinal(ctx, tx)
}

func waitFinal(ctx context.Context, tx sip.ClientTransaction) (sip.Response, error) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, errTerminated
			}
			if res == nil || res.IsProvisional() {
				continue
			}
			return res, nil
		case err := <-tx.Errors():
			if err == nil {
				err = errTerminated
			}
			return nil, err
		case <-tx.Done():
			return nil, errTerminated
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Backend) ping(ctx context.Context) error {
	registrar, err := parser.ParseUri(b.cfg.Registrar)
	if err != nil {
		return err
	}
	local, err := b.localAddress(b.cfg.User)
	if err != nil {
		return err
	}
	req, err := sip.NewRequestBuilder().
		SetMethod(sip.OPTIONS).
		SetRecipient(registrar).
		SetFrom(local).
		SetTo(&sip.Address{Uri: registrar}).
		Build()
	if err != nil {
		return fmt.Errorf("build options: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.KeepAlive/2)
	defer cancel()
	_, err = b.send(ctx, req)
	return err
}

// keepAliveResult moves established calls to reconnecting on the first
// missed ping, back to connected on the next answered one, and drops them
// after MaxMissedKeepAlives consecutive misses.
func (b *Backend) keepAliveResult(err error) {
	b.mu.Lock()
	if err == nil {
		recovered := b.missed > 0
		b.missed = 0
		b.mu.Unlock()
		if recovered {
			b.log.Info("registrar reachable again")
			for _, c := range b.activeCalls() {
				c.reconnected()
			}
		}
		return
	}
	b.missed++
	missed := b.missed
	b.mu.Unlock()

	b.log.Warnf("keep-alive failed (%d/%d): %v", missed, b.cfg.MaxMissedKeepAlives, err)
	for _, c := range b.activeCalls() {
		if missed >= b.cfg.MaxMissedKeepAlives {
			c.lost(&caller.CallError{Code: caller.CodeTransportError, Message: "signaling connection lost"})
			continue
		}
		c.reconnecting(&caller.CallError{Code: caller.CodeConnectionError, Message: err.Error()})
	}
}

func (b *Backend) track(c *call) {
	b.mu.Lock()
	b.calls[c.callID] = c
	b.mu.Unlock()
}

func (b *Backend) forget(c *call) {
	b.mu.Lock()
	if cur, ok := b.calls[c.callID]; ok && cur == c {
		delete(b.calls, c.callID)
	}
	b.mu.Unlock()
}

func (b *Backend) lookup(id string) *call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[id]
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
