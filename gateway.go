package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"easycaller/caller"
	"easycaller/notify"
	"easycaller/push"
)

// Gateway connects push delivery, the notification presenter and the call
// coordinator.
type Gateway struct {
	coord     *caller.Coordinator
	adapter   *push.Adapter
	presenter *notify.Presenter
	requests  <-chan notify.Request
	calls     *CallLog
	token     func(time.Time) (string, error)
	identity  string
	log       logrus.FieldLogger
	now       func() time.Time

	// pushToken is the last token seen; it is only touched by Run.
	pushToken string
}

// GatewayConfig holds the collaborators of a Gateway.
type GatewayConfig struct {
	Coordinator *caller.Coordinator
	Adapter     *push.Adapter
	Presenter   *notify.Presenter
	Requests    <-chan notify.Request
	Calls       *CallLog
	Token       func(time.Time) (string, error)
	Identity    string
	Logger      logrus.FieldLogger
}

// NewGateway creates a new Gateway instance.
func NewGateway(cfg GatewayConfig) *Gateway {
	log := cfg.Logger
	if log == nil {
		log = logrus.WithField("name", "core")
	}
	calls := cfg.Calls
	if calls == nil {
		calls = NewCallLog(0)
	}
	return &Gateway{
		coord:     cfg.Coordinator,
		adapter:   cfg.Adapter,
		presenter: cfg.Presenter,
		requests:  cfg.Requests,
		calls:     calls,
		token:     cfg.Token,
		identity:  cfg.Identity,
		log:       log,
		now:       time.Now,
	}
}

// Run dispatches push events and client requests until ctx is canceled or
// the push stream is closed.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-g.adapter.Events():
			if !ok {
				return nil
			}
			g.handlePush(ctx, ev)
		case req := <-g.requests:
			g.handleRequest(ctx, req)
		case <-ctx.Done():
			return nil
		}
	}
}

func (g *Gateway) handlePush(ctx context.Context, ev push.Event) {
	switch e := ev.(type) {
	case push.IncomingCall:
		if _, err := g.presenter.Show(e); err != nil {
			g.log.Warnf("incoming call %s: %v", e.Invite.SID(), err)
		}
	case push.Cancelled:
		g.presenter.Cancel(e.Invite)
	case push.TokenRefreshed:
		g.refreshToken(ctx, e.Token)
	default:
		g.log.Warnf("unknown push event %T", ev)
	}
}

func (g *Gateway) refreshToken(ctx context.Context, token string) {
	g.pushToken = token
	if err := g.register(ctx, token); err != nil {
		g.log.Warnf("push token not registered: %v", err)
	}
}

func (g *Gateway) handleRequest(ctx context.Context, req notify.Request) {
	g.log.Debugf("client %s: %s %s", req.ClientID, req.Action, req.CallSID)
	switch req.Action {
	case notify.ActionFCMToken:
		if req.Token != "" && req.Token != g.pushToken {
			g.refreshToken(ctx, req.Token)
		}
	case notify.ActionAccept, notify.ActionReject:
		// answering blocks on the backend; keep the loop free for cancels
		go func() {
			if _, err := g.Answer(ctx, req.Action, req.CallSID); err != nil {
				g.log.Warnf("%s %s: %v", req.Action, req.CallSID, err)
			}
		}()
	}
}

// register binds pushToken to a freshly obtained access token.
func (g *Gateway) register(ctx context.Context, pushToken string) error {
	tok, err := g.token(g.now())
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}
	return g.coord.Register(ctx, tok, pushToken, nil)
}

// Answer applies the user's action to the invite with callSID. It returns
// the call when the invite was accepted.
func (g *Gateway) Answer(ctx context.Context, action, callSID string) (caller.Call, error) {
	d, err := g.presenter.Decode(action, callSID)
	if err != nil {
		return nil, err
	}
	if !d.Accept {
		if err := d.Invite.Reject(ctx); err != nil {
			return nil, fmt.Errorf("reject %s: %w", callSID, err)
		}
		return nil, nil
	}

	cc := g.calls.Begin(DirectionIncoming, d.Invite.SID(), d.Invite.From(), d.Invite.To())
	call, err := g.coord.Accept(ctx, d.Invite, g.calls.Observe(cc)...)
	if err != nil {
		g.calls.Fail(cc, err)
		return nil, err
	}
	return call, nil
}

// Connect places an outgoing call to to. An empty from uses the configured
// identity.
func (g *Gateway) Connect(ctx context.Context, to, from string) (caller.Call, error) {
	if to == "" {
		return nil, errors.New("missing call target")
	}
	if from == "" {
		from = g.identity
	}
	tok, err := g.token(g.now())
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}

	cc := g.calls.Begin(DirectionOutgoing, "", from, to)
	call, err := g.coord.Connect(ctx, tok, to, from, g.calls.Observe(cc)...)
	if err != nil {
		g.calls.Fail(cc, err)
		return nil, err
	}
	g.calls.Bind(cc, call)
	return call, nil
}

// Calls returns the call history.
func (g *Gateway) Calls() []CallContext {
	return g.calls.Snapshot()
}
