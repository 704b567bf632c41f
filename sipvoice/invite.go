package sipvoice

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/ghettovoice/gosip/util"

	"easycaller/caller"
	"easycaller/push"
)

// incomingInvite is an INVITE received from a peer and not yet answered.
type incomingInvite struct {
	b    *Backend
	req  sip.Request
	tx   sip.ServerTransaction
	id   string
	from string
	to   string

	mu      sync.Mutex
	settled bool
}

var _ caller.Invite = (*incomingInvite)(nil)

func (i *incomingInvite) SID() string  { return i.id }
func (i *incomingInvite) From() string { return i.from }
func (i *incomingInvite) To() string   { return i.to }

// settle marks the invite answered; only the first caller succeeds.
func (i *incomingInvite) settle() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.settled {
		return false
	}
	i.settled = true
	return true
}

func (i *incomingInvite) respond(res sip.Response) error {
	if i.tx != nil {
		return i.tx.Respond(res)
	}
	_, err := i.b.cfg.Server.Respond(res)
	return err
}

// Accept answers with 200 OK. The call reports Connected when the peer
// acknowledges.
func (i *incomingInvite) Accept(ctx context.Context, l caller.Listener) (caller.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !i.settle() {
		return nil, ErrInviteGone
	}
	i.b.forgetInvite(i.id)
	i.b.log.Infof("SIP answer call %s", i.id)

	answer, err := sessionOffer(i.b.cfg.Host, i.b.cfg.MediaPort, dirSendRecv, i.b.cfg.Now())
	if err != nil {
		return nil, err
	}
	local := toAddress(i.req)
	remote := fromAddress(i.req)
	if local == nil || remote == nil {
		return nil, fmt.Errorf("invite %s: missing From or To", i.id)
	}
	contact, err := i.b.contactURI(userOf(local))
	if err != nil {
		return nil, fmt.Errorf("parse contact uri: %w", err)
	}

	res := sip.NewResponseFromRequest("", i.req, 200, "OK", answer)
	tag := sip.String{Str: util.RandString(8)}
	if to, ok := res.To(); ok {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params = to.Params.Add("tag", tag)
	}
	withTag(local, tag)
	ctype := sip.ContentType("application/sdp")
	res.AppendHeader(&ctype)
	res.AppendHeader(&sip.GenericHeader{HeaderName: "Contact", Contents: "<" + contact.String() + ">"})

	target := contactOf(i.req)
	if target == nil {
		target = remote.Uri
	}
	c := &call{
		b:        i.b,
		callID:   i.id,
		from:     i.from,
		to:       i.to,
		local:    local,
		remote:   remote,
		contact:  &sip.Address{Uri: contact},
		target:   target,
		invite:   i.req,
		listener: l,
		state:    stateEarly,
	}
	i.b.track(c)

	if err := i.respond(res); err != nil {
		i.b.forget(c)
		return nil, fmt.Errorf("send 200 OK: %w", err)
	}
	if i.tx != nil {
		go c.awaitAck(i.tx)
	}
	return c, nil
}

// Reject declines the invite with 603.
func (i *incomingInvite) Reject(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !i.settle() {
		return ErrInviteGone
	}
	i.b.forgetInvite(i.id)
	i.b.log.Infof("SIP reject call %s", i.id)
	res := sip.NewResponseFromRequest("", i.req, 603, "Decline", "")
	if err := i.respond(res); err != nil {
		return fmt.Errorf("send 603: %w", err)
	}
	return nil
}

func (c *call) awaitAck(tx sip.ServerTransaction) {
	select {
	case <-tx.Acks():
		c.connected()
	case <-tx.Done():
	}
}

// pushInvite is an invite delivered by push. It is answered by dialing the
// bridge with the invite's call SID and bridge token.
type pushInvite struct {
	b      *Backend
	fields push.InviteFields
}

var _ caller.Invite = (*pushInvite)(nil)

// PushInvite binds push-delivered invite fields to this backend. It is
// meant as the TwilioDecoder invite factory.
func (b *Backend) PushInvite(f push.InviteFields) caller.Invite {
	return &pushInvite{b: b, fields: f}
}

func (p *pushInvite) SID() string  { return p.fields.CallSID }
func (p *pushInvite) From() string { return p.fields.From }
func (p *pushInvite) To() string   { return p.fields.To }

func (p *pushInvite) bridge() (sip.Uri, []sip.Header, error) {
	if p.b.cfg.BridgeURI == "" {
		return nil, nil, ErrNoBridge
	}
	uri, err := parser.ParseUri(p.b.cfg.BridgeURI)
	if err != nil {
		return nil, nil, fmt.Errorf("parse bridge uri: %w", err)
	}
	headers := []sip.Header{
		&sip.GenericHeader{HeaderName: HeaderCallSID, Contents: p.fields.CallSID},
		&sip.GenericHeader{HeaderName: HeaderBridgeToken, Contents: p.fields.BridgeToken},
	}
	return uri, headers, nil
}

func (p *pushInvite) Accept(ctx context.Context, l caller.Listener) (caller.Call, error) {
	uri, headers, err := p.bridge()
	if err != nil {
		return nil, err
	}
	headers = append(headers, paramHeaders(p.fields.Params)...)
	user := p.fields.To
	if user == "" {
		user = p.b.cfg.User
	}
	c, err := p.b.dial(ctx, uri, strings.TrimPrefix(user, "client:"), headers, l, func(c *call) {
		c.sid = p.fields.CallSID
		c.from, c.to = p.fields.From, p.fields.To
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Reject tells the bridge the invite was declined.
func (p *pushInvite) Reject(ctx context.Context) error {
	uri, headers, err := p.bridge()
	if err != nil {
		return err
	}
	local, err := p.b.localAddress(p.b.cfg.User)
	if err != nil {
		return err
	}
	ctype := sip.ContentType("text/plain")
	rb := sip.NewRequestBuilder().
		SetMethod(sip.MESSAGE).
		SetRecipient(uri).
		SetFrom(local).
		SetTo(&sip.Address{Uri: uri}).
		SetContentType(&ctype).
		SetBody("reject")
	for _, h := range headers {
		rb.AddHeader(h)
	}
	req, err := rb.Build()
	if err != nil {
		return fmt.Errorf("build reject: %w", err)
	}
	res, err := p.b.send(ctx, req)
	if err != nil {
		return fmt.Errorf("reject %s: %w", p.fields.CallSID, err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("reject %s: %d %s", p.fields.CallSID, res.StatusCode(), res.Reason())
	}
	return nil
}

func (b *Backend) sink() InviteSink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Sink
}

func (b *Backend) forgetInvite(id string) {
	b.mu.Lock()
	delete(b.invites, id)
	b.mu.Unlock()
}

func (b *Backend) pendingInvite(id string) *incomingInvite {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invites[id]
}

func (b *Backend) handleInvite(req sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	if c := b.lookup(id); c != nil {
		b.handleReinvite(c, req)
		return
	}

	from, to := fromAddress(req), toAddress(req)
	b.log.Infof("received SIP INVITE %s: %s -> %s", id, userOf(from), userOf(to))

	sink := b.sink()
	if sink == nil {
		b.respond(req, 480, "Temporarily Unavailable")
		return
	}
	inv := &incomingInvite{b: b, req: req, tx: tx, id: id, from: userOf(from), to: userOf(to)}
	b.mu.Lock()
	b.invites[id] = inv
	b.mu.Unlock()

	b.respond(req, 180, "Ringing")
	if tx != nil {
		go b.watchCancel(inv)
	}
	sink.DeliverInvite(inv)
}

// handleReinvite answers a peer's media renegotiation, mirroring a hold
// request with recvonly.
func (b *Backend) handleReinvite(c *call, req sip.Request) {
	dir, err := mediaDirection(req.Body())
	if err != nil {
		b.log.Warnf("re-INVITE for %s: %v", c.SID(), err)
		b.respond(req, 488, "Not Acceptable Here")
		return
	}
	answerDir := dirSendRecv
	if dir == dirSendOnly || dir == dirInactive {
		answerDir = dirRecvOnly
	}
	b.log.Infof("re-INVITE for %s: remote %s, answering %s", c.SID(), dir, answerDir)
	answer, err := sessionOffer(b.cfg.Host, b.cfg.MediaPort, answerDir, b.cfg.Now())
	if err != nil {
		b.respond(req, 500, "Server Internal Error")
		return
	}
	ctype := sip.ContentType("application/sdp")
	if _, err := b.cfg.Server.RespondOnRequest(req, 200, "OK", answer, []sip.Header{&ctype}); err != nil {
		b.log.Warnf("answer re-INVITE: %v", err)
	}
}

func (b *Backend) watchCancel(inv *incomingInvite) {
	select {
	case <-inv.tx.Cancels():
		b.cancelInvite(inv)
	case <-inv.tx.Done():
	}
}

// cancelInvite withdraws a pending invite after a CANCEL from the caller.
func (b *Backend) cancelInvite(inv *incomingInvite) {
	if !inv.settle() {
		return
	}
	b.forgetInvite(inv.id)
	b.log.Infof("SIP invite %s cancelled by %s", inv.id, inv.from)
	b.respond(inv.req, 487, "Request Terminated")
	if sink := b.sink(); sink != nil {
		sink.DeliverCancel(caller.CancelledInvite{CallSID: inv.id, From: inv.from, To: inv.to}, nil)
	}
}

func (b *Backend) handleCancel(req sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	b.respond(req, 200, "OK")
	if inv := b.pendingInvite(id); inv != nil {
		b.cancelInvite(inv)
	}
}

func (b *Backend) handleAck(req sip.Request, tx sip.ServerTransaction) {
	if c := b.lookup(callID(req)); c != nil {
		c.connected()
	}
}

func (b *Backend) handleBye(req sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	b.log.Infof("received SIP BYE: %s", id)
	c := b.lookup(id)
	if c == nil {
		b.respond(req, 481, "Call/Transaction Does Not Exist")
		return
	}
	b.respond(req, 200, "OK")
	c.end(caller.EventDisconnected, nil)
}

func (b *Backend) handleOptions(req sip.Request, tx sip.ServerTransaction) {
	b.respond(req, 200, "OK")
}

func (b *Backend) respond(req sip.Request, code sip.StatusCode, reason string) {
	if _, err := b.cfg.Server.RespondOnRequest(req, code, reason, "", nil); err != nil {
		b.log.Warnf("respond %d to %s: %v", code, req.Method(), err)
	}
}
