package sipvoice

import (
	"context"
	"fmt"
	"sync"

	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"

	"easycaller/caller"
)

type callState int

const (
	stateEarly callState = iota
	stateEstablished
	stateReconnecting
	stateEnded
)

// call is a SIP dialog seen as a caller.Call.
type call struct {
	b *Backend

	callID string
	sid    string
	from   string
	to     string

	local   *sip.Address
	remote  *sip.Address
	contact *sip.Address
	target  sip.Uri

	invite   sip.Request
	clientTx sip.ClientTransaction
	listener caller.Listener
	outbound bool

	mu           sync.Mutex
	cseq         uint
	state        callState
	onHold       bool
	muted        bool
	ringing      bool
	cancelled    bool
	connectOnce  sync.Once
	terminalOnce sync.Once
}

var _ caller.Call = (*call)(nil)

func (c *call) SID() string {
	if c.sid != "" {
		return c.sid
	}
	return c.callID
}

func (c *call) From() string { return c.from }
func (c *call) To() string   { return c.to }

func (c *call) IsOnHold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onHold
}

func (c *call) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Mute only gates local capture; no signaling is involved.
func (c *call) Mute(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	c.b.log.Infof("call %s muted=%v", c.SID(), muted)
}

// Hold renegotiates the media direction with a re-INVITE. The hold flag is
// reverted when the peer refuses.
func (c *call) Hold(onHold bool) {
	c.mu.Lock()
	if c.onHold == onHold {
		c.mu.Unlock()
		return
	}
	c.onHold = onHold
	established := c.state == stateEstablished
	c.mu.Unlock()

	if !established {
		c.b.log.Debugf("call %s hold=%v recorded, dialog not established", c.SID(), onHold)
		return
	}
	go func() {
		if err := c.reinvite(onHold); err != nil {
			c.b.log.Warnf("call %s hold=%v failed: %v", c.SID(), onHold, err)
			c.mu.Lock()
			c.onHold = !onHold
			c.mu.Unlock()
		}
	}()
}

func (c *call) reinvite(onHold bool) error {
	dir := dirSendRecv
	if onHold {
		dir = dirSendOnly
	}
	offer, err := sessionOffer(c.b.cfg.Host, c.b.cfg.MediaPort, dir, c.b.cfg.Now())
	if err != nil {
		return err
	}
	req, err := c.request(sip.INVITE, offer)
	if err != nil {
		return err
	}
	res, err := c.b.send(context.Background(), req)
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return fmt.Errorf("re-invite answered %d %s", res.StatusCode(), res.Reason())
	}
	ack := sip.NewAckRequest("", ensureVia(req), res, "", nil)
	return c.b.cfg.Server.Send(ack)
}

// Disconnect cancels a call that is still being set up and hangs up an
// established one.
func (c *call) Disconnect() {
	c.mu.Lock()
	state := c.state
	if state == stateEarly {
		c.cancelled = true
	}
	c.mu.Unlock()

	switch state {
	case stateEnded:
		return
	case stateEarly:
		if c.outbound && c.clientTx != nil {
			c.b.log.Infof("cancelling call %s", c.SID())
			err := c.clientTx.Cancel()
			if err == nil {
				return
			}
			c.b.log.Warnf("cancel %s: %v", c.SID(), err)
		}
		c.end(caller.EventDisconnected, nil)
	default:
		c.hangup()
		c.end(caller.EventDisconnected, nil)
	}
}

func (c *call) hangup() {
	c.b.log.Infof("SIP hangup call %s", c.SID())
	req, err := c.request(sip.BYE, "")
	if err != nil {
		c.b.log.Warnf("build BYE: %v", err)
		return
	}
	if _, err := c.b.cfg.Server.Request(req); err != nil {
		c.b.log.Warnf("send BYE: %v", err)
	}
}

// request builds an in-dialog request.
func (c *call) request(method sip.RequestMethod, body string) (sip.Request, error) {
	c.mu.Lock()
	c.cseq++
	seq := c.cseq
	target, local, remote := c.target, c.local, c.remote
	c.mu.Unlock()

	cid := sip.CallID(c.callID)
	rb := sip.NewRequestBuilder().
		SetMethod(method).
		SetRecipient(target).
		SetFrom(local).
		SetTo(remote).
		SetContact(c.contact).
		SetCallID(&cid).
		SetSeqNo(seq)
	if body != "" {
		ctype := sip.ContentType("application/sdp")
		rb.SetContentType(&ctype).SetBody(body)
	}
	req, err := rb.Build()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", method, err)
	}
	return req, nil
}

// watchInvite follows the responses to an outbound INVITE.
func (c *call) watchInvite(tx sip.ClientTransaction) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				c.end(caller.EventConnectFailure, &caller.CallError{Code: caller.CodeTransportError, Message: errTerminated.Error()})
				return
			}
			if res != nil && c.onResponse(res) {
				return
			}
		case err := <-tx.Errors():
			if err == nil {
				err = errTerminated
			}
			c.b.log.Warnf("SIP transaction error: %v", err)
			c.end(caller.EventConnectFailure, &caller.CallError{Code: caller.CodeTransportError, Message: err.Error()})
			return
		case <-tx.Done():
			select {
			case res := <-tx.Responses():
				if res != nil && c.onResponse(res) {
					return
				}
			default:
			}
			c.end(caller.EventConnectFailure, &caller.CallError{Code: caller.CodeTransportError, Message: errTerminated.Error()})
			return
		}
	}
}

// ensureVia gives req a Via hop with a branch. The transaction layer adds
// one on send; an ACK built from a request without it has no hop to copy.
func ensureVia(req sip.Request) sip.Request {
	hop, ok := req.ViaHop()
	if !ok {
		req.PrependHeader(sip.ViaHeader{&sip.ViaHop{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Params:          sip.NewParams().Add("branch", sip.String{Str: sip.GenerateBranch()}),
		}})
		return req
	}
	if hop.Params == nil {
		hop.Params = sip.NewParams()
	}
	if !hop.Params.Has("branch") {
		hop.Params.Add("branch", sip.String{Str: sip.GenerateBranch()})
	}
	return req
}

// onResponse applies one INVITE response and reports whether it was final.
func (c *call) onResponse(res sip.Response) bool {
	c.b.log.Infof("received SIP response: %d %s", res.StatusCode(), res.Reason())
	if to := toAddress(res); to != nil {
		if tag, ok := tagOf(to); ok {
			c.mu.Lock()
			withTag(c.remote, tag)
			c.mu.Unlock()
		}
	}

	kind, ok := eventForStatus(res.StatusCode())
	if !ok {
		return false
	}
	switch kind {
	case caller.EventRinging:
		c.mu.Lock()
		first := !c.ringing
		c.ringing = true
		c.mu.Unlock()
		if first {
			c.deliver(caller.EventRinging, nil)
		}
		return false

	case caller.EventConnected:
		if target := contactOf(res); target != nil {
			c.mu.Lock()
			c.target = target
			c.mu.Unlock()
		}
		ack := sip.NewAckRequest("", ensureVia(c.invite), res, "", nil)
		if err := c.b.cfg.Server.Send(ack); err != nil {
			c.b.log.Warnf("send ACK: %v", err)
		}
		c.mu.Lock()
		cancelled := c.cancelled
		c.mu.Unlock()
		if cancelled {
			// answered while our CANCEL was in flight
			c.established()
			c.hangup()
			c.end(caller.EventDisconnected, nil)
			return true
		}
		c.connected()
		return true

	default:
		c.mu.Lock()
		cancelled := c.cancelled
		c.mu.Unlock()
		if cancelled {
			c.end(caller.EventDisconnected, nil)
		} else {
			c.end(caller.EventConnectFailure, callErrorForStatus(res.StatusCode(), res.Reason()))
		}
		return true
	}
}

func contactOf(msg sip.Message) sip.Uri {
	h, ok := msg.Contact()
	if !ok || h == nil || h.Address == nil {
		return nil
	}
	uri, err := parser.ParseUri(h.Address.String())
	if err != nil {
		return nil
	}
	return uri
}

func (c *call) established() {
	c.mu.Lock()
	if c.state != stateEnded {
		c.state = stateEstablished
	}
	c.mu.Unlock()
}

// connected moves the call to established and reports Connected once.
func (c *call) connected() {
	c.connectOnce.Do(func() {
		c.established()
		c.deliver(caller.EventConnected, nil)
	})
}

func (c *call) reconnecting(err *caller.CallError) {
	c.mu.Lock()
	if c.state != stateEstablished {
		c.mu.Unlock()
		return
	}
	c.state = stateReconnecting
	c.mu.Unlock()
	c.deliver(caller.EventReconnecting, err)
}

func (c *call) reconnected() {
	c.mu.Lock()
	if c.state != stateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = stateEstablished
	c.mu.Unlock()
	c.deliver(caller.EventReconnected, nil)
}

// lost disconnects a call that did not recover from reconnecting.
func (c *call) lost(err *caller.CallError) {
	c.mu.Lock()
	reconnecting := c.state == stateReconnecting
	c.mu.Unlock()
	if reconnecting {
		c.end(caller.EventDisconnected, err)
	}
}

// end reports the terminal event of the call exactly once.
func (c *call) end(kind caller.EventKind, err *caller.CallError) {
	c.terminalOnce.Do(func() {
		c.mu.Lock()
		c.state = stateEnded
		c.mu.Unlock()
		c.b.forget(c)
		c.deliver(kind, err)
	})
}

func (c *call) deliver(kind caller.EventKind, err *caller.CallError) {
	if c.listener == nil {
		return
	}
	c.listener.Deliver(caller.Event{Kind: kind, Call: c, Err: err})
}

func (c *call) String() string {
	return fmt.Sprintf("call %s (%s -> %s)", c.SID(), c.from, c.to)
}
