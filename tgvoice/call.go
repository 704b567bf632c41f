package tgvoice

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"easycaller/caller"
)

// call is a Telegram private call seen as a caller.Call.
type call struct {
	b        *Backend
	id       int32
	from     string
	to       string
	outbound bool
	listener caller.Listener

	mu           sync.Mutex
	ringing      bool
	connected    bool
	linkDown     bool
	local        bool
	onHold       bool
	muted        bool
	startedAt    time.Time
	terminalOnce sync.Once
}

var _ caller.Call = (*call)(nil)

func (c *call) SID() string  { return strconv.Itoa(int(c.id)) }
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

// Hold is kept locally; private calls carry no hold signaling.
func (c *call) Hold(onHold bool) {
	c.mu.Lock()
	c.onHold = onHold
	c.mu.Unlock()
	c.b.log.Infof("telegram call %d hold=%v", c.id, onHold)
}

func (c *call) Mute(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	c.b.log.Infof("telegram call %d muted=%v", c.id, muted)
}

// Disconnect discards the call. The terminal event follows the discarded
// update from the session.
func (c *call) Disconnect() {
	c.mu.Lock()
	c.local = true
	var duration time.Duration
	if c.connected {
		duration = c.b.cfg.Now().Sub(c.startedAt)
	}
	c.mu.Unlock()

	c.b.log.Infof("telegram hangup call %d", c.id)
	if err := c.b.api.DiscardCall(c.id, false, duration); err != nil {
		c.b.log.Warnf("discard call %d: %v", c.id, err)
		c.end(caller.EventDisconnected, nil)
	}
}

func (c *call) apply(u CallUpdate) {
	switch u.State {
	case StatePending:
		if !c.outbound || !u.Received {
			return
		}
		c.mu.Lock()
		first := !c.ringing
		c.ringing = true
		c.mu.Unlock()
		if first {
			c.deliver(caller.EventRinging, nil)
		}

	case StateReady:
		c.mu.Lock()
		first := !c.connected
		c.connected = true
		if first {
			c.startedAt = c.b.cfg.Now()
		}
		c.mu.Unlock()
		if first {
			c.deliver(caller.EventConnected, nil)
		}

	case StateDiscarded, StateError:
		c.mu.Lock()
		connected, local := c.connected, c.local
		c.mu.Unlock()
		kind, cerr := discardEvent(u, connected, local)
		c.end(kind, cerr)
	}
}

func (c *call) reconnecting(err *caller.CallError) {
	c.mu.Lock()
	if !c.connected || c.linkDown {
		c.mu.Unlock()
		return
	}
	c.linkDown = true
	c.mu.Unlock()
	c.deliver(caller.EventReconnecting, err)
}

func (c *call) reconnected() {
	c.mu.Lock()
	if !c.linkDown {
		c.mu.Unlock()
		return
	}
	c.linkDown = false
	c.mu.Unlock()
	c.deliver(caller.EventReconnected, nil)
}

// end reports the terminal event of the call exactly once.
func (c *call) end(kind caller.EventKind, err *caller.CallError) {
	c.terminalOnce.Do(func() {
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
	return fmt.Sprintf("telegram call %d (%s -> %s)", c.id, c.from, c.to)
}

// invite is an incoming Telegram call not yet answered.
type invite struct {
	b    *Backend
	id   int32
	from string
	to   string

	mu      sync.Mutex
	settled bool
}

var _ caller.Invite = (*invite)(nil)

func (i *invite) SID() string  { return strconv.Itoa(int(i.id)) }
func (i *invite) From() string { return i.from }
func (i *invite) To() string   { return i.to }

func (i *invite) settle() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.settled {
		return false
	}
	i.settled = true
	return true
}

func (i *invite) Accept(ctx context.Context, l caller.Listener) (caller.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !i.settle() {
		return nil, ErrInviteGone
	}
	i.b.forgetInvite(i.id)

	c := &call{b: i.b, id: i.id, from: i.from, to: i.to, listener: l}
	i.b.track(c)
	i.b.log.Infof("accepting telegram call %d", i.id)
	if err := i.b.api.AcceptCall(i.id, i.b.cfg.Protocol); err != nil {
		i.b.forget(c)
		return nil, fmt.Errorf("accept call %d: %w", i.id, err)
	}
	return c, nil
}

func (i *invite) Reject(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !i.settle() {
		return ErrInviteGone
	}
	i.b.forgetInvite(i.id)
	i.b.log.Infof("declining telegram call %d", i.id)
	if err := i.b.api.DiscardCall(i.id, false, 0); err != nil {
		return fmt.Errorf("decline call %d: %w", i.id, err)
	}
	return nil
}
