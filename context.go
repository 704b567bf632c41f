package main

import (
	"sync"
	"time"

	"easycaller/caller"
)

// Direction tells who placed a call.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// CallContext is the host's record of one call.
type CallContext struct {
	SID       string            `json:"sid"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Direction Direction         `json:"direction"`
	State     string            `json:"state"`
	Error     *caller.CallError `json:"error,omitempty"`
	Started   time.Time         `json:"started"`
	Connected *time.Time        `json:"connected,omitempty"`
	Ended     *time.Time        `json:"ended,omitempty"`
}

// CallLog keeps the most recent calls, newest last.
type CallLog struct {
	mu    sync.Mutex
	limit int
	calls []*CallContext
	now   func() time.Time
}

// NewCallLog creates a CallLog holding up to limit calls.
func NewCallLog(limit int) *CallLog {
	if limit <= 0 {
		limit = 50
	}
	return &CallLog{limit: limit, now: time.Now}
}

// Begin records a new call before the backend has assigned its SID.
func (l *CallLog) Begin(dir Direction, sid, from, to string) *CallContext {
	l.mu.Lock()
	defer l.mu.Unlock()
	cc := &CallContext{SID: sid, From: from, To: to, Direction: dir, State: caller.PhaseConnecting.String(), Started: l.now()}
	l.calls = append(l.calls, cc)
	if len(l.calls) > l.limit {
		l.calls = l.calls[len(l.calls)-l.limit:]
	}
	return cc
}

// Observe returns call options that keep cc up to date.
func (l *CallLog) Observe(cc *CallContext) []caller.CallOption {
	update := func(call caller.Call, phase caller.Phase, cerr *caller.CallError) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if call != nil && call.SID() != "" {
			cc.SID = call.SID()
		}
		cc.State = phase.String()
		if cerr != nil {
			cc.Error = cerr
		}
		now := l.now()
		switch {
		case phase == caller.PhaseConnected && cc.Connected == nil:
			cc.Connected = &now
		case phase.Terminal():
			cc.Ended = &now
		}
	}
	return []caller.CallOption{
		caller.WithOnRinging(func(c caller.Call) { update(c, caller.PhaseRinging, nil) }),
		caller.WithOnConnected(func(c caller.Call) { update(c, caller.PhaseConnected, nil) }),
		caller.WithOnReconnecting(func(c caller.Call, e *caller.CallError) { update(c, caller.PhaseReconnecting, e) }),
		caller.WithOnReconnected(func(c caller.Call) { update(c, caller.PhaseConnected, nil) }),
		caller.WithOnConnectFailure(func(c caller.Call, e *caller.CallError) { update(c, caller.PhaseConnectFailure, e) }),
		caller.WithOnDisconnected(func(c caller.Call, e *caller.CallError) { update(c, caller.PhaseDisconnected, e) }),
	}
}

// Bind sets the SID of cc once the backend has assigned it.
func (l *CallLog) Bind(cc *CallContext, call caller.Call) {
	if call == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cc.SID == "" {
		cc.SID = call.SID()
	}
}

// Fail marks cc as never started.
func (l *CallLog) Fail(cc *CallContext, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cc.State = caller.PhaseConnectFailure.String()
	cc.Error = &caller.CallError{Code: caller.CodeGeneric, Message: err.Error()}
	cc.Ended = &now
}

// Snapshot returns copies of the recorded calls.
func (l *CallLog) Snapshot() []CallContext {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CallContext, len(l.calls))
	for i, cc := range l.calls {
		out[i] = *cc
	}
	return out
}
