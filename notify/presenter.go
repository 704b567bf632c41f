package notify

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"easycaller/caller"
	"easycaller/push"
)

// Decision is the user's answer to one invite.
type Decision struct {
	Accept         bool
	Invite         caller.Invite
	NotificationID int32
}

func (d Decision) String() string {
	verb := ActionReject
	if d.Accept {
		verb = ActionAccept
	}
	return fmt.Sprintf("%s %s", verb, d.Invite.SID())
}

type pending struct {
	invite caller.Invite
	id     int32
}

// Presenter shows one notification per pending invite. The first terminal
// event for an invite wins: a decision after a cancellation is refused and
// a cancellation after a decision is ignored.
type Presenter struct {
	poster  Poster
	visible Visibility
	title   string
	log     logrus.FieldLogger

	mu        sync.Mutex
	pending   map[string]pending
	cancelled map[string]struct{}
}

// PresenterOption configures a Presenter.
type PresenterOption func(*Presenter)

// WithLogger sets the presenter logger.
func WithLogger(log logrus.FieldLogger) PresenterOption {
	return func(p *Presenter) {
		if log != nil {
			p.log = log
		}
	}
}

// WithVisibility sets the foreground probe. Without it the UI is assumed
// to be in the background.
func WithVisibility(v Visibility) PresenterOption {
	return func(p *Presenter) { p.visible = v }
}

// WithTitle sets the notification title.
func WithTitle(title string) PresenterOption {
	return func(p *Presenter) { p.title = title }
}

// NewPresenter creates a Presenter posting notifications through poster.
func NewPresenter(poster Poster, opts ...PresenterOption) *Presenter {
	p := &Presenter{
		poster:    poster,
		title:     "easycaller",
		log:       logrus.WithField("name", "notify"),
		pending:   make(map[string]pending),
		cancelled: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build returns the notification for in without posting it.
func (p *Presenter) Build(in push.IncomingCall) Notification {
	n := Notification{
		ID:         in.NotificationID,
		Channel:    ChannelHighImportance,
		Importance: ImportanceHigh,
		Title:      p.title,
		Text:       in.Invite.From() + " is calling.",
		CallSID:    in.Invite.SID(),
		From:       in.Invite.From(),
		Actions: []Action{
			{ID: ActionReject, Label: labelDecline},
			{ID: ActionAccept, Label: labelAccept},
		},
	}
	if p.visible != nil && p.visible.Visible() {
		n.Channel = ChannelLowImportance
		n.Importance = ImportanceLow
	}
	return n
}

// Show records the invite as pending and posts its notification.
func (p *Presenter) Show(in push.IncomingCall) (Notification, error) {
	n := p.Build(in)

	p.mu.Lock()
	sid := in.Invite.SID()
	delete(p.cancelled, sid)
	p.pending[sid] = pending{invite: in.Invite, id: in.NotificationID}
	p.mu.Unlock()

	p.log.Infof("showing %s notification %d for %s", n.Importance, n.ID, sid)
	if err := p.poster.Post(n); err != nil {
		return n, fmt.Errorf("post notification %d: %w", n.ID, err)
	}
	return n, nil
}

// Decode resolves action for the invite with callSID. Each invite yields
// at most one Decision.
func (p *Presenter) Decode(action, callSID string) (Decision, error) {
	var accept bool
	switch action {
	case ActionAccept, ActionIncomingCall:
		accept = true
	case ActionReject:
	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	p.mu.Lock()
	entry, ok := p.pending[callSID]
	if ok {
		delete(p.pending, callSID)
	}
	_, cancelled := p.cancelled[callSID]
	delete(p.cancelled, callSID)
	p.mu.Unlock()

	if !ok {
		if cancelled {
			p.log.Infof("%s for %s refused, invite was cancelled", action, callSID)
			return Decision{}, ErrInviteCancelled
		}
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownInvite, callSID)
	}

	if err := p.poster.Withdraw(entry.id, callSID); err != nil {
		p.log.Warnf("withdraw notification %d: %v", entry.id, err)
	}
	d := Decision{Accept: accept, Invite: entry.invite, NotificationID: entry.id}
	p.log.Infof("decision: %s", d)
	return d, nil
}

// Cancel withdraws the notification of c. It reports false when the invite
// was already decided or never shown.
func (p *Presenter) Cancel(c caller.CancelledInvite) bool {
	p.mu.Lock()
	entry, ok := p.pending[c.CallSID]
	if ok {
		delete(p.pending, c.CallSID)
		p.cancelled[c.CallSID] = struct{}{}
	}
	p.mu.Unlock()

	if !ok {
		p.log.Debugf("cancel for %s ignored", c.CallSID)
		return false
	}
	if err := p.poster.Withdraw(entry.id, c.CallSID); err != nil {
		p.log.Warnf("withdraw notification %d: %v", entry.id, err)
	}
	p.log.Infof("invite %s cancelled by %s", c.CallSID, c.From)
	return true
}

// Pending returns the number of invites awaiting a decision.
func (p *Presenter) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
