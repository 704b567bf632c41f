// Package notify presents incoming-call invites to the user and turns the
// user's choice back into a single accept or reject decision.
package notify

import (
	"errors"
	"fmt"
)

// Action and routing identifiers shared with notification clients.
const (
	ActionAccept                   = "accept"
	ActionReject                   = "reject"
	ActionIncomingCall             = "incoming_call"
	ActionCancelCall               = "cancel_call"
	ActionIncomingCallNotification = "incoming_call_notification"
	ActionFCMToken                 = "fcm_token"
)

// Notification channels. The low importance channel is used while the host
// UI is in the foreground.
const (
	ChannelHighImportance = "notification-channel-high-v2"
	ChannelLowImportance  = "notification-channel-low-v2"
)

const (
	labelAccept  = "Answer"
	labelDecline = "Decline"
)

var (
	// ErrUnknownInvite is returned when no notification is shown for a call.
	ErrUnknownInvite = errors.New("notify: no pending invite")

	// ErrInviteCancelled is returned when the caller withdrew the invite
	// before the user acted on it.
	ErrInviteCancelled = errors.New("notify: invite cancelled")

	// ErrUnknownAction is returned for actions other than accept and reject.
	ErrUnknownAction = errors.New("notify: unknown action")
)

type Importance int

const (
	ImportanceLow Importance = iota
	ImportanceHigh
)

func (i Importance) String() string {
	switch i {
	case ImportanceLow:
		return "low"
	case ImportanceHigh:
		return "high"
	default:
		return fmt.Sprintf("importance(%d)", int(i))
	}
}

func (i Importance) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Importance) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low":
		*i = ImportanceLow
	case "high":
		*i = ImportanceHigh
	default:
		return fmt.Errorf("notify: unknown importance %q", b)
	}
	return nil
}

// Action is a button offered on a notification.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Notification is an incoming-call notification as handed to a Poster.
type Notification struct {
	ID         int32      `json:"id"`
	Channel    string     `json:"channel"`
	Importance Importance `json:"importance"`
	Title      string     `json:"title"`
	Text       string     `json:"text"`
	CallSID    string     `json:"call_sid"`
	From       string     `json:"from"`
	Actions    []Action   `json:"actions"`
}

// Poster displays and withdraws notifications.
type Poster interface {
	Post(n Notification) error
	Withdraw(id int32, callSID string) error
}

// Visibility reports whether the host UI is in the foreground.
type Visibility interface {
	Visible() bool
}

// VisibilityFunc adapts a function to Visibility.
type VisibilityFunc func() bool

func (f VisibilityFunc) Visible() bool { return f() }
