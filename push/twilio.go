package push

import (
	"fmt"
	"net/url"

	"easycaller/caller"
)

// Payload message types and keys of a Twilio Voice push.
const (
	MessageTypeCall   = "twilio.voice.call"
	MessageTypeCancel = "twilio.voice.cancel"

	keyMessageType = "twi_message_type"
	keyCallSID     = "twi_call_sid"
	keyFrom        = "twi_from"
	keyTo          = "twi_to"
	keyAccountSID  = "twi_account_sid"
	keyBridgeToken = "twi_bridge_token"
	keyParams      = "twi_params"
)

// InviteFields are the invite attributes carried by a call payload.
type InviteFields struct {
	CallSID     string
	From        string
	To          string
	AccountSID  string
	BridgeToken string
	Params      map[string]string
}

// TwilioDecoder decodes Twilio Voice push payloads. NewInvite binds the
// decoded fields to the backend able to answer them.
type TwilioDecoder struct {
	NewInvite func(InviteFields) caller.Invite
}

func (d TwilioDecoder) Decode(data map[string]string) (Message, error) {
	sid := data[keyCallSID]
	if sid == "" {
		return Message{}, fmt.Errorf("%w: missing %s", ErrInvalidPayload, keyCallSID)
	}

	switch data[keyMessageType] {
	case MessageTypeCall:
		if data[keyBridgeToken] == "" {
			return Message{}, fmt.Errorf("%w: missing %s", ErrInvalidPayload, keyBridgeToken)
		}
		if d.NewInvite == nil {
			return Message{}, fmt.Errorf("%w: no invite factory", ErrInvalidPayload)
		}
		params := map[string]string{}
		if raw := data[keyParams]; raw != "" {
			q, err := url.ParseQuery(raw)
			if err != nil {
				return Message{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, keyParams, err)
			}
			for k := range q {
				params[k] = q.Get(k)
			}
		}
		inv := d.NewInvite(InviteFields{
			CallSID:     sid,
			From:        data[keyFrom],
			To:          data[keyTo],
			AccountSID:  data[keyAccountSID],
			BridgeToken: data[keyBridgeToken],
			Params:      params,
		})
		return Message{Invite: inv}, nil

	case MessageTypeCancel:
		return Message{Cancel: &caller.CancelledInvite{
			CallSID: sid,
			From:    data[keyFrom],
			To:      data[keyTo],
		}}, nil
	}
	return Message{}, fmt.Errorf("%w: message type %q", ErrInvalidPayload, data[keyMessageType])
}
