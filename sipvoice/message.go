package sipvoice

import (
	"fmt"
	"strings"
	"time"

	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	sdp "github.com/pion/sdp/v3"

	"easycaller/caller"
)

// Custom headers carried on bridge and registration requests.
const (
	HeaderAccessToken = "X-Twilio-AccessToken"
	HeaderPushToken   = "X-Push-Token"
	HeaderCallSID     = "X-Call-Sid"
	HeaderBridgeToken = "X-Bridge-Token"
	headerParamPrefix = "X-Param-"
)

func callID(msg sip.Message) string {
	if cid, ok := msg.CallID(); ok && cid != nil {
		return string(*cid)
	}
	return ""
}

func fromAddress(msg sip.Message) *sip.Address {
	h, ok := msg.From()
	if !ok || h == nil {
		return nil
	}
	return &sip.Address{DisplayName: h.DisplayName, Uri: h.Address, Params: cloneParams(h.Params)}
}

func toAddress(msg sip.Message) *sip.Address {
	h, ok := msg.To()
	if !ok || h == nil {
		return nil
	}
	return &sip.Address{DisplayName: h.DisplayName, Uri: h.Address, Params: cloneParams(h.Params)}
}

func cloneParams(p sip.Params) sip.Params {
	if p == nil {
		return sip.NewParams()
	}
	return p.Clone()
}

func withTag(addr *sip.Address, tag sip.MaybeString) {
	if addr.Params == nil {
		addr.Params = sip.NewParams()
	}
	addr.Params = addr.Params.Add("tag", tag)
}

func tagOf(addr *sip.Address) (sip.MaybeString, bool) {
	if addr == nil || addr.Params == nil {
		return nil, false
	}
	return addr.Params.Get("tag")
}

// userOf returns the user part of addr, or its full URI when it has none.
func userOf(addr *sip.Address) string {
	if addr == nil || addr.Uri == nil {
		return ""
	}
	if u := addr.Uri.User(); u != nil && u.String() != "" {
		return u.String()
	}
	return addr.Uri.String()
}

func header(msg sip.Message, name string) string {
	for _, h := range msg.GetHeaders(name) {
		v := h.Value()
		if v != "" {
			return v
		}
	}
	return ""
}

// targetURI resolves a dial target: full SIP URIs are used as is, anything
// else becomes a user at domain.
func targetURI(target, domain string) (sip.Uri, error) {
	if target == "" {
		return nil, fmt.Errorf("empty dial target")
	}
	if strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") {
		return parser.ParseUri(target)
	}
	target = strings.TrimPrefix(target, "client:")
	return parser.ParseUri(fmt.Sprintf("sip:%s@%s", target, domain))
}

// callErrorForStatus maps a final SIP failure to the vendor error taxonomy.
func callErrorForStatus(code sip.StatusCode, reason string) *caller.CallError {
	c := int(code)
	if reason == "" {
		reason = "call failed"
	}
	if c >= 400 && c < 700 {
		return &caller.CallError{Code: 31000 + c, Message: reason}
	}
	return &caller.CallError{Code: caller.CodeGeneric, Message: reason}
}

// eventForStatus returns the event a response to an outbound INVITE
// produces. ok is false for responses that produce none.
func eventForStatus(code sip.StatusCode) (caller.EventKind, bool) {
	c := int(code)
	switch {
	case c == 180 || c == 183:
		return caller.EventRinging, true
	case c >= 200 && c < 300:
		return caller.EventConnected, true
	case c >= 300:
		return caller.EventConnectFailure, true
	}
	return 0, false
}

// Direction attribute values used for hold.
const (
	dirSendRecv = "sendrecv"
	dirSendOnly = "sendonly"
	dirRecvOnly = "recvonly"
	dirInactive = "inactive"
)

// sessionOffer builds an audio offer or answer advertising PCMU and PCMA on
// host:port with the given direction.
func sessionOffer(host string, port int, direction string, now time.Time) (string, error) {
	id := uint64(now.Unix())
	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      id,
			SessionVersion: id,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "easycaller",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	md = md.WithCodec(0, "PCMU", 8000, 1, "").
		WithCodec(8, "PCMA", 8000, 1, "").
		WithPropertyAttribute(direction)
	sd.MediaDescriptions = []*sdp.MediaDescription{md}

	b, err := sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(b), nil
}

// mediaDirection returns the direction of the first audio stream in body.
// Bodies without one are sendrecv.
func mediaDirection(body string) (string, error) {
	if body == "" {
		return dirSendRecv, nil
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(body)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		for _, dir := range []string{dirSendOnly, dirRecvOnly, dirInactive, dirSendRecv} {
			if _, ok := md.Attribute(dir); ok {
				return dir, nil
			}
		}
		break
	}
	for _, dir := range []string{dirSendOnly, dirRecvOnly, dirInactive} {
		if _, ok := sd.Attribute(dir); ok {
			return dir, nil
		}
	}
	return dirSendRecv, nil
}
