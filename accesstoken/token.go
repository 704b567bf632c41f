// Package accesstoken mints and inspects voice access tokens: HS256 JWTs
// carrying a voice grant for one identity.
package accesstoken

import (
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const contentType = "twilio-fpa;v=1"

// DefaultTTL is the lifetime of minted tokens when Grant.TTL is zero.
const DefaultTTL = time.Hour

var (
	ErrMalformed  = errors.New("accesstoken: malformed token")
	ErrExpired    = errors.New("accesstoken: token expired")
	ErrSignature  = errors.New("accesstoken: invalid signature")
	ErrNoIdentity = errors.New("accesstoken: missing identity")
)

// Grant describes the token to mint.
type Grant struct {
	AccountSID string
	APIKeySID  string
	Identity   string

	// OutgoingApplicationSID enables outgoing calls through an application.
	OutgoingApplicationSID string
	OutgoingParams         map[string]string
	PushCredentialSID      string
	IncomingAllow          bool

	TTL time.Duration
}

type incomingGrant struct {
	Allow bool `json:"allow"`
}

type outgoingGrant struct {
	ApplicationSID string            `json:"application_sid"`
	Params         map[string]string `json:"params,omitempty"`
}

type voiceGrant struct {
	Incoming          *incomingGrant `json:"incoming,omitempty"`
	Outgoing          *outgoingGrant `json:"outgoing,omitempty"`
	PushCredentialSID string         `json:"push_credential_sid,omitempty"`
}

type grants struct {
	Identity string      `json:"identity"`
	Voice    *voiceGrant `json:"voice,omitempty"`
}

type privateClaims struct {
	Grants grants `json:"grants"`
}

// Info is what a token says about itself.
type Info struct {
	Identity   string
	AccountSID string
	APIKeySID  string
	IssuedAt   time.Time
	Expires    time.Time

	Incoming          bool
	OutgoingAppSID    string
	PushCredentialSID string
}

// Expired reports whether the token is expired at now.
func (i Info) Expired(now time.Time) bool {
	return !i.Expires.IsZero() && now.After(i.Expires)
}

// Mint signs g with secret, issued at now. The secret must be at least
// 32 bytes long.
func Mint(g Grant, secret []byte, now time.Time) (string, error) {
	if g.Identity == "" {
		return "", ErrNoIdentity
	}
	ttl := g.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: secret},
		(&jose.SignerOptions{}).WithType("JWT").WithContentType(contentType),
	)
	if err != nil {
		return "", fmt.Errorf("accesstoken: signer: %w", err)
	}

	std := jwt.Claims{
		ID:       fmt.Sprintf("%s-%d", g.APIKeySID, now.Unix()),
		Issuer:   g.APIKeySID,
		Subject:  g.AccountSID,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
	voice := &voiceGrant{PushCredentialSID: g.PushCredentialSID}
	if g.IncomingAllow {
		voice.Incoming = &incomingGrant{Allow: true}
	}
	if g.OutgoingApplicationSID != "" {
		voice.Outgoing = &outgoingGrant{ApplicationSID: g.OutgoingApplicationSID, Params: g.OutgoingParams}
	}
	priv := privateClaims{Grants: grants{Identity: g.Identity, Voice: voice}}

	token, err := jwt.Signed(signer).Claims(std).Claims(priv).Serialize()
	if err != nil {
		return "", fmt.Errorf("accesstoken: sign: %w", err)
	}
	return token, nil
}

func parse(token string) (*jwt.JSONWebToken, error) {
	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return tok, nil
}

func info(std jwt.Claims, priv privateClaims) Info {
	i := Info{
		Identity:   priv.Grants.Identity,
		AccountSID: std.Subject,
		APIKeySID:  std.Issuer,
	}
	if std.IssuedAt != nil {
		i.IssuedAt = std.IssuedAt.Time()
	}
	if std.Expiry != nil {
		i.Expires = std.Expiry.Time()
	}
	if v := priv.Grants.Voice; v != nil {
		i.Incoming = v.Incoming != nil && v.Incoming.Allow
		if v.Outgoing != nil {
			i.OutgoingAppSID = v.Outgoing.ApplicationSID
		}
		i.PushCredentialSID = v.PushCredentialSID
	}
	return i
}

// Inspect reads the claims of token without checking its signature or
// expiry.
func Inspect(token string) (Info, error) {
	tok, err := parse(token)
	if err != nil {
		return Info{}, err
	}
	var std jwt.Claims
	var priv privateClaims
	if err := tok.UnsafeClaimsWithoutVerification(&std, &priv); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if priv.Grants.Identity == "" {
		return Info{}, ErrNoIdentity
	}
	return info(std, priv), nil
}

// Verify checks the signature of token with secret and its expiry at now.
func Verify(token string, secret []byte, now time.Time) (Info, error) {
	tok, err := parse(token)
	if err != nil {
		return Info{}, err
	}
	var std jwt.Claims
	var priv privateClaims
	if err := tok.Claims(secret, &std, &priv); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Time: now}, 0); err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return Info{}, ErrExpired
		}
		return Info{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if priv.Grants.Identity == "" {
		return Info{}, ErrNoIdentity
	}
	return info(std, priv), nil
}
