package voice

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jws"
)

const RolePublisher = "publisher"

var (
	ErrNoSecret   = errors.New("no voice secret configured")
	ErrNoChannel  = errors.New("no channel")
	ErrInvalidUid = errors.New("invalid uid")
	ErrExpired    = errors.New("voice credential expired")
)

// Claims is the payload of a voice relay credential. ExpireAt is an absolute unix time in seconds.
type Claims struct {
	AppId    string `json:"iss"`
	Channel  string `json:"channel"`
	Uid      uint32 `json:"uid"`
	Role     string `json:"role"`
	ExpireAt int64  `json:"exp"`
}

// Issuer mints HMAC-SHA256 signed, channel scoped credentials. The same input always yields the same credential.
type Issuer struct {
	appId  string
	secret []byte

	// Now is used by Verify, time.Now if nil
	Now func() time.Time
}

func NewIssuer(appId, secret string) (*Issuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Issuer{appId: appId, secret: []byte(secret)}, nil
}

func (i *Issuer) Issue(channel string, uid uint32, role string, expireAt int64) (string, error) {
	if channel == "" {
		return "", ErrNoChannel
	}
	if uid == 0 {
		return "", ErrInvalidUid
	}
	payload, err := json.Marshal(Claims{
		AppId:    i.appId,
		Channel:  channel,
		Uid:      uid,
		Role:     role,
		ExpireAt: expireAt,
	})
	if err != nil {
		return "", err
	}
	token, err := jws.Sign(payload, jws.WithKey(jwa.HS256(), i.secret))
	if err != nil {
		return "", fmt.Errorf("could not sign voice credential: %w", err)
	}
	return string(token), nil
}

// Verify checks the signature and the expiry of token and returns its claims.
func (i *Issuer) Verify(token string) (*Claims, error) {
	payload, err := jws.Verify([]byte(token), jws.WithKey(jwa.HS256(), i.secret))
	if err != nil {
		return nil, fmt.Errorf("could not verify voice credential: %w", err)
	}
	claims := &Claims{}
	if err := json.Unmarshal(payload, claims); err != nil {
		return nil, err
	}
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	if now().Unix() >= claims.ExpireAt {
		return nil, ErrExpired
	}
	return claims, nil
}
