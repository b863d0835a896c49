package harp

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ExpiryLeeway is how long before its exp a token is already treated as expired.
const ExpiryLeeway = 30 * time.Second

// Token is the access token returned by the HARP token endpoint.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	Scope       string `json:"scope,omitempty"`

	expiryOnce sync.Once
	expiresAt  *time.Time
}

// ExpiresAt returns the exp claim of the access token. Only the payload segment
// is decoded, the header is never inspected. The result is cached on the token;
// ok is false when the token is not a JWT or carries no exp.
func (t *Token) ExpiresAt() (time.Time, bool) {
	t.expiryOnce.Do(func() {
		t.expiresAt = payloadExpiry(t.AccessToken)
	})
	if t.expiresAt == nil {
		return time.Time{}, false
	}
	return *t.expiresAt, true
}

func payloadExpiry(accessToken string) *time.Time {
	parts := strings.Split(accessToken, ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		return nil
	}
	claims := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	at := exp.Time
	return &at
}

// Expired reports whether the token has no known expiry or expires within ExpiryLeeway of now.
func (t *Token) Expired(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	exp, ok := t.ExpiresAt()
	return !ok || exp.Before(now.Add(ExpiryLeeway))
}

// OAuth2 converts the token for use with an oauth2 transport.
func (t *Token) OAuth2() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken: t.AccessToken,
		TokenType:   t.TokenType,
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if exp, ok := t.ExpiresAt(); ok {
		tok.Expiry = exp
	}
	return tok
}
