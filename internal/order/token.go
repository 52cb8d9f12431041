package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const tokenAudience = "order-status"

// ErrInvalidToken is returned for any token that does not grant access.
var ErrInvalidToken = errors.New("order: invalid access token")

// Tokens issues and checks HS256 order access tokens. The subject is the
// order id, so a token only ever grants read access to one order.
type Tokens struct {
	Secret    []byte
	TTL       time.Duration
	Issuer    string
	ClockSkew time.Duration
	Now       func() time.Time
}

func (t Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Issue signs a token for orderID.
func (t Tokens) Issue(orderID string) (string, error) {
	if len(t.Secret) == 0 {
		return "", errors.New("order: token secret not configured")
	}
	ttl := t.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := t.now()
	builder := jwt.NewBuilder().
		Subject(orderID).
		Audience([]string{tokenAudience}).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(ttl))
	if t.Issuer != "" {
		builder = builder.Issuer(t.Issuer)
	}
	tok, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("order: build token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, t.Secret))
	if err != nil {
		return "", fmt.Errorf("order: sign token: %w", err)
	}
	return string(signed), nil
}

// Verify returns the order id the token grants access to.
func (t Tokens) Verify(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(t.Secret) == 0 {
		return "", ErrInvalidToken
	}
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, t.Secret),
		jwt.WithValidate(true),
		jwt.WithAudience(tokenAudience),
		jwt.WithClock(jwt.ClockFunc(t.now)),
	}
	if t.ClockSkew > 0 {
		opts = append(opts, jwt.WithAcceptableSkew(t.ClockSkew))
	}
	if t.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.Issuer))
	}
	tok, err := jwt.ParseString(raw, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if tok.Subject() == "" {
		return "", ErrInvalidToken
	}
	return tok.Subject(), nil
}
