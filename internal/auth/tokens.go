package auth

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTokenIssuer = "layersync"
	DefaultTokenTTL    = 12 * time.Hour
)

var ErrInvalidToken = errors.New("invalid login token")

// Claims are carried by login tokens. The subject is the stable account
// id; Name is the display name the user joins with.
type Claims struct {
	Name     string `json:"name,omitempty"`
	Operator bool   `json:"op,omitempty"`
	gojwt.RegisteredClaims
}

// Tokens issues and verifies HS256 login tokens presented by clients in the
// protocol handshake.
type Tokens struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens derives the signing key from secret with the same rules as the
// cookie session key. An empty secret yields a random key, which makes
// tokens invalid across restarts.
func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	masterKey, err := parseSessionKey(secret)
	if err != nil {
		return nil, fmt.Errorf("token secret: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Tokens{
		key:    hmacSHA256(masterKey, []byte("login-token")),
		issuer: DefaultTokenIssuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

func (t *Tokens) Issue(subject, name string, operator bool) (string, error) {
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	now := t.now()
	claims := Claims{
		Name:     name,
		Operator: operator,
		RegisteredClaims: gojwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer and expiry of raw.
func (t *Tokens) Verify(raw string) (Claims, error) {
	var claims Claims
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithIssuer(t.issuer),
		gojwt.WithExpirationRequired(),
		gojwt.WithTimeFunc(t.now),
	)
	token, err := parser.ParseWithClaims(raw, &claims, func(*gojwt.Token) (any, error) {
		return t.key, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
