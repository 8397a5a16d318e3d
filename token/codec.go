// Package token issues and verifies the two token classes used by mobile
// clients: short-lived access tokens and long-lived refresh tokens. Tokens
// are stateless HS256 JWTs; revocation bookkeeping lives in the session
// registry, not here.
package token

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind distinguishes the two token classes. A token of one kind must be
// rejected by the verification path of the other.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Sentinel errors for stable mapping at the HTTP boundary.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrWrongKind    = errors.New("wrong token kind")
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// Payload is the identity baked into a token. Immutable once issued.
type Payload struct {
	UserID      string
	TenantID    string
	DeviceID    string
	SessionID   string
	Role        string
	Permissions []string
}

// Claims is the JWT claim set for both token kinds. Short keys keep the
// token small as it rides on every mobile request.
type Claims struct {
	TenantID    string   `json:"tid"`
	DeviceID    string   `json:"did"`
	SessionID   string   `json:"sid"`
	Role        string   `json:"rol,omitempty"`
	Permissions []string `json:"prm,omitempty"`
	Kind        Kind     `json:"knd"`
	jwt.RegisteredClaims
}

// Payload reconstructs the issued payload from verified claims.
func (c *Claims) Payload() Payload {
	return Payload{
		UserID:      c.Subject,
		TenantID:    c.TenantID,
		DeviceID:    c.DeviceID,
		SessionID:   c.SessionID,
		Role:        c.Role,
		Permissions: c.Permissions,
	}
}

type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Codec signs and verifies tokens. Configured once at startup and then
// treated as immutable.
type Codec struct {
	cfg Config
}

func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, fmt.Errorf("token: access and refresh secrets must be set")
	}
	if bytes.Equal(cfg.AccessSecret, cfg.RefreshSecret) {
		return nil, fmt.Errorf("token: access and refresh secrets must differ")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	// access tokens must expire well before refresh tokens, else a leaked
	// access token is as bad as a leaked refresh token
	if cfg.AccessTTL >= cfg.RefreshTTL {
		return nil, fmt.Errorf("token: access TTL (%v) must be shorter than refresh TTL (%v)", cfg.AccessTTL, cfg.RefreshTTL)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "mobile-gateway"
	}
	if cfg.Audience == "" {
		cfg.Audience = "mobile"
	}
	return &Codec{cfg: cfg}, nil
}

func (c *Codec) secretFor(kind Kind) []byte {
	if kind == KindRefresh {
		return c.cfg.RefreshSecret
	}
	return c.cfg.AccessSecret
}

func (c *Codec) ttlFor(kind Kind) time.Duration {
	if kind == KindRefresh {
		return c.cfg.RefreshTTL
	}
	return c.cfg.AccessTTL
}

// Issue signs a token of the given kind. A zero lifetime uses the
// configured TTL for that kind.
func (c *Codec) Issue(kind Kind, p Payload, lifetime time.Duration) (string, time.Time, error) {
	if lifetime == 0 {
		lifetime = c.ttlFor(kind)
	}
	now := time.Now()
	expiresAt := now.Add(lifetime)
	claims := &Claims{
		TenantID:    p.TenantID,
		DeviceID:    p.DeviceID,
		SessionID:   p.SessionID,
		Role:        p.Role,
		Permissions: p.Permissions,
		Kind:        kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    c.cfg.Issuer,
			Audience:  jwt.ClaimStrings{c.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secretFor(kind))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("Issue: signing failed: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks the signature, issuer, audience and expiry of the token
// using the secret for the expected kind, then checks the embedded kind
// matches the verification path. A token of the other kind fails with
// ErrWrongKind rather than ErrInvalidToken so clients that accidentally
// swap the two get an actionable error.
func (c *Codec) Verify(tokenString string, kind Kind) (*Claims, error) {
	claims, err := c.parse(tokenString, c.secretFor(kind))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			// distinguish "forged" from "wrong class": if the other kind's
			// secret verifies it, the caller used the wrong path
			if _, otherErr := c.parse(tokenString, c.secretFor(otherKind(kind))); otherErr == nil {
				return nil, ErrWrongKind
			}
		}
		return nil, ErrInvalidToken
	}
	if claims.Kind != kind {
		return nil, ErrWrongKind
	}
	return claims, nil
}

func (c *Codec) parse(tokenString string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithAudience(c.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func otherKind(kind Kind) Kind {
	if kind == KindAccess {
		return KindRefresh
	}
	return KindAccess
}

// Pair is the response shape for a freshly issued token pair.
type Pair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	ExpiresInSeconds int       `json:"expiresIn"`
}

// IssuePair issues a matched access+refresh pair for the same payload.
// Exchanging a verified refresh token for a new pair via this function is
// the only sanctioned way to extend a session.
func (c *Codec) IssuePair(p Payload) (*Pair, error) {
	access, accessExp, err := c.Issue(KindAccess, p, 0)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := c.Issue(KindRefresh, p, 0)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		ExpiresInSeconds: int(time.Until(accessExp).Seconds()),
	}, nil
}
