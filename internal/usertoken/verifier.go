// Package usertoken verifies identity-provider ID tokens (RS256, keys from a
// JWKS endpoint) and turns their claims into a domain.Identity.
package usertoken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"storyarchive/pkg/domain"
)

const (
	defaultIssuer   = "storyarchive-identity"
	defaultAudience = "storyarchive"
	defaultLeeway   = 30 * time.Second
)

var (
	ErrTokenMissing = errors.New("usertoken: token missing")
	ErrTokenInvalid = errors.New("usertoken: token invalid")
)

type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Claims are the identity claims the archive reads.
type Claims struct {
	jwt.RegisteredClaims
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

type Verifier struct {
	issuer   string
	audience string
	leeway   time.Duration
	keys     *keySet
}

// NewVerifier fetches the signing keys once so misconfiguration fails at start-up.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("usertoken: jwks url is required")
	}
	v := &Verifier{
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		leeway:   cfg.Leeway,
	}
	if v.issuer == "" {
		v.issuer = defaultIssuer
	}
	if v.audience == "" {
		v.audience = defaultAudience
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	v.keys = &keySet{url: jwksURL, client: client}
	if err := v.keys.refresh(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Verify validates the token and returns the caller's identity. A token
// signed by an unknown key triggers one JWKS refresh.
func (v *Verifier) Verify(ctx context.Context, token string) (domain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, ErrTokenMissing
	}
	claims, err := v.parse(token)
	if errors.Is(err, errUnknownKey) || (err != nil && v.keys.expired()) {
		if rerr := v.keys.refresh(ctx); rerr != nil {
			return domain.Identity{}, fmt.Errorf("%w: %w", ErrTokenInvalid, rerr)
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	uid := strings.TrimSpace(claims.Subject)
	if uid == "" {
		return domain.Identity{}, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}
	return domain.Identity{
		UID:         uid,
		Email:       strings.TrimSpace(claims.Email),
		DisplayName: strings.TrimSpace(claims.Name),
		PhotoURL:    strings.TrimSpace(claims.Picture),
	}, nil
}

func (v *Verifier) parse(token string) (*Claims, error) {
	claims := &Claims{}
	keys := v.keys.snapshot()
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[strings.TrimSpace(kid)]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token not valid")
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
