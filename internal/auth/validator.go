package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrInvalidToken wraps every validation failure so callers can map any
// cause to a 401 without inspecting it.
var ErrInvalidToken = errors.New("invalid token")

// Validator turns a bearer token into claims.
type Validator interface {
	Validate(ctx context.Context, token string) (Claims, error)
}

// JWKSValidator verifies tokens against a remote key set. Keys are cached
// and refreshed in the background to survive rotation.
type JWKSValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
	leeway   time.Duration
}

// JWKSOptions configure a JWKSValidator. Issuer and Audience are only
// enforced when non-empty.
type JWKSOptions struct {
	JWKSURL         string
	Issuer          string
	Audience        string
	Leeway          time.Duration
	RefreshInterval time.Duration
}

// NewJWKSValidator fetches the key set once to fail fast on bad config,
// then keeps it refreshed.
func NewJWKSValidator(ctx context.Context, opts JWKSOptions) (*JWKSValidator, error) {
	refresh := opts.RefreshInterval
	if refresh <= 0 {
		refresh = 15 * time.Minute
	}
	cache := jwk.NewCache(ctx)
	if err := cache.Register(opts.JWKSURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, opts.JWKSURL); err != nil {
		return nil, fmt.Errorf("fetch jwks from %s: %w", opts.JWKSURL, err)
	}
	return &JWKSValidator{
		jwksURL:  opts.JWKSURL,
		cache:    cache,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
	}, nil
}

func (v *JWKSValidator) Validate(ctx context.Context, token string) (Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("%w: get key set: %v", ErrInvalidToken, err)
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.leeway),
	}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.Parse([]byte(token), parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	m, err := parsed.AsMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: extract claims: %v", ErrInvalidToken, err)
	}
	return Claims(m), nil
}

// HMACValidator verifies tokens signed with a shared secret. Used by the
// host's session layer when no identity provider is wired in.
type HMACValidator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

func NewHMACValidator(secret, issuer, audience string, leeway time.Duration) *HMACValidator {
	return &HMACValidator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
	}
}

func (v *HMACValidator) Validate(_ context.Context, token string) (Claims, error) {
	claims := gojwt.MapClaims{}
	parserOpts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		gojwt.WithLeeway(v.leeway),
		gojwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, gojwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, gojwt.WithAudience(v.audience))
	}

	_, err := gojwt.ParseWithClaims(token, claims, func(t *gojwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Claims(claims), nil
}

// StaticKeyValidator compares the bearer verbatim against a fixed key.
// Development only: every caller shares one identity.
type StaticKeyValidator struct {
	key    string
	claims Claims
}

func NewStaticKeyValidator(key string) *StaticKeyValidator {
	return &StaticKeyValidator{
		key: key,
		claims: Claims{
			"sub":    "dev-user",
			"email":  "dev@localhost",
			"groups": []any{"dev"},
		},
	}
}

func (v *StaticKeyValidator) Validate(_ context.Context, token string) (Claims, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.key)) != 1 {
		return nil, ErrInvalidToken
	}
	return v.claims, nil
}
