// Package tokenex implements OAuth2 Token Exchange (RFC 8693): trading the
// end user's bearer token for one scoped to a specific upstream audience.
// Exchanged tokens are cached per (subject, audience, scopes) with a TTL
// bounded by the token's own lifetime, and concurrent refreshes of the same
// key are coalesced through singleflight.
package tokenex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/observability"
)

const grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
const tokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

// expirySafety is subtracted from expires_in so a cached token is never
// served within its final seconds.
const expirySafety = 30 * time.Second

// ExchangeError is a failed exchange with retry classification: 5xx and
// transport errors are retryable, 4xx are not.
type ExchangeError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *ExchangeError) Error() string {
	var parts []string
	parts = append(parts, "token exchange failed")
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ExchangeError) Unwrap() error { return e.Cause }

// Options configure the exchanger.
type Options struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	// Disabled passes subject tokens through unexchanged (dev mode).
	Disabled bool

	// CacheTTLCap bounds cached-token lifetime regardless of expires_in.
	CacheTTLCap time.Duration

	Timeout    time.Duration
	HTTPClient *http.Client

	Cache   cache.Store
	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// State is an observability snapshot of the exchanger.
type State struct {
	Exchanges uint64 `json:"exchanges"`
	CacheHits uint64 `json:"cache_hits"`
	Failures  uint64 `json:"failures"`
	Disabled  bool   `json:"disabled"`
}

// Exchanger performs and caches RFC 8693 exchanges.
type Exchanger struct {
	opts   Options
	client *http.Client
	group  singleflight.Group

	exchanges atomic.Uint64
	cacheHits atomic.Uint64
	failures  atomic.Uint64
}

// New creates an exchanger. A nil cache disables caching.
func New(opts Options) *Exchanger {
	if opts.CacheTTLCap <= 0 {
		opts.CacheTTLCap = 5 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Exchanger{opts: opts, client: client}
}

// cachedToken is the JSON shape stored in the cache.
type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Exchange returns a token scoped to audience for the subject token's owner.
// An empty audience passes the subject token through: the upstream accepts
// the agent token directly.
func (e *Exchanger) Exchange(ctx context.Context, subjectToken, audience string, scopes []string) (string, error) {
	if audience == "" || e.opts.Disabled {
		return subjectToken, nil
	}

	key := cacheKey(subjectToken, audience, scopes)
	if tok, ok := e.cachedGet(ctx, key); ok {
		e.cacheHits.Add(1)
		if e.opts.Metrics != nil {
			e.opts.Metrics.RecordTokenExchange("cache_hit")
		}
		return tok, nil
	}

	// Coalesce concurrent refreshes of the same key. Results land in the
	// cache even if every waiter has been cancelled, so the work is not
	// wasted.
	result, err, _ := e.group.Do(key, func() (any, error) {
		if tok, ok := e.cachedGet(ctx, key); ok {
			return tok, nil
		}
		tok, expiresIn, err := e.exchange(ctx, subjectToken, audience, scopes)
		if err != nil {
			return nil, err
		}
		e.cachedSet(ctx, key, tok, expiresIn)
		return tok, nil
	})
	if err != nil {
		e.failures.Add(1)
		if e.opts.Metrics != nil {
			e.opts.Metrics.RecordTokenExchange("failure")
		}
		return "", err
	}

	e.exchanges.Add(1)
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordTokenExchange("success")
	}
	return result.(string), nil
}

// GetState snapshots counters for the observability surface.
func (e *Exchanger) GetState() State {
	return State{
		Exchanges: e.exchanges.Load(),
		CacheHits: e.cacheHits.Load(),
		Failures:  e.failures.Load(),
		Disabled:  e.opts.Disabled,
	}
}

func (e *Exchanger) exchange(ctx context.Context, subjectToken, audience string, scopes []string) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", grantTypeTokenExchange)
	form.Set("subject_token", subjectToken)
	form.Set("subject_token_type", tokenTypeAccessToken)
	form.Set("audience", audience)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	form.Set("client_id", e.opts.ClientID)
	if e.opts.ClientSecret != "" {
		form.Set("client_secret", e.opts.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.opts.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, &ExchangeError{Message: "build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", 0, &ExchangeError{Message: "request failed", Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", 0, &ExchangeError{Status: resp.StatusCode, Message: "read response", Retryable: true, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		return "", 0, &ExchangeError{
			Status:    resp.StatusCode,
			Code:      oauthErr.Error,
			Message:   oauthErr.Description,
			Retryable: resp.StatusCode >= 500,
		}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", 0, &ExchangeError{Status: resp.StatusCode, Message: "decode response", Cause: err}
	}
	if tokenResp.AccessToken == "" {
		return "", 0, &ExchangeError{Status: resp.StatusCode, Message: "response missing access_token"}
	}

	return tokenResp.AccessToken, time.Duration(tokenResp.ExpiresIn) * time.Second, nil
}

func (e *Exchanger) cachedGet(ctx context.Context, key string) (string, bool) {
	if e.opts.Cache == nil {
		return "", false
	}
	raw, ok, err := e.opts.Cache.Get(ctx, key)
	if err != nil || !ok {
		return "", false
	}
	var entry cachedToken
	if json.Unmarshal(raw, &entry) != nil {
		return "", false
	}
	if time.Now().After(entry.ExpiresAt) {
		return "", false
	}
	return entry.AccessToken, true
}

func (e *Exchanger) cachedSet(ctx context.Context, key, token string, expiresIn time.Duration) {
	if e.opts.Cache == nil {
		return
	}
	ttl := expiresIn - expirySafety
	if ttl <= 0 {
		return
	}
	if ttl > e.opts.CacheTTLCap {
		ttl = e.opts.CacheTTLCap
	}
	entry := cachedToken{AccessToken: token, ExpiresAt: time.Now().Add(ttl)}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := e.opts.Cache.Set(ctx, key, raw, ttl); err != nil && e.opts.Logger != nil {
		e.opts.Logger.Warn(ctx, "token cache write failed", "error", err)
	}
}

// cacheKey hashes (subject, audience, scopes). The subject is taken from the
// JWT's sub claim without verifying the signature; the token was already
// verified at the API edge and the claim only namespaces the cache. Tokens
// that do not parse fall back to hashing the whole token string.
func cacheKey(subjectToken, audience string, scopes []string) string {
	subject := subjectToken
	parser := jwt.NewParser()
	if tok, _, err := parser.ParseUnverified(subjectToken, jwt.MapClaims{}); err == nil {
		if sub, err := tok.Claims.GetSubject(); err == nil && sub != "" {
			subject = sub
		}
	}
	sorted := append([]string(nil), scopes...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	h := sha256.Sum256([]byte(subject + "\x00" + audience + "\x00" + strings.Join(sorted, " ")))
	return "tokenex:" + hex.EncodeToString(h[:16])
}
