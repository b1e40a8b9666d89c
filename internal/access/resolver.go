package access

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// PolicyProvider supplies the active policy set. Epoch changes whenever a
// policy is defined, updated, or deactivated; it is folded into cache keys
// so stale grants never outlive a policy change.
type PolicyProvider interface {
	ActivePolicies() []models.AccessPolicy
	PolicyEpoch() uint64
}

// Resolver evaluates claims against policies with a short TTL cache.
type Resolver struct {
	provider PolicyProvider
	store    cache.Store
	ttl      time.Duration
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// ResolverOptions configure a Resolver. TTL defaults to 60 seconds.
type ResolverOptions struct {
	Provider PolicyProvider
	Store    cache.Store
	TTL      time.Duration
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

func NewResolver(opts ResolverOptions) *Resolver {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Resolver{
		provider: opts.Provider,
		store:    opts.Store,
		ttl:      ttl,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// Resolve returns the sorted set of tool-group ids granted to claims.
// Policies are evaluated in descending priority; every passing policy's
// groups are unioned.
func (r *Resolver) Resolve(ctx context.Context, claims auth.Claims, skipCache bool) ([]string, error) {
	key := r.cacheKey(claims)
	if !skipCache && r.store != nil {
		if raw, ok, err := r.store.Get(ctx, key); err == nil && ok {
			var groups []string
			if json.Unmarshal(raw, &groups) == nil {
				if r.metrics != nil {
					r.metrics.RecordAccessResolution("cache_hit")
				}
				return groups, nil
			}
		}
	}

	policies := append([]models.AccessPolicy(nil), r.provider.ActivePolicies()...)
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Priority > policies[j].Priority
	})

	granted := make(map[string]struct{})
	for _, p := range policies {
		if !p.IsActive {
			continue
		}
		if !EvaluatePolicy(p, claims) {
			continue
		}
		for _, id := range p.AllowedGroupIDs {
			granted[id] = struct{}{}
		}
	}

	groups := make([]string, 0, len(granted))
	for id := range granted {
		groups = append(groups, id)
	}
	sort.Strings(groups)

	if r.store != nil {
		if raw, err := json.Marshal(groups); err == nil {
			if err := r.store.Set(ctx, key, raw, r.ttl); err != nil && r.logger != nil {
				r.logger.Warn(ctx, "access cache write failed", "error", err)
			}
		}
	}
	if r.metrics != nil {
		r.metrics.RecordAccessResolution("computed")
	}
	return groups, nil
}

// cacheKey hashes the canonical claim subset that access decisions depend
// on, plus the policy epoch. Unrelated claims (exp, iat, jti) never cause
// cache churn.
func (r *Resolver) cacheKey(claims auth.Claims) string {
	canonical := struct {
		Sub    string   `json:"sub"`
		Roles  []string `json:"roles"`
		Groups []string `json:"groups"`
		Email  string   `json:"email"`
	}{
		Sub:    claims.Subject(),
		Roles:  claims.StringSlice("realm_access.roles"),
		Groups: claims.StringSlice("groups"),
		Email:  claims.Email(),
	}
	sort.Strings(canonical.Roles)
	sort.Strings(canonical.Groups)

	raw, _ := json.Marshal(canonical)
	h := sha256.New()
	h.Write(raw)
	h.Write([]byte(strconv.FormatUint(r.provider.PolicyEpoch(), 10)))
	return "access:" + hex.EncodeToString(h.Sum(nil)[:16])
}
