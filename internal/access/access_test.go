package access

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/pkg/models"
)

func sampleClaims() auth.Claims {
	return auth.Claims{
		"sub":   "alice",
		"email": "alice@corp.example.com",
		"realm_access": map[string]any{
			"roles": []any{"support", "agent-user"},
		},
		"groups": []any{"eu-west", "tier-2"},
		"level":  float64(3),
		"null":   nil,
	}
}

func TestEvaluateMatcher(t *testing.T) {
	claims := sampleClaims()

	tests := []struct {
		name    string
		matcher models.ClaimMatcher
		want    bool
	}{
		{"equals hit", models.ClaimMatcher{JSONPath: "sub", Operator: models.OpEquals, Value: "alice"}, true},
		{"equals miss", models.ClaimMatcher{JSONPath: "sub", Operator: models.OpEquals, Value: "bob"}, false},
		{"equals number stringified", models.ClaimMatcher{JSONPath: "level", Operator: models.OpEquals, Value: "3"}, true},
		{"not_equals hit", models.ClaimMatcher{JSONPath: "sub", Operator: models.OpNotEquals, Value: "bob"}, true},
		{"not_equals on missing claim is false", models.ClaimMatcher{JSONPath: "absent", Operator: models.OpNotEquals, Value: "x"}, false},
		{"contains substring", models.ClaimMatcher{JSONPath: "email", Operator: models.OpContains, Value: "@corp."}, true},
		{"contains array membership", models.ClaimMatcher{JSONPath: "realm_access.roles", Operator: models.OpContains, Value: "support"}, true},
		{"contains array miss", models.ClaimMatcher{JSONPath: "realm_access.roles", Operator: models.OpContains, Value: "admin"}, false},
		{"not_contains hit", models.ClaimMatcher{JSONPath: "groups", Operator: models.OpNotContains, Value: "us-east"}, true},
		{"not_contains on missing claim is false", models.ClaimMatcher{JSONPath: "absent", Operator: models.OpNotContains, Value: "x"}, false},
		{"matches anchored at start", models.ClaimMatcher{JSONPath: "email", Operator: models.OpMatches, Value: `alice@`}, true},
		{"matches does not float", models.ClaimMatcher{JSONPath: "email", Operator: models.OpMatches, Value: `corp`}, false},
		{"matches invalid pattern fails closed", models.ClaimMatcher{JSONPath: "email", Operator: models.OpMatches, Value: `[`}, false},
		{"in list", models.ClaimMatcher{JSONPath: "sub", Operator: models.OpIn, Value: "alice, bob, carol"}, true},
		{"in list miss", models.ClaimMatcher{JSONPath: "sub", Operator: models.OpIn, Value: "bob,carol"}, false},
		{"not_in hit", models.ClaimMatcher{JSONPath: "sub", Operator: models.OpNotIn, Value: "bob,carol"}, true},
		{"not_in on missing claim is false", models.ClaimMatcher{JSONPath: "absent", Operator: models.OpNotIn, Value: "bob"}, false},
		{"exists hit", models.ClaimMatcher{JSONPath: "realm_access.roles", Operator: models.OpExists}, true},
		{"exists missing", models.ClaimMatcher{JSONPath: "absent", Operator: models.OpExists}, false},
		{"exists null value", models.ClaimMatcher{JSONPath: "null", Operator: models.OpExists}, false},
		{"unknown operator", models.ClaimMatcher{JSONPath: "sub", Operator: "fuzzy", Value: "alice"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateMatcher(tt.matcher, claims); got != tt.want {
				t.Errorf("EvaluateMatcher = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluatePolicyAndsMatchers(t *testing.T) {
	claims := sampleClaims()
	policy := models.AccessPolicy{
		IsActive: true,
		ClaimMatchers: []models.ClaimMatcher{
			{JSONPath: "realm_access.roles", Operator: models.OpContains, Value: "support"},
			{JSONPath: "groups", Operator: models.OpContains, Value: "tier-2"},
		},
	}
	if !EvaluatePolicy(policy, claims) {
		t.Error("all matchers pass, want grant")
	}

	policy.ClaimMatchers = append(policy.ClaimMatchers,
		models.ClaimMatcher{JSONPath: "sub", Operator: models.OpEquals, Value: "bob"})
	if EvaluatePolicy(policy, claims) {
		t.Error("one failing matcher must deny the policy")
	}

	if !EvaluatePolicy(models.AccessPolicy{IsActive: true}, claims) {
		t.Error("policy without matchers grants unconditionally")
	}
}

type staticPolicies struct {
	policies []models.AccessPolicy
	epoch    uint64
	calls    int
}

func (s *staticPolicies) ActivePolicies() []models.AccessPolicy {
	s.calls++
	return s.policies
}

func (s *staticPolicies) PolicyEpoch() uint64 { return s.epoch }

func TestResolveUnionsPassingPolicies(t *testing.T) {
	provider := &staticPolicies{policies: []models.AccessPolicy{
		{
			IsActive: true, Priority: 10,
			ClaimMatchers:   []models.ClaimMatcher{{JSONPath: "realm_access.roles", Operator: models.OpContains, Value: "support"}},
			AllowedGroupIDs: []string{"g-support", "g-common"},
		},
		{
			IsActive: true, Priority: 5,
			ClaimMatchers:   []models.ClaimMatcher{{JSONPath: "groups", Operator: models.OpContains, Value: "tier-2"}},
			AllowedGroupIDs: []string{"g-tier2", "g-common"},
		},
		{
			IsActive: true, Priority: 1,
			ClaimMatchers:   []models.ClaimMatcher{{JSONPath: "sub", Operator: models.OpEquals, Value: "bob"}},
			AllowedGroupIDs: []string{"g-bob-only"},
		},
		{
			IsActive:        false,
			AllowedGroupIDs: []string{"g-inactive"},
		},
	}}
	r := NewResolver(ResolverOptions{Provider: provider})

	got, err := r.Resolve(context.Background(), sampleClaims(), false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"g-common", "g-support", "g-tier2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve = %v, want %v", got, want)
	}
}

func TestResolveNoMatchIsEmpty(t *testing.T) {
	provider := &staticPolicies{policies: []models.AccessPolicy{{
		IsActive:        true,
		ClaimMatchers:   []models.ClaimMatcher{{JSONPath: "sub", Operator: models.OpEquals, Value: "nobody"}},
		AllowedGroupIDs: []string{"g-1"},
	}}}
	r := NewResolver(ResolverOptions{Provider: provider})

	got, err := r.Resolve(context.Background(), sampleClaims(), false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Resolve = %v, want empty", got)
	}
}

func TestResolveCaching(t *testing.T) {
	provider := &staticPolicies{policies: []models.AccessPolicy{{
		IsActive:        true,
		AllowedGroupIDs: []string{"g-1"},
	}}}
	store := cache.NewMemoryStore(cache.MemoryStoreOptions{})
	defer store.Close()
	r := NewResolver(ResolverOptions{Provider: provider, Store: store, TTL: time.Minute})

	ctx := context.Background()
	claims := sampleClaims()

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(ctx, claims, false); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (cached)", provider.calls)
	}

	// skipCache forces recomputation.
	if _, err := r.Resolve(ctx, claims, true); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if provider.calls != 2 {
		t.Errorf("provider calls = %d, want 2", provider.calls)
	}

	// A policy change bumps the epoch, which misses the cache.
	provider.epoch++
	if _, err := r.Resolve(ctx, claims, false); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if provider.calls != 3 {
		t.Errorf("provider calls = %d, want 3 after epoch bump", provider.calls)
	}

	// A different subject has its own cache entry.
	other := sampleClaims()
	other["sub"] = "bob"
	if _, err := r.Resolve(ctx, other, false); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if provider.calls != 4 {
		t.Errorf("provider calls = %d, want 4 for new subject", provider.calls)
	}
}
