package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/parleyhq/parley/internal/eventstore"
	"github.com/parleyhq/parley/pkg/models"
)

func sampleDefinition(sourceID, op string) models.ToolDefinition {
	return models.ToolDefinition{
		ID:          models.ToolID(sourceID, op),
		OperationID: op,
		Name:        op,
		Description: "test op",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Profile: models.ExecutionProfile{
			Mode:        models.ModeSyncHTTP,
			Method:      "POST",
			URLTemplate: "https://api.example.com/" + op,
		},
		Tags:       []string{"crm"},
		SourcePath: "/" + op,
	}
}

func TestSourceLifecycle(t *testing.T) {
	s := RegisterSource("src-1", "crm", "https://crm.example.com/openapi.json",
		models.SourceTypeOpenAPI, models.AuthConfig{Type: "none"}, "crm-api")

	if !s.State.IsEnabled {
		t.Error("new source should be enabled")
	}
	if s.State.Health != models.SourceUnknown {
		t.Errorf("health = %s, want unknown before first sync", s.State.Health)
	}

	s.RecordSyncSuccess("abc123", 7, "1.2.0")
	if s.State.Health != models.SourceHealthy {
		t.Errorf("health = %s, want healthy", s.State.Health)
	}
	if s.State.InventoryHash != "abc123" || s.State.InventoryCount != 7 {
		t.Errorf("inventory = %s/%d", s.State.InventoryHash, s.State.InventoryCount)
	}

	s.RecordSyncFailure("connection refused")
	s.RecordSyncFailure("connection refused")
	if s.State.Health != models.SourceDegraded {
		t.Errorf("health after 2 failures = %s, want degraded", s.State.Health)
	}
	s.RecordSyncFailure("connection refused")
	if s.State.Health != models.SourceUnhealthy {
		t.Errorf("health after 3 failures = %s, want unhealthy", s.State.Health)
	}

	s.RecordSyncSuccess("abc123", 7, "")
	if s.State.Health != models.SourceHealthy || s.State.ConsecutiveFailures != 0 {
		t.Error("success must reset the failure counter")
	}

	before := len(s.UncommittedEvents())
	s.Enable() // already enabled
	if len(s.UncommittedEvents()) != before {
		t.Error("enable on enabled source must record nothing")
	}
	s.Disable("maintenance")
	if s.State.IsEnabled {
		t.Error("source should be disabled")
	}
	s.Disable("again")
	if got := len(s.UncommittedEvents()); got != before+1 {
		t.Errorf("second disable recorded an event (%d events)", got)
	}
}

func TestToolDeprecateForcesDisable(t *testing.T) {
	tool := DiscoverTool("src-1", sampleDefinition("src-1", "create_lead"), "h1")
	if !tool.State.IsEnabled || tool.State.Status != models.ToolStatusActive {
		t.Fatal("discovered tool should be enabled and active")
	}

	tool.Deprecate("absent from inventory")
	if tool.State.Status != models.ToolStatusDeprecated {
		t.Error("status should be deprecated")
	}
	if tool.State.IsEnabled {
		t.Error("deprecation must force is_enabled=false")
	}

	before := len(tool.UncommittedEvents())
	tool.Deprecate("again")
	if len(tool.UncommittedEvents()) != before {
		t.Error("deprecate on deprecated tool must record nothing")
	}

	tool.Restore()
	if tool.State.Status != models.ToolStatusActive || !tool.State.IsEnabled {
		t.Error("restore must re-activate and re-enable")
	}
	before = len(tool.UncommittedEvents())
	tool.Restore()
	if len(tool.UncommittedEvents()) != before {
		t.Error("restore on active tool must record nothing")
	}
}

func TestToolUpdateDefinitionByHash(t *testing.T) {
	tool := DiscoverTool("src-1", sampleDefinition("src-1", "create_lead"), "h1")
	before := len(tool.UncommittedEvents())

	tool.UpdateDefinition(sampleDefinition("src-1", "create_lead"), "h1")
	if len(tool.UncommittedEvents()) != before {
		t.Error("unchanged hash must record nothing")
	}

	def := sampleDefinition("src-1", "create_lead")
	def.Description = "changed"
	tool.UpdateDefinition(def, "h2")
	if tool.State.DefinitionHash != "h2" || tool.State.Definition.Description != "changed" {
		t.Error("definition not updated")
	}
}

func TestToolEnableDisableIdempotent(t *testing.T) {
	tool := DiscoverTool("src-1", sampleDefinition("src-1", "create_lead"), "h1")
	before := len(tool.UncommittedEvents())
	tool.Enable()
	if len(tool.UncommittedEvents()) != before {
		t.Error("enable after enable must record nothing")
	}
	tool.Disable("op request")
	tool.Disable("op request")
	if got := len(tool.UncommittedEvents()); got != before+1 {
		t.Errorf("disable recorded %d events, want 1", got-before)
	}
}

func TestToolLabels(t *testing.T) {
	tool := DiscoverTool("src-1", sampleDefinition("src-1", "create_lead"), "h1")
	tool.AddLabel("l-1")
	tool.AddLabel("l-1")
	tool.AddLabel("l-2")
	if !reflect.DeepEqual(tool.State.LabelIDs, []string{"l-1", "l-2"}) {
		t.Errorf("labels = %v", tool.State.LabelIDs)
	}
	tool.RemoveLabel("l-1")
	tool.RemoveLabel("gone")
	if !reflect.DeepEqual(tool.State.LabelIDs, []string{"l-2"}) {
		t.Errorf("labels = %v", tool.State.LabelIDs)
	}
}

func TestGroupMembershipEdits(t *testing.T) {
	g := CreateGroup("", "crm-tools", "")
	if !g.State.IsActive {
		t.Error("new group should be active")
	}

	g.SetSelectors([]models.ToolSelector{{SourcePattern: "crm*"}})
	g.IncludeTool("other:ping")
	g.IncludeTool("other:ping")
	g.ExcludeTool("crm:delete_all")
	if !reflect.DeepEqual(g.State.ExplicitToolIDs, []string{"other:ping"}) {
		t.Errorf("explicit = %v", g.State.ExplicitToolIDs)
	}
	if !reflect.DeepEqual(g.State.ExcludedToolIDs, []string{"crm:delete_all"}) {
		t.Errorf("excluded = %v", g.State.ExcludedToolIDs)
	}

	g.UnincludeTool("other:ping")
	g.UnexcludeTool("crm:delete_all")
	if len(g.State.ExplicitToolIDs) != 0 || len(g.State.ExcludedToolIDs) != 0 {
		t.Error("membership edits not reversed")
	}

	g.Deactivate()
	g.Deactivate()
	if g.State.IsActive {
		t.Error("group should be inactive")
	}
}

func TestPolicyLifecycle(t *testing.T) {
	matchers := []models.ClaimMatcher{{JSONPath: "realm_access.roles", Operator: models.OpContains, Value: "support"}}
	p := DefinePolicy("", "support-access", matchers, []string{"g-1"}, 10)
	if !p.State.IsActive || p.State.Priority != 10 {
		t.Errorf("state = %+v", p.State)
	}

	p.Update(nil, []string{"g-1", "g-2"}, 20)
	if p.State.Priority != 20 || len(p.State.AllowedGroupIDs) != 2 || p.State.ClaimMatchers != nil {
		t.Errorf("update not applied: %+v", p.State)
	}

	p.Deactivate()
	if p.State.IsActive {
		t.Error("policy should be inactive")
	}
	before := len(p.UncommittedEvents())
	p.Deactivate()
	if len(p.UncommittedEvents()) != before {
		t.Error("deactivate on inactive policy must record nothing")
	}
}

func TestReplayEqualsDirectExecution(t *testing.T) {
	store := eventstore.NewMemoryStore()
	repo := NewRepository(store)
	ctx := context.Background()

	tool := DiscoverTool("src-1", sampleDefinition("src-1", "create_lead"), "h1")
	tool.AddLabel("l-1")
	tool.Deprecate("gone")
	tool.Restore()
	if err := repo.SaveTool(ctx, tool); err != nil {
		t.Fatalf("SaveTool: %v", err)
	}

	replayed, err := repo.LoadTool(ctx, tool.ID())
	if err != nil {
		t.Fatalf("LoadTool: %v", err)
	}
	if !reflect.DeepEqual(replayed.State, tool.State) {
		t.Errorf("replayed state diverges:\n got %+v\nwant %+v", replayed.State, tool.State)
	}
	if replayed.Version() != tool.Version() {
		t.Errorf("version = %d, want %d", replayed.Version(), tool.Version())
	}
}

func TestRepositoryVersionConflict(t *testing.T) {
	store := eventstore.NewMemoryStore()
	repo := NewRepository(store)
	ctx := context.Background()

	s := RegisterSource("src-1", "crm", "https://crm.example.com/openapi.json",
		models.SourceTypeOpenAPI, models.AuthConfig{}, "")
	if err := repo.SaveSource(ctx, s); err != nil {
		t.Fatalf("SaveSource: %v", err)
	}

	a, err := repo.LoadSource(ctx, "src-1")
	if err != nil {
		t.Fatalf("LoadSource: %v", err)
	}
	b, err := repo.LoadSource(ctx, "src-1")
	if err != nil {
		t.Fatalf("LoadSource: %v", err)
	}

	a.Disable("first writer")
	if err := repo.SaveSource(ctx, a); err != nil {
		t.Fatalf("SaveSource(a): %v", err)
	}
	b.Disable("second writer")
	if err := repo.SaveSource(ctx, b); !errors.Is(err, eventstore.ErrVersionConflict) {
		t.Errorf("err = %v, want version conflict", err)
	}
}

func TestLoadMissing(t *testing.T) {
	repo := NewRepository(eventstore.NewMemoryStore())
	if _, err := repo.LoadGroup(context.Background(), "nope"); err == nil {
		t.Error("expected not found")
	}
}

func TestMatchSelector(t *testing.T) {
	subject := SelectorSubject{
		SourceID:   "src-1",
		SourceName: "crm",
		ToolName:   "create_lead",
		Path:       "/leads",
		Method:     "POST",
		Tags:       []string{"CRM", "write"},
		LabelIDs:   []string{"l-approved"},
	}

	tests := []struct {
		name string
		sel  models.ToolSelector
		want bool
	}{
		{"empty selector matches all", models.ToolSelector{}, true},
		{"glob source name", models.ToolSelector{SourcePattern: "crm"}, true},
		{"glob source id", models.ToolSelector{SourcePattern: "src-*"}, true},
		{"glob case-insensitive", models.ToolSelector{NamePattern: "CREATE_*"}, true},
		{"glob miss", models.ToolSelector{NamePattern: "delete_*"}, false},
		{"regex prefix", models.ToolSelector{NamePattern: "regex:^create_(lead|deal)$"}, true},
		{"regex case-insensitive", models.ToolSelector{MethodPattern: "regex:post"}, true},
		{"regex invalid fails closed", models.ToolSelector{NamePattern: "regex:["}, false},
		{"path pattern", models.ToolSelector{PathPattern: "/leads"}, true},
		{"method glob", models.ToolSelector{MethodPattern: "P*"}, true},
		{"required tag case-insensitive", models.ToolSelector{RequiredTags: []string{"crm"}}, true},
		{"required tag missing", models.ToolSelector{RequiredTags: []string{"billing"}}, false},
		{"excluded tag present", models.ToolSelector{ExcludedTags: []string{"write"}}, false},
		{"required label", models.ToolSelector{RequiredLabelIDs: []string{"l-approved"}}, true},
		{"required label missing", models.ToolSelector{RequiredLabelIDs: []string{"l-other"}}, false},
		{"all criteria together", models.ToolSelector{
			SourcePattern: "crm", NamePattern: "create_*", MethodPattern: "POST",
			RequiredTags: []string{"crm"},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchSelector(tt.sel, subject); got != tt.want {
				t.Errorf("MatchSelector = %v, want %v", got, tt.want)
			}
		})
	}
}
