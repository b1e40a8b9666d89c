package projection

import (
	"context"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/eventstore"
	"github.com/parleyhq/parley/pkg/models"
)

type fixture struct {
	store   *eventstore.MemoryStore
	repo    *catalog.Repository
	catalog *Catalog
	proj    *Projector
	bus     *cache.MemoryBus
}

// newFixture wires the live path the services use: repository writes go
// through a publishing store whose mediator fans out to the projector.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := eventstore.NewMemoryStore()
	t.Cleanup(func() { mem.Close() })

	mediator := eventstore.NewMediator(nil)
	publishing := eventstore.NewPublishingStore(mem, mediator, nil)

	bus := cache.NewMemoryBus()
	readModel := NewCatalog()
	proj := NewProjector(Options{Store: mem, Catalog: readModel, Bus: bus})
	proj.Register(mediator)

	return &fixture{
		store:   mem,
		repo:    catalog.NewRepository(publishing),
		catalog: readModel,
		proj:    proj,
		bus:     bus,
	}
}

func definition(sourceID, name, path, method string, tags ...string) models.ToolDefinition {
	return models.ToolDefinition{
		ID:          models.ToolID(sourceID, name),
		OperationID: name,
		Name:        name,
		Description: "does " + name,
		InputSchema: []byte(`{"type":"object","properties":{}}`),
		Profile: models.ExecutionProfile{
			Mode:        models.ModeSyncHTTP,
			Method:      method,
			URLTemplate: "https://api.example.com" + path,
		},
		Tags:       tags,
		SourcePath: path,
	}
}

func (f *fixture) seedSource(t *testing.T, id, name string) {
	t.Helper()
	src := catalog.RegisterSource(id, name, "https://x/openapi.json", models.SourceTypeOpenAPI, models.AuthConfig{}, "")
	if err := f.repo.SaveSource(context.Background(), src); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) seedTool(t *testing.T, sourceID string, def models.ToolDefinition) {
	t.Helper()
	tool := catalog.DiscoverTool(sourceID, def, "h1")
	if err := f.repo.SaveTool(context.Background(), tool); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) seedGroup(t *testing.T, id, name string, selectors []models.ToolSelector) {
	t.Helper()
	g := catalog.CreateGroup(id, name, "")
	if len(selectors) > 0 {
		g.SetSelectors(selectors)
	}
	if err := f.repo.SaveGroup(context.Background(), g); err != nil {
		t.Fatal(err)
	}
}

func TestLiveProjectionResolvesGroups(t *testing.T) {
	f := newFixture(t)

	f.seedSource(t, "src-1", "billing")
	f.seedTool(t, "src-1", definition("src-1", "list_invoices", "/invoices", "GET", "billing"))
	f.seedTool(t, "src-1", definition("src-1", "delete_invoice", "/invoices/{id}", "DELETE", "billing", "destructive"))
	f.seedGroup(t, "grp-1", "billing-read", []models.ToolSelector{
		{SourcePattern: "billing", ExcludedTags: []string{"destructive"}},
	})

	ids := f.catalog.ResolvedToolIDs("grp-1")
	if len(ids) != 1 || ids[0] != "src-1:list_invoices" {
		t.Fatalf("resolved = %v", ids)
	}

	manifests := f.catalog.ManifestFor([]string{"grp-1"})
	if len(manifests) != 1 || manifests[0].ToolID != "src-1:list_invoices" {
		t.Fatalf("manifests = %+v", manifests)
	}
	if manifests[0].SourceID != "src-1" || manifests[0].Description != "does list_invoices" {
		t.Errorf("manifest = %+v", manifests[0])
	}

	if !f.catalog.ToolInGroups("src-1:list_invoices", []string{"grp-1"}) {
		t.Error("membership check failed for resolved tool")
	}
	if f.catalog.ToolInGroups("src-1:delete_invoice", []string{"grp-1"}) {
		t.Error("excluded-tag tool must not be a member")
	}
}

func TestDisablingGatesCallability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSource(t, "src-1", "billing")
	f.seedTool(t, "src-1", definition("src-1", "list_invoices", "/invoices", "GET"))
	f.seedGroup(t, "grp-1", "all", []models.ToolSelector{{}})

	if got := f.catalog.ResolvedToolIDs("grp-1"); len(got) != 1 {
		t.Fatalf("resolved = %v", got)
	}

	// Disable the tool.
	tool, err := f.repo.LoadTool(ctx, "src-1:list_invoices")
	if err != nil {
		t.Fatal(err)
	}
	tool.Disable("manual")
	if err := f.repo.SaveTool(ctx, tool); err != nil {
		t.Fatal(err)
	}
	if got := f.catalog.ResolvedToolIDs("grp-1"); len(got) != 0 {
		t.Fatalf("disabled tool still resolved: %v", got)
	}

	// Re-enable, then disable the whole source.
	tool, _ = f.repo.LoadTool(ctx, "src-1:list_invoices")
	tool.Enable()
	if err := f.repo.SaveTool(ctx, tool); err != nil {
		t.Fatal(err)
	}
	if got := f.catalog.ResolvedToolIDs("grp-1"); len(got) != 1 {
		t.Fatalf("re-enabled tool missing: %v", got)
	}

	src, err := f.repo.LoadSource(ctx, "src-1")
	if err != nil {
		t.Fatal(err)
	}
	src.Disable("maintenance")
	if err := f.repo.SaveSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	if got := f.catalog.ResolvedToolIDs("grp-1"); len(got) != 0 {
		t.Fatalf("disabled source's tool still resolved: %v", got)
	}
}

func TestExplicitAndExcludedMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSource(t, "src-1", "crm")
	f.seedTool(t, "src-1", definition("src-1", "a", "/a", "GET"))
	f.seedTool(t, "src-1", definition("src-1", "b", "/b", "GET"))
	f.seedGroup(t, "grp-1", "picked", nil)

	g, err := f.repo.LoadGroup(ctx, "grp-1")
	if err != nil {
		t.Fatal(err)
	}
	g.IncludeTool("src-1:a")
	g.IncludeTool("src-1:b")
	g.ExcludeTool("src-1:b")
	if err := f.repo.SaveGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	ids := f.catalog.ResolvedToolIDs("grp-1")
	if len(ids) != 1 || ids[0] != "src-1:a" {
		t.Fatalf("resolved = %v", ids)
	}

	// Deactivated groups resolve to nothing.
	g, _ = f.repo.LoadGroup(ctx, "grp-1")
	g.Deactivate()
	if err := f.repo.SaveGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	if ids := f.catalog.ResolvedToolIDs("grp-1"); len(ids) != 0 {
		t.Fatalf("inactive group resolved %v", ids)
	}
}

func TestExplicitMembershipGatedByCallability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSource(t, "src-1", "billing")
	f.seedTool(t, "src-1", definition("src-1", "delete_invoice", "/invoices/{id}", "DELETE"))
	f.seedGroup(t, "grp-1", "picked", nil)

	g, err := f.repo.LoadGroup(ctx, "grp-1")
	if err != nil {
		t.Fatal(err)
	}
	g.IncludeTool("src-1:delete_invoice")
	if err := f.repo.SaveGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	if ids := f.catalog.ResolvedToolIDs("grp-1"); len(ids) != 1 {
		t.Fatalf("resolved = %v", ids)
	}

	// Disabling the tool removes it even though the inclusion is explicit.
	tool, err := f.repo.LoadTool(ctx, "src-1:delete_invoice")
	if err != nil {
		t.Fatal(err)
	}
	tool.Disable("manual")
	if err := f.repo.SaveTool(ctx, tool); err != nil {
		t.Fatal(err)
	}
	if ids := f.catalog.ResolvedToolIDs("grp-1"); len(ids) != 0 {
		t.Fatalf("disabled explicit tool still resolved: %v", ids)
	}
	if manifests := f.catalog.ManifestFor([]string{"grp-1"}); len(manifests) != 0 {
		t.Fatalf("disabled explicit tool still in manifest: %+v", manifests)
	}
	if f.catalog.ToolInGroups("src-1:delete_invoice", []string{"grp-1"}) {
		t.Error("disabled explicit tool must not pass the membership check")
	}

	// Re-enable, then disable the source; the explicit inclusion still
	// follows source enablement.
	tool, _ = f.repo.LoadTool(ctx, "src-1:delete_invoice")
	tool.Enable()
	if err := f.repo.SaveTool(ctx, tool); err != nil {
		t.Fatal(err)
	}
	if ids := f.catalog.ResolvedToolIDs("grp-1"); len(ids) != 1 {
		t.Fatalf("re-enabled explicit tool missing: %v", ids)
	}
	src, err := f.repo.LoadSource(ctx, "src-1")
	if err != nil {
		t.Fatal(err)
	}
	src.Disable("maintenance")
	if err := f.repo.SaveSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	if ids := f.catalog.ResolvedToolIDs("grp-1"); len(ids) != 0 {
		t.Fatalf("explicit tool of disabled source still resolved: %v", ids)
	}
}

func TestPolicyEventsBumpEpoch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.catalog.PolicyEpoch()
	pol := catalog.DefinePolicy("pol-1", "support", []models.ClaimMatcher{
		{JSONPath: "realm_access.roles", Operator: models.OpContains, Value: "support"},
	}, []string{"grp-1"}, 10)
	if err := f.repo.SavePolicy(ctx, pol); err != nil {
		t.Fatal(err)
	}
	if f.catalog.PolicyEpoch() == before {
		t.Error("policy event must bump the epoch")
	}

	active := f.catalog.ActivePolicies()
	if len(active) != 1 || active[0].ID != "pol-1" {
		t.Fatalf("active = %+v", active)
	}

	loaded, err := f.repo.LoadPolicy(ctx, "pol-1")
	if err != nil {
		t.Fatal(err)
	}
	loaded.Deactivate()
	if err := f.repo.SavePolicy(ctx, loaded); err != nil {
		t.Fatal(err)
	}
	if got := f.catalog.ActivePolicies(); len(got) != 0 {
		t.Fatalf("deactivated policy still active: %+v", got)
	}
}

func TestActivePoliciesPriorityOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, p := range []struct {
		id       string
		priority int
	}{{"pol-low", 1}, {"pol-high", 50}, {"pol-mid", 10}} {
		pol := catalog.DefinePolicy(p.id, p.id, nil, []string{"g"}, p.priority)
		if err := f.repo.SavePolicy(ctx, pol); err != nil {
			t.Fatal(err)
		}
	}
	active := f.catalog.ActivePolicies()
	if len(active) != 3 || active[0].ID != "pol-high" || active[1].ID != "pol-mid" || active[2].ID != "pol-low" {
		t.Fatalf("order = %v", []string{active[0].ID, active[1].ID, active[2].ID})
	}
}

func TestToolsUpdatedNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch, cancel, err := f.bus.Subscribe(ctx, TopicToolsUpdated)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	f.seedSource(t, "src-1", "s")
	f.seedGroup(t, "grp-1", "all", []models.ToolSelector{{}})
	f.seedTool(t, "src-1", definition("src-1", "a", "/a", "GET"))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no tools_updated notification")
	}
}

func TestReconcileCatchesUpColdStore(t *testing.T) {
	// Events written without the mediator (another process's writes).
	mem := eventstore.NewMemoryStore()
	defer mem.Close()
	repo := catalog.NewRepository(mem)
	ctx := context.Background()

	src := catalog.RegisterSource("src-1", "s", "https://x", models.SourceTypeOpenAPI, models.AuthConfig{}, "")
	if err := repo.SaveSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	tool := catalog.DiscoverTool("src-1", definition("src-1", "a", "/a", "GET"), "h")
	if err := repo.SaveTool(ctx, tool); err != nil {
		t.Fatal(err)
	}
	grp := catalog.CreateGroup("grp-1", "all", "")
	grp.SetSelectors([]models.ToolSelector{{}})
	if err := repo.SaveGroup(ctx, grp); err != nil {
		t.Fatal(err)
	}

	readModel := NewCatalog()
	proj := NewProjector(Options{Store: mem, Catalog: readModel})
	if err := proj.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if ids := readModel.ResolvedToolIDs("grp-1"); len(ids) != 1 || ids[0] != "src-1:a" {
		t.Fatalf("resolved after reconcile = %v", ids)
	}
	if readModel.Position() == 0 {
		t.Error("position not advanced")
	}
	pos, err := mem.GetPosition(ctx, ConsumerName)
	if err != nil {
		t.Fatal(err)
	}
	if pos != readModel.Position() {
		t.Errorf("persisted position %d != model %d", pos, readModel.Position())
	}

	// Replaying is idempotent.
	before := readModel.Position()
	fresh := NewProjector(Options{Store: mem, Catalog: readModel})
	if err := fresh.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if readModel.Position() != before {
		t.Errorf("idempotent reconcile moved position %d -> %d", before, readModel.Position())
	}
	if ids := readModel.ResolvedToolIDs("grp-1"); len(ids) != 1 {
		t.Errorf("replay broke resolution: %v", ids)
	}
}

func TestRebuildReplaysFromZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSource(t, "src-1", "s")
	f.seedTool(t, "src-1", definition("src-1", "a", "/a", "GET"))
	f.seedGroup(t, "grp-1", "all", []models.ToolSelector{{}})

	if err := f.proj.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if ids := f.catalog.ResolvedToolIDs("grp-1"); len(ids) != 1 || ids[0] != "src-1:a" {
		t.Fatalf("resolved after rebuild = %v", ids)
	}
	if _, ok := f.catalog.Tool("src-1:a"); !ok {
		t.Error("tool missing after rebuild")
	}
}

func TestRestartReplaysFullState(t *testing.T) {
	mem := eventstore.NewMemoryStore()
	defer mem.Close()
	repo := catalog.NewRepository(mem)
	ctx := context.Background()

	src := catalog.RegisterSource("src-1", "s", "https://x", models.SourceTypeOpenAPI, models.AuthConfig{}, "")
	if err := repo.SaveSource(ctx, src); err != nil {
		t.Fatal(err)
	}

	// First process reconciles and persists its position.
	first := NewProjector(Options{Store: mem, Catalog: NewCatalog()})
	if err := first.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	// A fresh process starts with an empty model but a persisted position
	// ahead of it; reconcile must replay from zero, not resume blind.
	restarted := NewCatalog()
	second := NewProjector(Options{Store: mem, Catalog: restarted})
	if err := second.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := restarted.Source("src-1"); !ok {
		t.Error("restarted model missing source state")
	}
}
