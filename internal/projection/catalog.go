// Package projection maintains the tools provider's read models: the
// catalog view (sources, tools, groups, policies) and per-group resolved
// tool sets, kept eventually consistent with the event log by the
// projector.
package projection

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/eventstore"
	"github.com/parleyhq/parley/pkg/models"
)

// Catalog is the in-memory read model. One projector writes it; request
// handlers read it concurrently.
type Catalog struct {
	mu sync.RWMutex

	sources  map[string]models.UpstreamSource
	tools    map[string]models.SourceTool
	bySource map[string]map[string]bool
	groups   map[string]models.ToolGroup

	// resolved holds each active group's resolved callable tool set:
	// ((selector matches ∪ explicit) ∩ callable) − excluded.
	resolved map[string]map[string]bool

	policies    map[string]models.AccessPolicy
	policyEpoch atomic.Uint64

	// applied tracks the last folded version per stream. Mediator
	// delivery and reconcile replay overlap; the per-stream check makes
	// double delivery a no-op regardless of cross-stream arrival order.
	applied map[string]int64

	position atomic.Int64
}

func NewCatalog() *Catalog {
	return &Catalog{
		sources:  make(map[string]models.UpstreamSource),
		tools:    make(map[string]models.SourceTool),
		bySource: make(map[string]map[string]bool),
		groups:   make(map[string]models.ToolGroup),
		resolved: make(map[string]map[string]bool),
		policies: make(map[string]models.AccessPolicy),
		applied:  make(map[string]int64),
	}
}

// Position is the highest global event position folded into the model.
func (c *Catalog) Position() int64 { return c.position.Load() }

// SourceIDs lists known source ids, sorted.
func (c *Catalog) SourceIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sources))
	for id := range c.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Source returns one source DTO.
func (c *Catalog) Source(id string) (models.UpstreamSource, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sources[id]
	return s, ok
}

// ToolIDsForSource lists the tool ids attributed to a source, sorted.
func (c *Catalog) ToolIDsForSource(sourceID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.bySource[sourceID]))
	for id := range c.bySource[sourceID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tool returns one tool DTO.
func (c *Catalog) Tool(id string) (models.SourceTool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[id]
	return t, ok
}

// Group returns one group DTO.
func (c *Catalog) Group(id string) (models.ToolGroup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[id]
	return g, ok
}

// ResolvedToolIDs returns a group's resolved tool set, sorted. Inactive and
// unknown groups resolve to nothing.
func (c *Catalog) ResolvedToolIDs(groupID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.resolved[groupID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ToolInGroups reports whether any of the groups resolves the tool. This is
// the authorization check behind tool calls.
func (c *Catalog) ToolInGroups(toolID string, groupIDs []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, gid := range groupIDs {
		if c.resolved[gid][toolID] {
			return true
		}
	}
	return false
}

// ManifestFor builds the agent-facing tool list for a set of granted
// groups: the union of their resolved sets, one manifest per tool, sorted
// by tool id.
func (c *Catalog) ManifestFor(groupIDs []string) []models.ToolManifest {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := map[string]bool{}
	var manifests []models.ToolManifest
	for _, gid := range groupIDs {
		for toolID := range c.resolved[gid] {
			if seen[toolID] {
				continue
			}
			seen[toolID] = true
			tool, ok := c.tools[toolID]
			if !ok {
				continue
			}
			manifests = append(manifests, models.ToolManifest{
				ToolID:      tool.Definition.ID,
				Name:        tool.Definition.Name,
				Description: tool.Definition.Description,
				InputSchema: tool.Definition.InputSchema,
				SourceID:    tool.SourceID,
				SourcePath:  tool.Definition.SourcePath,
				Tags:        tool.Definition.Tags,
				Version:     tool.Definition.Version,
			})
		}
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ToolID < manifests[j].ToolID })
	return manifests
}

// ActivePolicies returns active policies sorted by descending priority,
// satisfying the access resolver's provider contract.
func (c *Catalog) ActivePolicies() []models.AccessPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var active []models.AccessPolicy
	for _, p := range c.policies {
		if p.IsActive {
			active = append(active, p)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].ID < active[j].ID
	})
	return active
}

// PolicyEpoch changes whenever any policy event lands, invalidating cached
// access resolutions.
func (c *Catalog) PolicyEpoch() uint64 { return c.policyEpoch.Load() }

// callable mirrors the catalog invariant: tool enabled, active, and its
// source enabled. Callers hold at least the read lock.
func (c *Catalog) callable(tool models.SourceTool) bool {
	if !tool.Callable() {
		return false
	}
	src, ok := c.sources[tool.SourceID]
	return ok && src.IsEnabled
}

// resolveGroup recomputes one group's tool set. Caller holds the write
// lock. Returns true when the set changed.
func (c *Catalog) resolveGroup(groupID string) bool {
	group, ok := c.groups[groupID]
	next := map[string]bool{}

	if ok && group.IsActive {
		for toolID, tool := range c.tools {
			if !c.callable(tool) {
				continue
			}
			src := c.sources[tool.SourceID]
			subject := catalog.SubjectFor(tool, src)
			for _, sel := range group.Selectors {
				if catalog.MatchSelector(sel, subject) {
					next[toolID] = true
					break
				}
			}
		}
		for _, toolID := range group.ExplicitToolIDs {
			tool, known := c.tools[toolID]
			if !known || !c.callable(tool) {
				continue
			}
			next[toolID] = true
		}
		for _, toolID := range group.ExcludedToolIDs {
			delete(next, toolID)
		}
	}

	prev := c.resolved[groupID]
	if setsEqual(prev, next) {
		return false
	}
	c.resolved[groupID] = next
	return true
}

// resolveAllGroups recomputes every group, returning whether any changed.
func (c *Catalog) resolveAllGroups() bool {
	changed := false
	for id := range c.groups {
		if c.resolveGroup(id) {
			changed = true
		}
	}
	return changed
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// reset clears the model for a full rebuild.
func (c *Catalog) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = make(map[string]models.UpstreamSource)
	c.tools = make(map[string]models.SourceTool)
	c.bySource = make(map[string]map[string]bool)
	c.groups = make(map[string]models.ToolGroup)
	c.resolved = make(map[string]map[string]bool)
	c.policies = make(map[string]models.AccessPolicy)
	c.applied = make(map[string]int64)
	c.policyEpoch.Add(1)
	c.position.Store(0)
}

// fold applies one event to the DTO maps by replaying it through the write
// model's own fold logic, then recomputes whatever the event invalidates.
// Events at or below the stream's applied version are skipped, which makes
// replay idempotent. The returned flag reports whether any group resolution
// or the policy set changed (the cue for a tools_updated notification).
func (c *Catalog) fold(ev eventstore.Event) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stream := ev.Stream()
	if ev.Version <= c.applied[stream] {
		return false
	}
	c.applied[stream] = ev.Version

	switch ev.AggregateType {
	case catalog.SourceAggregateType:
		agg := &catalog.Source{State: c.sources[ev.AggregateID]}
		agg.Apply(ev)
		c.sources[ev.AggregateID] = agg.State
		// Enablement gates callability for all the source's tools.
		if ev.Type == catalog.EventSourceEnabled || ev.Type == catalog.EventSourceDisabled {
			changed = c.resolveAllGroups()
		}

	case catalog.ToolAggregateType:
		agg := &catalog.Tool{State: c.tools[ev.AggregateID]}
		agg.Apply(ev)
		c.tools[ev.AggregateID] = agg.State
		if agg.State.SourceID != "" {
			set := c.bySource[agg.State.SourceID]
			if set == nil {
				set = map[string]bool{}
				c.bySource[agg.State.SourceID] = set
			}
			set[ev.AggregateID] = true
		}
		changed = c.resolveAllGroups()

	case catalog.GroupAggregateType:
		agg := &catalog.Group{State: c.groups[ev.AggregateID]}
		agg.Apply(ev)
		c.groups[ev.AggregateID] = agg.State
		changed = c.resolveGroup(ev.AggregateID)

	case catalog.PolicyAggregateType:
		agg := &catalog.Policy{State: c.policies[ev.AggregateID]}
		agg.Apply(ev)
		c.policies[ev.AggregateID] = agg.State
		c.policyEpoch.Add(1)
		changed = true
	}

	if ev.GlobalPos > c.position.Load() {
		c.position.Store(ev.GlobalPos)
	}
	return changed
}
