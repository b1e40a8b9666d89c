// Package sync keeps the catalog's tool inventory aligned with upstream
// descriptors. A sync fetches and normalizes one source, diffs the result
// against the known inventory by hash, and records catalog events for
// everything that changed.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/sourceadapter"
	"github.com/parleyhq/parley/pkg/models"
)

// Index is the read-model view syncs diff against: which sources exist and
// which tool ids each currently owns.
type Index interface {
	SourceIDs() []string
	ToolIDsForSource(sourceID string) []string
}

// Result summarizes one source sync.
type Result struct {
	SourceID   string
	Discovered int
	Updated    int
	Deprecated int
	Restored   int
	Unchanged  bool
	Warnings   []string
}

// RegisterParams describe a new upstream source.
type RegisterParams struct {
	Name            string
	DescriptorURL   string
	Type            models.SourceType
	Auth            models.AuthConfig
	DefaultAudience string
}

// Options configure the service.
type Options struct {
	Repository *catalog.Repository
	Index      Index
	Adapters   sourceadapter.Deps

	// AdapterFor overrides adapter selection; defaults to
	// sourceadapter.ForSource over Adapters.
	AdapterFor func(models.SourceType) (sourceadapter.Adapter, error)

	// Schedule is a cron spec for periodic re-sync, e.g. "@every 15m".
	// Empty disables the scheduler; on-demand syncs still work.
	Schedule string

	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// Service drives source registration and the sync lifecycle.
type Service struct {
	repo       *catalog.Repository
	index      Index
	adapterFor func(models.SourceType) (sourceadapter.Adapter, error)
	schedule   string
	metrics    *observability.Metrics
	logger     *observability.Logger

	cron *cron.Cron
}

func New(opts Options) *Service {
	adapterFor := opts.AdapterFor
	if adapterFor == nil {
		deps := opts.Adapters
		adapterFor = func(t models.SourceType) (sourceadapter.Adapter, error) {
			return sourceadapter.ForSource(t, deps)
		}
	}
	return &Service{
		repo:       opts.Repository,
		index:      opts.Index,
		adapterFor: adapterFor,
		schedule:   opts.Schedule,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
}

// Start arms the periodic re-sync scheduler.
func (s *Service) Start() error {
	if s.schedule == "" {
		return nil
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.SyncAll(context.Background())
	}); err != nil {
		return fmt.Errorf("register sync schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for an in-flight run.
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// RegisterSource creates the source aggregate and runs its first sync. The
// source exists even when that sync fails; its health reflects the failure.
func (s *Service) RegisterSource(ctx context.Context, params RegisterParams) (models.UpstreamSource, *Result, error) {
	src := catalog.RegisterSource(
		uuid.NewString(), params.Name, params.DescriptorURL,
		params.Type, params.Auth, params.DefaultAudience,
	)
	if err := s.repo.SaveSource(ctx, src); err != nil {
		return models.UpstreamSource{}, nil, fmt.Errorf("save source: %w", err)
	}

	result, err := s.SyncSource(ctx, src.State.ID)
	if err != nil {
		// Registration stands; report the sync failure alongside.
		refreshed, loadErr := s.repo.LoadSource(ctx, src.State.ID)
		if loadErr == nil {
			return refreshed.State, nil, err
		}
		return src.State, nil, err
	}

	refreshed, err := s.repo.LoadSource(ctx, src.State.ID)
	if err != nil {
		return src.State, result, nil
	}
	return refreshed.State, result, nil
}

// SyncAll re-syncs every known enabled source. Failures are logged and
// recorded on the source; one bad source never blocks the rest.
func (s *Service) SyncAll(ctx context.Context) {
	for _, id := range s.index.SourceIDs() {
		if _, err := s.SyncSource(ctx, id); err != nil && !errors.Is(err, ErrSourceDisabled) {
			if s.logger != nil {
				s.logger.Warn(ctx, "source sync failed", "source_id", id, "error", err)
			}
		}
	}
}

// ErrSourceDisabled marks a sync skipped because the source is disabled.
var ErrSourceDisabled = catalog.ErrSourceDisabled

// SyncSource fetches one source's descriptor and reconciles the catalog
// with it. Fetch or parse failures are recorded on the source aggregate
// (degrading its health) and returned.
func (s *Service) SyncSource(ctx context.Context, sourceID string) (*Result, error) {
	src, err := s.repo.LoadSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if !src.State.IsEnabled {
		return nil, ErrSourceDisabled
	}

	adapter, err := s.adapterFor(src.State.Type)
	if err != nil {
		return nil, err
	}

	ingested, err := adapter.FetchAndNormalize(ctx, src.State)
	if err != nil {
		src.RecordSyncFailure(err.Error())
		if saveErr := s.repo.SaveSource(ctx, src); saveErr != nil {
			return nil, fmt.Errorf("record sync failure: %w", saveErr)
		}
		s.recordMetric(sourceID, "failure")
		return nil, fmt.Errorf("sync source %q: %w", src.State.Name, err)
	}

	result := &Result{SourceID: sourceID, Warnings: ingested.Warnings}

	if ingested.InventoryHash == src.State.InventoryHash {
		// Nothing moved upstream; still a successful sync, so the
		// failure counter resets.
		result.Unchanged = true
	} else if err := s.reconcileTools(ctx, sourceID, ingested, result); err != nil {
		src.RecordSyncFailure(err.Error())
		if saveErr := s.repo.SaveSource(ctx, src); saveErr != nil {
			return nil, fmt.Errorf("record sync failure: %w", saveErr)
		}
		s.recordMetric(sourceID, "failure")
		return nil, err
	}

	src.RecordSyncSuccess(ingested.InventoryHash, len(ingested.Tools), ingested.SourceVersion)
	if err := s.repo.SaveSource(ctx, src); err != nil {
		return nil, fmt.Errorf("record sync success: %w", err)
	}
	s.recordMetric(sourceID, "success")

	if s.logger != nil {
		s.logger.Info(ctx, "source synced",
			"source_id", sourceID,
			"discovered", result.Discovered,
			"updated", result.Updated,
			"deprecated", result.Deprecated,
			"restored", result.Restored,
			"unchanged", result.Unchanged,
		)
	}
	return result, nil
}

// reconcileTools diffs the ingested inventory against the tools currently
// attributed to the source. New operations are discovered, changed ones
// updated (hash-gated inside the aggregate), vanished ones deprecated, and
// previously deprecated ones that reappear restored.
func (s *Service) reconcileTools(ctx context.Context, sourceID string, ingested *sourceadapter.IngestionResult, result *Result) error {
	seen := make(map[string]bool, len(ingested.Tools))

	for _, def := range ingested.Tools {
		seen[def.ID] = true
		hash := sourceadapter.DefinitionHash(def)

		tool, err := s.repo.LoadTool(ctx, def.ID)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			tool = catalog.DiscoverTool(sourceID, def, hash)
			result.Discovered++
		case err != nil:
			return fmt.Errorf("load tool %q: %w", def.ID, err)
		default:
			if tool.State.Status == models.ToolStatusDeprecated {
				tool.Restore()
				result.Restored++
			}
			before := tool.State.DefinitionHash
			tool.UpdateDefinition(def, hash)
			if tool.State.DefinitionHash != before {
				result.Updated++
			}
		}

		if err := s.repo.SaveTool(ctx, tool); err != nil {
			return fmt.Errorf("save tool %q: %w", def.ID, err)
		}
	}

	for _, toolID := range s.index.ToolIDsForSource(sourceID) {
		if seen[toolID] {
			continue
		}
		tool, err := s.repo.LoadTool(ctx, toolID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				continue
			}
			return fmt.Errorf("load tool %q: %w", toolID, err)
		}
		if tool.State.Status == models.ToolStatusDeprecated {
			continue
		}
		tool.Deprecate("absent from source inventory")
		result.Deprecated++
		if err := s.repo.SaveTool(ctx, tool); err != nil {
			return fmt.Errorf("deprecate tool %q: %w", toolID, err)
		}
	}
	return nil
}

func (s *Service) recordMetric(sourceID, status string) {
	if s.metrics != nil {
		s.metrics.RecordSourceSync(sourceID, status)
	}
}
