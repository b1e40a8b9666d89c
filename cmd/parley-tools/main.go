// Package main provides the CLI entry point for the Parley tools provider.
//
// The tools provider maintains an event-sourced catalog of upstream tools,
// decides which of them each caller may see, and executes tool calls with
// schema validation, token exchange, and per-source circuit breaking.
//
// # Basic Usage
//
// Start the server:
//
//	parley-tools serve --config parley-tools.yaml
//
// Register an upstream source and sync its inventory:
//
//	parley-tools sources add --config parley-tools.yaml \
//	  --name crm --type openapi --url https://crm.internal/openapi.json
//
// Dry-run a descriptor without touching the catalog:
//
//	parley-tools check-source --type openapi https://crm.internal/openapi.json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/access"
	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/breaker"
	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/catalog"
	catalogsync "github.com/parleyhq/parley/internal/catalog/sync"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/eventstore"
	"github.com/parleyhq/parley/internal/executor"
	"github.com/parleyhq/parley/internal/mcpruntime"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/projection"
	"github.com/parleyhq/parley/internal/ratelimit"
	"github.com/parleyhq/parley/internal/sourceadapter"
	"github.com/parleyhq/parley/internal/tokenex"
	"github.com/parleyhq/parley/internal/toolsapi"
	"github.com/parleyhq/parley/pkg/models"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parley-tools",
		Short: "Parley tools provider - access-controlled tool catalog and executor",
		Long: `The tools provider serves a per-caller tool manifest, streams catalog
updates over SSE, and executes tool calls against upstream OpenAPI and MCP
sources with validation, token exchange, and circuit breaking.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSourcesCmd(),
		buildGroupsCmd(),
		buildPoliciesCmd(),
		buildCheckSourceCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tools provider server",
		Long: `Start the tools provider with the configured event store and sources.

The server will:
1. Load and validate configuration
2. Open the event store and rebuild the catalog read model
3. Start the periodic source sync scheduler
4. Start the HTTP server for the agent-facing API, health, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley-tools.yaml",
		"Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.LoadTools(configPath)
	if err != nil {
		slog.Error("invalid configuration", "path", configPath, "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Observability.Logging.Level,
		Format:         cfg.Observability.Logging.Format,
		AddSource:      cfg.Observability.Logging.AddSource,
		RedactPatterns: cfg.Observability.Logging.RedactPatterns,
	})
	metrics := observability.NewMetrics(nil)
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Attributes:     cfg.Observability.Tracing.Attributes,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	logger.Info(ctx, "starting parley tools provider",
		"version", version, "commit", commit, "config", configPath)

	baseStore, err := eventstore.New(cfg.EventStore)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer baseStore.Close()

	mediator := eventstore.NewMediator(logger)
	store := eventstore.NewPublishingStore(baseStore, mediator, metrics)

	cacheStore, bus, err := buildCache(cfg.Cache)
	if err != nil {
		return fmt.Errorf("build cache: %w", err)
	}

	readModel := projection.NewCatalog()
	projector := projection.NewProjector(projection.Options{
		Store:    store,
		Catalog:  readModel,
		Bus:      bus,
		Interval: cfg.Projection.ReconcileInterval,
		Metrics:  metrics,
		Logger:   logger,
	})
	projector.Register(mediator)
	if err := projector.Reconcile(ctx); err != nil {
		return fmt.Errorf("rebuild catalog read model: %w", err)
	}
	go projector.Run(ctx)

	mcpManager := mcpruntime.NewManager(mcpruntime.Options{Logger: logger})
	repo := catalog.NewRepository(store)

	syncService := catalogsync.New(catalogsync.Options{
		Repository: repo,
		Index:      readModel,
		Adapters: sourceadapter.Deps{
			HTTPClient:            &http.Client{Timeout: cfg.Catalog.FetchTimeout},
			DefaultTimeoutSeconds: float64(cfg.Catalog.DefaultTimeoutSeconds),
			MCPRuntime:            mcpManager,
		},
		Schedule: cfg.Catalog.SyncSchedule,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err := syncService.Start(); err != nil {
		return fmt.Errorf("start sync scheduler: %w", err)
	}
	defer syncService.Stop()

	exchanger := tokenex.New(tokenex.Options{
		TokenURL:     cfg.TokenExchange.TokenURL,
		ClientID:     cfg.TokenExchange.ClientID,
		ClientSecret: cfg.TokenExchange.ClientSecret,
		Disabled:     cfg.TokenExchange.Disabled,
		CacheTTLCap:  cfg.TokenExchange.CacheTTLCap,
		Timeout:      cfg.TokenExchange.Timeout,
		Cache:        cacheStore,
		Metrics:      metrics,
		Logger:       logger,
	})

	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
		OnTransition: func(sourceID string, from, to breaker.State) {
			metrics.RecordBreakerTransition(sourceID, string(to))
			logger.Info(ctx, "breaker transition",
				"source_id", sourceID, "from", string(from), "to", string(to))
		},
	})

	exec := executor.New(executor.Options{
		Exchanger:        exchanger,
		Breakers:         breakers,
		MCP:              mcpManager,
		DefaultTimeout:   time.Duration(cfg.Executor.DefaultTimeoutSeconds) * time.Second,
		MaxConcurrent:    cfg.Executor.MaxConcurrent,
		MaxResponseBytes: cfg.Executor.MaxResponseBytes,
		Metrics:          metrics,
		Tracer:           tracer,
		Logger:           logger,
	})

	resolver := access.NewResolver(access.ResolverOptions{
		Provider: readModel,
		Store:    cacheStore,
		TTL:      cfg.Access.CacheTTL,
		Metrics:  metrics,
		Logger:   logger,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			Enabled: true,
			Rate:    cfg.RateLimit.Rate,
			Burst:   cfg.RateLimit.Burst,
		})
	}

	validator, err := buildAgentValidator(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("build agent validator: %w", err)
	}

	api := toolsapi.NewServer(toolsapi.Options{
		Catalog:   readModel,
		Resolver:  resolver,
		Executor:  exec,
		Validator: validator,
		Limiter:   limiter,
		Updates:   toolsapi.WatchBus(bus),
		Heartbeat: cfg.Server.SSEHeartbeat,
		Metrics:   metrics,
		Logger:    logger,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info(ctx, "tools provider listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("tools provider server: %w", err)
	case <-ctx.Done():
	}

	logger.Info(ctx, "tools provider draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info(context.Background(), "parley tools provider stopped")
	return nil
}

func buildCache(cfg config.CacheConfig) (cache.Store, cache.Bus, error) {
	switch cfg.Backend {
	case "redis":
		rdb := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		return cache.NewRedisStore(rdb, "parley"), cache.NewRedisBus(rdb, "parley"), nil
	case "memory", "":
		return cache.NewMemoryStore(cache.MemoryStoreOptions{}), cache.NewMemoryBus(), nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func buildAgentValidator(ctx context.Context, cfg config.ToolsAuthConfig) (auth.Validator, error) {
	switch cfg.Mode {
	case "static":
		return auth.NewStaticKeyValidator(cfg.StaticKey), nil
	case "jwks":
		return auth.NewJWKSValidator(ctx, auth.JWKSOptions{
			JWKSURL:         cfg.JWKSURL,
			Issuer:          cfg.Issuer,
			Audience:        cfg.Audience,
			Leeway:          cfg.Leeway,
			RefreshInterval: cfg.RefreshInterval,
		})
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// adminContext bundles the collaborators the catalog administration
// subcommands need. They share the event store with a running server; the
// projector there reconciles their writes on its next pass.
type adminContext struct {
	cfg       *config.ToolsConfig
	store     eventstore.Store
	repo      *catalog.Repository
	readModel *projection.Catalog
	sync      *catalogsync.Service
	logger    *observability.Logger
}

func openAdmin(ctx context.Context, configPath string) (*adminContext, error) {
	cfg, err := config.LoadTools(configPath)
	if err != nil {
		slog.Error("invalid configuration", "path", configPath, "error", err)
		os.Exit(2)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: "text",
		Output: os.Stderr,
	})

	store, err := eventstore.New(cfg.EventStore)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	readModel := projection.NewCatalog()
	projector := projection.NewProjector(projection.Options{
		Store:   store,
		Catalog: readModel,
		Logger:  logger,
	})
	if err := projector.Reconcile(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("load catalog read model: %w", err)
	}

	repo := catalog.NewRepository(store)
	syncService := catalogsync.New(catalogsync.Options{
		Repository: repo,
		Index:      readModel,
		Adapters: sourceadapter.Deps{
			HTTPClient:            &http.Client{Timeout: cfg.Catalog.FetchTimeout},
			DefaultTimeoutSeconds: float64(cfg.Catalog.DefaultTimeoutSeconds),
			MCPRuntime:            mcpruntime.NewManager(mcpruntime.Options{Logger: logger}),
		},
		Logger: logger,
	})

	return &adminContext{
		cfg:       cfg,
		store:     store,
		repo:      repo,
		readModel: readModel,
		sync:      syncService,
		logger:    logger,
	}, nil
}

func (a *adminContext) Close() { _ = a.store.Close() }

func buildSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage upstream tool sources",
	}
	cmd.AddCommand(buildSourcesAddCmd(), buildSourcesSyncCmd(), buildSourcesListCmd())
	return cmd
}

func buildSourcesAddCmd() *cobra.Command {
	var (
		configPath  string
		name        string
		sourceType  string
		url         string
		audience    string
		bearerToken string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an upstream source and run its first sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := openAdmin(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer admin.Close()

			authCfg := models.AuthConfig{Type: "none"}
			if bearerToken != "" {
				authCfg = models.AuthConfig{Type: "bearer", Token: bearerToken}
			}

			src, result, err := admin.sync.RegisterSource(cmd.Context(), catalogsync.RegisterParams{
				Name:            name,
				DescriptorURL:   url,
				Type:            models.SourceType(sourceType),
				Auth:            authCfg,
				DefaultAudience: audience,
			})
			out := cmd.OutOrStdout()
			if err != nil {
				fmt.Fprintf(out, "Source registered: %s (%s)\n", src.ID, src.Name)
				fmt.Fprintf(out, "First sync failed: %v\n", err)
				return err
			}
			fmt.Fprintf(out, "Source registered: %s (%s)\n", src.ID, src.Name)
			fmt.Fprintf(out, "Synced: %d discovered, %d updated, %d deprecated, %d restored\n",
				result.Discovered, result.Updated, result.Deprecated, result.Restored)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley-tools.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable source name")
	cmd.Flags().StringVar(&sourceType, "type", "openapi", "Descriptor type: openapi or mcp")
	cmd.Flags().StringVar(&url, "url", "", "Descriptor URL")
	cmd.Flags().StringVar(&audience, "audience", "", "Default token-exchange audience for this source's tools")
	cmd.Flags().StringVar(&bearerToken, "bearer-token", "", "Bearer token for fetching the descriptor")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func buildSourcesSyncCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sync [source-id]",
		Short: "Re-sync one source, or all sources when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := openAdmin(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer admin.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				result, err := admin.sync.SyncSource(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Synced: %d discovered, %d updated, %d deprecated, %d restored\n",
					result.Discovered, result.Updated, result.Deprecated, result.Restored)
				return nil
			}
			admin.sync.SyncAll(cmd.Context())
			fmt.Fprintln(out, "Sync complete.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley-tools.yaml", "Path to YAML configuration file")
	return cmd
}

func buildSourcesListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := openAdmin(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer admin.Close()

			out := cmd.OutOrStdout()
			ids := admin.readModel.SourceIDs()
			if len(ids) == 0 {
				fmt.Fprintln(out, "No sources registered.")
				return nil
			}
			for _, id := range ids {
				src, ok := admin.readModel.Source(id)
				if !ok {
					continue
				}
				fmt.Fprintf(out, "%s  %-12s %-8s %-10s %d tools  %s\n",
					src.ID, src.Name, string(src.Type), string(src.Health),
					src.InventoryCount, src.DescriptorURL)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley-tools.yaml", "Path to YAML configuration file")
	return cmd
}

func buildGroupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage tool groups",
	}
	cmd.AddCommand(buildGroupsCreateCmd())
	return cmd
}

func buildGroupsCreateCmd() *cobra.Command {
	var (
		configPath  string
		name        string
		description string
		include     []string
		namePattern string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tool group",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := openAdmin(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer admin.Close()

			group := catalog.CreateGroup(uuid.NewString(), name, description)
			if namePattern != "" {
				group.SetSelectors([]models.ToolSelector{{NamePattern: namePattern}})
			}
			for _, toolID := range include {
				group.IncludeTool(toolID)
			}
			if err := admin.repo.SaveGroup(cmd.Context(), group); err != nil {
				return fmt.Errorf("save group: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Group created: %s (%s)\n", group.ID(), name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley-tools.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&name, "name", "", "Group name")
	cmd.Flags().StringVar(&description, "description", "", "Group description")
	cmd.Flags().StringArrayVar(&include, "include-tool", nil, "Tool id to include explicitly (repeatable)")
	cmd.Flags().StringVar(&namePattern, "name-pattern", "", "Glob selector over tool names")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func buildPoliciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Manage access policies",
	}
	cmd.AddCommand(buildPoliciesCreateCmd())
	return cmd
}

func buildPoliciesCreateCmd() *cobra.Command {
	var (
		configPath string
		name       string
		groups     []string
		claims     []string
		priority   int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an access policy granting groups to matching callers",
		Long: `Create an access policy. Each --claim takes "json_path=value" and
matches with the equals operator; a caller must satisfy every matcher to
receive the policy's groups.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			matchers := make([]models.ClaimMatcher, 0, len(claims))
			for _, raw := range claims {
				path, value, ok := strings.Cut(raw, "=")
				if !ok {
					return fmt.Errorf("claim %q must be json_path=value", raw)
				}
				matchers = append(matchers, models.ClaimMatcher{
					JSONPath: path,
					Operator: models.OpEquals,
					Value:    value,
				})
			}

			admin, err := openAdmin(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer admin.Close()

			policy := catalog.DefinePolicy(uuid.NewString(), name, matchers, groups, priority)
			if err := admin.repo.SavePolicy(cmd.Context(), policy); err != nil {
				return fmt.Errorf("save policy: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Policy created: %s (%s)\n", policy.ID(), name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley-tools.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&name, "name", "", "Policy name")
	cmd.Flags().StringArrayVar(&groups, "group", nil, "Group id to grant (repeatable)")
	cmd.Flags().StringArrayVar(&claims, "claim", nil, `Claim matcher "json_path=value" (repeatable)`)
	cmd.Flags().IntVar(&priority, "priority", 0, "Evaluation priority (higher first)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func buildCheckSourceCmd() *cobra.Command {
	var (
		sourceType string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "check-source <descriptor-url>",
		Short: "Dry-run descriptor ingestion without touching the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.NewLogger(observability.LogConfig{
				Level: "warn", Format: "text", Output: os.Stderr,
			})
			deps := sourceadapter.Deps{
				HTTPClient: &http.Client{Timeout: timeout},
				MCPRuntime: mcpruntime.NewManager(mcpruntime.Options{Logger: logger}),
			}
			adapter, err := sourceadapter.ForSource(models.SourceType(sourceType), deps)
			if err != nil {
				return err
			}

			result, err := adapter.FetchAndNormalize(cmd.Context(), models.UpstreamSource{
				ID:            "check",
				Name:          "check",
				DescriptorURL: args[0],
				Type:          models.SourceType(sourceType),
			})
			if err != nil {
				return fmt.Errorf("ingest descriptor: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Descriptor OK: %d tools (inventory %s)\n", len(result.Tools), result.InventoryHash)
			for _, warning := range result.Warnings {
				fmt.Fprintf(out, "  warning: %s\n", warning)
			}
			for _, tool := range result.Tools {
				schema := "no schema"
				if len(tool.InputSchema) > 0 {
					var obj map[string]json.RawMessage
					if json.Unmarshal(tool.InputSchema, &obj) == nil {
						schema = fmt.Sprintf("%d schema keys", len(obj))
					}
				}
				fmt.Fprintf(out, "  %-40s %s (%s)\n", tool.Name, tool.Profile.Mode, schema)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceType, "type", "openapi", "Descriptor type: openapi or mcp")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Descriptor fetch timeout")
	return cmd
}
