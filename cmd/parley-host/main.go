// Package main provides the CLI entry point for the Parley agent host.
//
// The agent host terminates client WebSocket and SSE connections, drives
// the agent loop against the configured LLM providers, and calls out to a
// tools provider for tool execution.
//
// # Basic Usage
//
// Start the server:
//
//	parley-host serve --config parley-host.yaml
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - GOOGLE_API_KEY: Google API key for Gemini models
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/agent/providers"
	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/backoff"
	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/connection"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/eventstore"
	"github.com/parleyhq/parley/internal/flows"
	"github.com/parleyhq/parley/internal/host"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/toolclient"
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
		Use:   "parley-host",
		Short: "Parley agent host - real-time conversational AI orchestrator",
		Long: `The agent host accepts WebSocket and SSE client connections, runs the
agent loop against configured LLM providers, and executes tools through a
Parley tools provider.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent host server",
		Long: `Start the agent host with all configured providers.

The server will:
1. Load and validate configuration
2. Open the conversation event store
3. Initialize LLM providers and the flow template registry
4. Start the HTTP server for WebSocket, SSE, health, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley-host.yaml",
		"Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.LoadHost(configPath)
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
	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
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

	logger.Info(ctx, "starting parley agent host",
		"version", version, "commit", commit, "config", configPath)

	store, err := eventstore.New(cfg.EventStore)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	conversations := conversation.NewRepository(store)

	registry, err := providers.Build(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("build llm providers: %w", err)
	}

	var flowRegistry *flows.Registry
	if cfg.Flows.Dir != "" {
		flowRegistry = flows.NewRegistry(cfg.Flows, logger)
		if err := flowRegistry.Load(ctx); err != nil {
			return fmt.Errorf("load flow templates: %w", err)
		}
		if cfg.Flows.Watch {
			if err := flowRegistry.StartWatching(ctx); err != nil {
				return fmt.Errorf("watch flow templates: %w", err)
			}
		}
		defer flowRegistry.Close()
	}

	validator, err := buildSessionValidator(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("build session validator: %w", err)
	}

	manager := connection.NewManager(connection.Options{
		Config: connection.Config{
			PingInterval:    cfg.Connection.PingInterval,
			MaxMissedPongs:  cfg.Connection.MaxMissedPongs,
			IdleTimeout:     cfg.Connection.IdleTimeout,
			CleanupInterval: cfg.Connection.CleanupInterval,
			SendBufferSize:  cfg.Connection.SendBufferSize,
		},
		Metrics: metrics,
		Logger:  logger,
	})
	go manager.Run(ctx)

	var tools orchestrator.ToolService
	if cfg.ToolsClient.BaseURL != "" {
		tools = toolclient.New(toolclient.Options{
			BaseURL:        cfg.ToolsClient.BaseURL,
			RequestTimeout: cfg.ToolsClient.RequestTimeout,
			StaticToken:    cfg.ToolsClient.StaticToken,
			Reconnect: backoff.Policy{
				Initial: cfg.ToolsClient.SSE.ReconnectMinDelay,
				Max:     cfg.ToolsClient.SSE.ReconnectMaxDelay,
			},
			Logger: logger,
		})
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Providers:           registry,
		Agent:               cfg.Agent,
		Flows:               flowRegistry,
		FlowCfg:             cfg.Flows,
		Tools:               tools,
		Conversations:       conversations,
		Dedupe:              cache.NewDedupeCache(cache.DedupeCacheOptions{TTL: 5 * time.Minute}),
		HistoryLimit:        cfg.Conversation.HistoryLimit,
		ToolUpdates:         cfg.ToolsClient.SSE.Enabled,
		AllowModelSelection: true,
		Metrics:             metrics,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	srv := host.NewServer(host.Options{
		Config:       cfg.Server,
		Connection:   cfg.Connection,
		Validator:    validator,
		Manager:      manager,
		Orchestrator: orch,
		Metrics:      metrics,
		Logger:       logger,
	})

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("agent host server: %w", err)
	}
	logger.Info(ctx, "parley agent host stopped")
	return nil
}

func buildSessionValidator(ctx context.Context, cfg config.SessionAuthConfig) (auth.Validator, error) {
	switch cfg.Mode {
	case "static":
		return auth.NewHMACValidator(cfg.Secret, cfg.Issuer, cfg.Audience, cfg.Leeway), nil
	case "jwks":
		return auth.NewJWKSValidator(ctx, auth.JWKSOptions{
			JWKSURL:  cfg.JWKSURL,
			Issuer:   cfg.Issuer,
			Audience: cfg.Audience,
			Leeway:   cfg.Leeway,
		})
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}
