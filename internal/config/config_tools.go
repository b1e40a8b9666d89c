package config

import (
	"fmt"
	"strings"
	"time"
)

// ToolsConfig is the configuration tree for the parley-tools binary.
type ToolsConfig struct {
	Server        ToolsServerConfig   `yaml:"server"`
	Auth          ToolsAuthConfig     `yaml:"auth"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Projection    ProjectionConfig    `yaml:"projection"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	TokenExchange TokenExchangeConfig `yaml:"token_exchange"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Access        AccessConfig        `yaml:"access"`
	Executor      ExecutorConfig      `yaml:"executor"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Cache         CacheConfig         `yaml:"cache"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ToolsServerConfig configures the tools provider's HTTP listener.
type ToolsServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// SSEHeartbeat is the interval between heartbeat events on /agent/sse.
	SSEHeartbeat time.Duration `yaml:"sse_heartbeat"`
}

// ToolsAuthConfig configures bearer validation for agent-facing endpoints.
type ToolsAuthConfig struct {
	// Mode is "jwks" (verify against a remote key set) or "static"
	// (a fixed development key compared verbatim).
	Mode      string        `yaml:"mode"`
	JWKSURL   string        `yaml:"jwks_url"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	StaticKey string        `yaml:"static_key"`
	Leeway    time.Duration `yaml:"leeway"`

	// RefreshInterval controls JWKS cache refresh.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ProjectionConfig tunes read-model maintenance.
type ProjectionConfig struct {
	// ReconcileInterval is how often the projector re-reads the event log
	// from its stored position to catch missed events.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// CatalogConfig tunes source synchronization.
type CatalogConfig struct {
	// SyncSchedule is a cron expression for periodic source re-sync.
	SyncSchedule string `yaml:"sync_schedule"`

	// FetchTimeout bounds descriptor downloads during sync.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// DefaultTimeoutSeconds is stamped into execution profiles that the
	// source descriptor leaves unbounded.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
}

// TokenExchangeConfig configures the RFC 8693 exchanger.
type TokenExchangeConfig struct {
	// Disabled passes the subject token through unexchanged (dev mode).
	Disabled     bool          `yaml:"disabled"`
	TokenURL     string        `yaml:"token_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Timeout      time.Duration `yaml:"timeout"`

	// CacheTTLCap bounds cached-token lifetime regardless of expires_in.
	CacheTTLCap time.Duration `yaml:"cache_ttl_cap"`
}

// BreakerConfig tunes the per-source circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenProbes   int           `yaml:"half_open_probes"`
}

// AccessConfig tunes visibility resolution.
type AccessConfig struct {
	// CacheTTL bounds how long a resolved tool set is served for a given
	// claims hash before re-evaluation.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ExecutorConfig tunes tool execution.
type ExecutorConfig struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	MaxConcurrent         int `yaml:"max_concurrent"`

	// MaxResponseBytes caps upstream response bodies read into memory.
	MaxResponseBytes int64 `yaml:"max_response_bytes"`
}

// RateLimitConfig tunes the per-user token bucket on /agent/tools/call.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// Rate is tokens added per second; Burst is the bucket capacity.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// ApplyDefaults fills zero values with production defaults.
func (c *ToolsConfig) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8091
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// Long enough for sync tool executions plus slack; SSE writes
		// bypass this via per-write deadlines.
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.SSEHeartbeat == 0 {
		c.Server.SSEHeartbeat = 30 * time.Second
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "jwks"
	}
	if c.Auth.Leeway == 0 {
		c.Auth.Leeway = 30 * time.Second
	}
	if c.Auth.RefreshInterval == 0 {
		c.Auth.RefreshInterval = 15 * time.Minute
	}

	if c.Projection.ReconcileInterval == 0 {
		c.Projection.ReconcileInterval = 30 * time.Second
	}

	if c.Catalog.SyncSchedule == "" {
		c.Catalog.SyncSchedule = "@every 15m"
	}
	if c.Catalog.FetchTimeout == 0 {
		c.Catalog.FetchTimeout = 30 * time.Second
	}
	if c.Catalog.DefaultTimeoutSeconds == 0 {
		c.Catalog.DefaultTimeoutSeconds = 30
	}

	if c.TokenExchange.Timeout == 0 {
		c.TokenExchange.Timeout = 10 * time.Second
	}
	if c.TokenExchange.CacheTTLCap == 0 {
		c.TokenExchange.CacheTTLCap = 5 * time.Minute
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTimeout == 0 {
		c.Breaker.RecoveryTimeout = 30 * time.Second
	}
	if c.Breaker.HalfOpenProbes == 0 {
		c.Breaker.HalfOpenProbes = 1
	}

	if c.Access.CacheTTL == 0 {
		c.Access.CacheTTL = 60 * time.Second
	}

	if c.Executor.DefaultTimeoutSeconds == 0 {
		c.Executor.DefaultTimeoutSeconds = 30
	}
	if c.Executor.MaxConcurrent == 0 {
		c.Executor.MaxConcurrent = 16
	}
	if c.Executor.MaxResponseBytes == 0 {
		c.Executor.MaxResponseBytes = 4 << 20
	}

	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}

	c.EventStore.applyDefaults()
	c.Cache.applyDefaults()
	c.Observability.applyDefaults("parley-tools")
}

// Validate checks the configuration for inconsistencies. It returns the
// first problem found, naming the offending field.
func (c *ToolsConfig) Validate() error {
	switch c.Auth.Mode {
	case "jwks":
		if strings.TrimSpace(c.Auth.JWKSURL) == "" {
			return fmt.Errorf("auth.jwks_url is required in jwks mode")
		}
	case "static":
		if strings.TrimSpace(c.Auth.StaticKey) == "" {
			return fmt.Errorf("auth.static_key is required in static mode")
		}
	default:
		return fmt.Errorf("auth.mode must be one of jwks, static (got %q)", c.Auth.Mode)
	}

	if !c.TokenExchange.Disabled {
		if strings.TrimSpace(c.TokenExchange.TokenURL) == "" {
			return fmt.Errorf("token_exchange.token_url is required unless token_exchange.disabled")
		}
		if strings.TrimSpace(c.TokenExchange.ClientID) == "" {
			return fmt.Errorf("token_exchange.client_id is required unless token_exchange.disabled")
		}
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.HalfOpenProbes < 1 {
		return fmt.Errorf("breaker.half_open_probes must be at least 1")
	}
	if c.Access.CacheTTL <= 0 {
		return fmt.Errorf("access.cache_ttl must be positive")
	}
	if c.RateLimit.Enabled && c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be at least 1 when enabled")
	}

	if err := c.EventStore.validate("event_store"); err != nil {
		return err
	}
	if err := c.Cache.validate("cache"); err != nil {
		return err
	}
	return c.Observability.validate()
}
