package config

import (
	"fmt"
	"strings"
	"time"
)

// HostConfig is the configuration tree for the parley-host binary.
type HostConfig struct {
	Server        HostServerConfig    `yaml:"server"`
	Auth          SessionAuthConfig   `yaml:"auth"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Agent         AgentConfig         `yaml:"agent"`
	LLM           LLMConfig           `yaml:"llm"`
	ToolsClient   ToolsClientConfig   `yaml:"tools_client"`
	Flows         FlowsConfig         `yaml:"flows"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// HostServerConfig configures the host's HTTP listener.
type HostServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins restricts WebSocket upgrades by Origin header.
	// Empty means same-origin only; "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SessionAuthConfig configures how client session tokens are validated.
type SessionAuthConfig struct {
	// Mode is "static" (shared HMAC secret, dev) or "jwks" (remote key set).
	Mode     string        `yaml:"mode"`
	Secret   string        `yaml:"secret"`
	JWKSURL  string        `yaml:"jwks_url"`
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	Leeway   time.Duration `yaml:"leeway"`
}

// ConnectionConfig tunes the WebSocket connection manager.
type ConnectionConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMissedPongs  int           `yaml:"max_missed_pongs"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	SendBufferSize  int           `yaml:"send_buffer_size"`
}

// ConversationConfig tunes conversation history handling.
type ConversationConfig struct {
	// HistoryLimit caps how many messages are replayed into LLM context.
	HistoryLimit int `yaml:"history_limit"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	MaxIterations       int    `yaml:"max_iterations"`
	MaxToolCallsPerTurn int    `yaml:"max_tool_calls_per_turn"`
	SystemPrompt        string `yaml:"system_prompt"`
}

// LLMConfig configures LLM providers available to the host.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	DefaultModel    string                       `yaml:"default_model"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain specifies provider IDs to try if the default provider
	// fails. Providers are tried in order until one succeeds.
	FallbackChain []string `yaml:"fallback_chain"`
}

// LLMProviderConfig configures one provider adapter.
type LLMProviderConfig struct {
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model"`
	BaseURL      string        `yaml:"base_url"`
	APIVersion   string        `yaml:"api_version"`
	Timeout      time.Duration `yaml:"timeout"`

	// Gateway-flavored providers exchange client credentials for the
	// upstream bearer and may add a per-request key header.
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	KeyHeader    string   `yaml:"key_header"`
}

// ToolsClientConfig configures the host's client to the tools provider.
type ToolsClientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// StaticToken is used instead of the session bearer when set (dev mode).
	StaticToken string `yaml:"static_token"`

	SSE SSEClientConfig `yaml:"sse"`
}

// SSEClientConfig tunes the tools-provider SSE subscription.
type SSEClientConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ReconnectMinDelay time.Duration `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
}

// FlowsConfig configures the scripted flow template registry.
type FlowsConfig struct {
	// Dir is the directory of YAML flow templates. Empty disables flows.
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`

	ChunkSize     int           `yaml:"chunk_size"`
	ChunkInterval time.Duration `yaml:"chunk_interval"`
}

// ApplyDefaults fills zero values with production defaults.
func (c *HostConfig) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "static"
	}
	if c.Auth.Leeway == 0 {
		c.Auth.Leeway = 30 * time.Second
	}

	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = 30 * time.Second
	}
	if c.Connection.MaxMissedPongs == 0 {
		c.Connection.MaxMissedPongs = 3
	}
	if c.Connection.IdleTimeout == 0 {
		c.Connection.IdleTimeout = 300 * time.Second
	}
	if c.Connection.CleanupInterval == 0 {
		c.Connection.CleanupInterval = 60 * time.Second
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = 10 * time.Second
	}
	if c.Connection.MaxMessageBytes == 0 {
		c.Connection.MaxMessageBytes = 1 << 20
	}
	if c.Connection.SendBufferSize == 0 {
		c.Connection.SendBufferSize = 64
	}

	if c.Conversation.HistoryLimit == 0 {
		c.Conversation.HistoryLimit = 50
	}

	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.MaxToolCallsPerTurn == 0 {
		c.Agent.MaxToolCallsPerTurn = 10
	}

	if c.LLM.DefaultProvider == "" {
		c.LLM.DefaultProvider = "openai"
	}
	for name, provider := range c.LLM.Providers {
		if provider.Timeout == 0 {
			provider.Timeout = 60 * time.Second
			c.LLM.Providers[name] = provider
		}
	}

	if c.ToolsClient.RequestTimeout == 0 {
		c.ToolsClient.RequestTimeout = 65 * time.Second
	}
	if c.ToolsClient.SSE.ReconnectMinDelay == 0 {
		c.ToolsClient.SSE.ReconnectMinDelay = time.Second
	}
	if c.ToolsClient.SSE.ReconnectMaxDelay == 0 {
		c.ToolsClient.SSE.ReconnectMaxDelay = 30 * time.Second
	}

	if c.Flows.ChunkSize == 0 {
		c.Flows.ChunkSize = 50
	}
	if c.Flows.ChunkInterval == 0 {
		c.Flows.ChunkInterval = 50 * time.Millisecond
	}

	c.EventStore.applyDefaults()
	c.Observability.applyDefaults("parley-host")
}

// Validate checks the configuration for inconsistencies. It returns the
// first problem found, naming the offending field.
func (c *HostConfig) Validate() error {
	switch c.Auth.Mode {
	case "static":
		if strings.TrimSpace(c.Auth.Secret) == "" {
			return fmt.Errorf("auth.secret is required in static mode")
		}
	case "jwks":
		if strings.TrimSpace(c.Auth.JWKSURL) == "" {
			return fmt.Errorf("auth.jwks_url is required in jwks mode")
		}
	default:
		return fmt.Errorf("auth.mode must be one of static, jwks (got %q)", c.Auth.Mode)
	}

	if c.Connection.MaxMissedPongs < 1 {
		return fmt.Errorf("connection.max_missed_pongs must be at least 1")
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1")
	}

	if len(c.LLM.Providers) == 0 {
		return fmt.Errorf("llm.providers must define at least one provider")
	}
	if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
		return fmt.Errorf("llm.default_provider %q is not defined under llm.providers", c.LLM.DefaultProvider)
	}
	for _, name := range c.LLM.FallbackChain {
		if _, ok := c.LLM.Providers[name]; !ok {
			return fmt.Errorf("llm.fallback_chain references undefined provider %q", name)
		}
	}

	if strings.TrimSpace(c.ToolsClient.BaseURL) == "" {
		return fmt.Errorf("tools_client.base_url is required")
	}

	if err := c.EventStore.validate("event_store"); err != nil {
		return err
	}
	return c.Observability.validate()
}
