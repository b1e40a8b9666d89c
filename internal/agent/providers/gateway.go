package providers

import (
	"context"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/parleyhq/parley/internal/config"
)

// NewGateway builds an adapter for an OpenAI-compatible gateway that
// authenticates with OAuth2 client credentials. The token source refreshes
// the bearer automatically; an optional per-request key header carries the
// gateway subscription key.
func NewGateway(cfg config.LLMProviderConfig) *OpenAI {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	httpClient := cc.Client(context.Background())
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}
	if cfg.KeyHeader != "" && cfg.APIKey != "" {
		httpClient.Transport = &headerTransport{
			next:   httpClient.Transport,
			header: cfg.KeyHeader,
			value:  cfg.APIKey,
		}
	}

	// The SDK's own Authorization header is overwritten by the OAuth2
	// transport on every request.
	clientCfg := openai.DefaultConfig("")
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.HTTPClient = httpClient

	return newOpenAICompatible("gateway", openai.NewClientWithConfig(clientCfg), cfg.DefaultModel)
}

type headerTransport struct {
	next   http.RoundTripper
	header string
	value  string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set(t.header, t.value)
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(clone)
}
