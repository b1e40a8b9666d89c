package agent

import (
	"context"
	"reflect"
	"testing"
)

type namedProvider struct {
	ModelSelector
	name string
}

func (p *namedProvider) Name() string        { return p.name }
func (p *namedProvider) Models() []ModelInfo { return nil }

func (p *namedProvider) HealthCheck(ctx context.Context) error { return nil }

func (p *namedProvider) Chat(ctx context.Context, req *ChatRequest) (*Response, error) {
	return &Response{}, nil
}

func (p *namedProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func newTestRegistry() *Registry {
	r := NewRegistry("ollama", []string{"ollama", "openai", "missing"})
	r.Register(&namedProvider{name: "ollama"})
	r.Register(&namedProvider{name: "openai"})
	return r
}

func TestResolveSelector(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		selector  string
		wantName  string
		wantModel string
		wantErr   bool
	}{
		{"", "ollama", "", false},
		{"openai", "openai", "", false},
		{"openai:gpt-4o-mini", "openai", "gpt-4o-mini", false},
		{"ollama:llama3.2:1b", "ollama", "llama3.2:1b", false},
		{"missing", "", "", true},
		{"missing:model", "", "", true},
	}
	for _, tt := range tests {
		p, model, err := r.Resolve(tt.selector)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Resolve(%q) expected error", tt.selector)
			}
			continue
		}
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.selector, err)
			continue
		}
		if p.Name() != tt.wantName || model != tt.wantModel {
			t.Errorf("Resolve(%q) = (%s, %q), want (%s, %q)", tt.selector, p.Name(), model, tt.wantName, tt.wantModel)
		}
	}
}

func TestResolveNoDefault(t *testing.T) {
	r := NewRegistry("", nil)
	if _, _, err := r.Resolve(""); err == nil {
		t.Fatal("expected error with no default provider")
	}
}

func TestFallbacksSkipPrimaryAndUnknown(t *testing.T) {
	r := newTestRegistry()

	fallbacks := r.Fallbacks("ollama")
	names := make([]string, len(fallbacks))
	for i, p := range fallbacks {
		names[i] = p.Name()
	}
	if !reflect.DeepEqual(names, []string{"openai"}) {
		t.Fatalf("Fallbacks(ollama) = %v, want [openai]", names)
	}
}

func TestNamesSorted(t *testing.T) {
	r := newTestRegistry()
	if got := r.Names(); !reflect.DeepEqual(got, []string{"ollama", "openai"}) {
		t.Fatalf("Names() = %v", got)
	}
}
