package provider

import (
	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/types"
)

// Registry holds the constructed providers by name.
type Registry struct {
	providers       map[string]Provider
	defaultProvider string
}

// NewRegistry builds every provider the configuration enables. The mock
// provider is always available; openai and anthropic require an API key
// and are skipped without one unless they are the default.
func NewRegistry(cfg config.LLMConfig, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		providers:       make(map[string]Provider),
		defaultProvider: cfg.DefaultProvider,
	}

	r.providers[NameMock] = NewMock(cfg.Mock)

	if cfg.OpenAI.APIKey != "" {
		p, err := NewOpenAI(cfg.OpenAI, cfg.Timeout, logger)
		if err != nil {
			return nil, err
		}
		r.providers[NameOpenAI] = p
	}
	if cfg.Anthropic.APIKey != "" {
		p, err := NewAnthropic(cfg.Anthropic, cfg.Timeout, logger)
		if err != nil {
			return nil, err
		}
		r.providers[NameAnthropic] = p
	}

	if _, ok := r.providers[cfg.DefaultProvider]; !ok {
		return nil, types.NewErrorf(types.ErrConfiguration,
			"default provider %q is not configured", cfg.DefaultProvider)
	}

	return r, nil
}

// Get returns the provider for name, or the default when name is empty.
// Unknown or unconfigured names are validation errors.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.defaultProvider
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, types.NewErrorf(types.ErrValidation,
			"provider %q is not available", name)
	}
	return p, nil
}

// Names lists the configured providers.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
