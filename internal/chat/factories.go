package chat

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yuexia/opinio/config"
)

// NewLLMProvider creates an LLM provider based on configuration. An
// explicit llm.provider key wins; otherwise providers are tried in key
// order and the first supported one is used. All supported backends
// speak the OpenAI chat completions wire format.
func NewLLMProvider(cfg config.LLMConfig) (LLMProvider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}

	if cfg.Provider != "" {
		p, ok := cfg.Providers[cfg.Provider]
		if !ok {
			return nil, fmt.Errorf("llm.provider %q not configured", cfg.Provider)
		}
		return newProvider(cfg.Provider, p)
	}

	keys := make([]string, 0, len(cfg.Providers))
	for k := range cfg.Providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var skipped []string
	for _, k := range keys {
		provider, err := newProvider(k, cfg.Providers[k])
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%s (%s)", k, cfg.Providers[k].Type))
			continue
		}
		return provider, nil
	}
	return nil, fmt.Errorf("no supported LLM provider among: %s", strings.Join(skipped, ", "))
}

func newProvider(key string, p config.LLMProvider) (LLMProvider, error) {
	switch p.Type {
	case "openai", "deepseek":
		return NewOpenAIProvider(p), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider type %q for %s", p.Type, key)
	}
}
