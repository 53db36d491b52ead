package llm

import (
	"github.com/mohammad-safakhou/deepresearch/config"
)

// NewGatewayProvider creates the catch-all gateway provider. Gateways
// (OpenRouter and the like) speak the OpenAI chat completions wire
// format behind a custom base URL, so the implementation is shared; the
// distinct constructor keeps the fallback ordering rule visible at the
// factory.
func NewGatewayProvider(name string, cfg config.LLMProvider) *OpenAIProvider {
	return NewOpenAIProvider(name, cfg)
}
