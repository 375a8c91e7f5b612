package llm

import (
	"os"
	"strings"
)

// Provider identifies a model provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
	ProviderMock      Provider = "mock"
)

// ParseModelString parses a model string into provider and model name.
//
// Supported formats:
//
//	"ollama/llama3.2"          → (ollama, "llama3.2")
//	"openai/gpt-4o"            → (openai, "gpt-4o")
//	"mock/scripted"            → (mock, "scripted")
//	"claude-sonnet-4-20250514" → (anthropic, "claude-sonnet-4-20250514")
//	"gpt-4o"                   → (openai, "gpt-4o")
func ParseModelString(model string) (Provider, string) {
	if i := strings.Index(model, "/"); i > 0 {
		prefix := strings.ToLower(model[:i])
		name := model[i+1:]
		switch prefix {
		case "ollama":
			return ProviderOllama, name
		case "openai":
			return ProviderOpenAI, name
		case "anthropic":
			return ProviderAnthropic, name
		case "mock":
			return ProviderMock, name
		}
	}

	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4") {
		return ProviderOpenAI, model
	}
	return ProviderAnthropic, model
}

// Settings selects and authenticates a client.
type Settings struct {
	Model   string
	APIKey  string
	BaseURL string
}

// NewClient creates the client for s.Model and returns the provider-local
// model name.
//
// Environment variables used when Settings leave them empty:
//
//	ANTHROPIC_API_KEY  Anthropic API key (read by the SDK)
//	OPENAI_API_KEY     OpenAI API key
//	OLLAMA_HOST        Ollama server address (default http://localhost:11434)
func NewClient(s Settings) (Client, string) {
	provider, name := ParseModelString(s.Model)

	switch provider {
	case ProviderOllama:
		host := s.BaseURL
		if host == "" {
			host = os.Getenv("OLLAMA_HOST")
		}
		return NewOllamaClient(host), name
	case ProviderOpenAI:
		key := s.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return NewOpenAIClient(s.BaseURL, key), name
	case ProviderMock:
		return NewMockClient(MockResponse{Content: `{"speech":"OK.","display":"OK."}`}), name
	default:
		return NewAnthropicClient(s.APIKey, s.BaseURL), name
	}
}
