// Package providers implements chat backends for the llm package.
// Providers are registered globally via init().
package providers

import (
	"net/http"
	"os"

	"github.com/docuflow/docuflow/llm"
)

// OllamaProvider targets local OpenAI-compatible servers (Ollama,
// vLLM). Authentication is optional.
type OllamaProvider struct{}

func init() {
	llm.Register(&OllamaProvider{})
}

// Name returns the provider identifier.
func (o *OllamaProvider) Name() string {
	return "ollama"
}

// BuildURL constructs the chat completions endpoint.
func (o *OllamaProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	return completionsURL(baseURL)
}

// SetHeaders adds a bearer token when one is configured; local servers
// usually run without auth.
func (o *OllamaProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// BuildRequestBody encodes the OpenAI-compatible request.
func (o *OllamaProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int, tools []llm.ToolDefinition) ([]byte, error) {
	return encodeChatRequest(model, messages, temperature, maxTokens, tools)
}

// ParseResponse decodes the OpenAI-compatible response.
func (o *OllamaProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	return decodeChatResponse(body)
}
