package providers

import (
	"net/http"
	"os"

	"github.com/docuflow/docuflow/llm"
)

// OpenAIProvider targets the hosted OpenAI API. It shares the wire
// codec with OllamaProvider and differs in its default URL and in
// always sending the bearer token.
type OpenAIProvider struct{}

func init() {
	llm.Register(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the chat completions endpoint.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return completionsURL(baseURL)
}

// SetHeaders adds the OPENAI_API_KEY bearer token.
func (o *OpenAIProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// BuildRequestBody encodes the OpenAI request.
func (o *OpenAIProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int, tools []llm.ToolDefinition) ([]byte, error) {
	return encodeChatRequest(model, messages, temperature, maxTokens, tools)
}

// ParseResponse decodes the OpenAI response.
func (o *OpenAIProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	return decodeChatResponse(body)
}
