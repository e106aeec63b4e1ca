package llm

import (
	"net/http"
	"sync"
)

// Provider adapts the client to one backend's wire format. The client
// selects a provider by Endpoint.Provider; implementations live in the
// providers package and register themselves from init.
type Provider interface {
	// Name is the identifier used in Endpoint.Provider.
	Name() string

	// BuildURL resolves the chat completions URL from the configured base.
	BuildURL(baseURL string) string

	// SetHeaders adds authentication headers to an outgoing request.
	SetHeaders(req *http.Request)

	// BuildRequestBody encodes one chat request. A nil temperature means
	// the backend default; zero maxTokens means no limit is sent.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int,
		tools []ToolDefinition) ([]byte, error)

	// ParseResponse decodes the backend's response body.
	ParseResponse(body []byte, model string) (*Response, error)
}

var (
	providersMu sync.RWMutex
	providers   = map[string]Provider{}
)

// Register makes a provider selectable by name.
func Register(p Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[p.Name()] = p
}

func lookupProvider(name string) Provider {
	providersMu.RLock()
	defer providersMu.RUnlock()
	return providers[name]
}
