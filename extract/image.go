package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ImageStrategy describes images by sending them to a vision-capable
// chat model as base64 data URLs. The hint steers the description
// toward what the workflow cares about.
type ImageStrategy struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// ImageOption configures an ImageStrategy.
type ImageOption func(*ImageStrategy)

// WithImageHTTPClient sets the HTTP client.
func WithImageHTTPClient(c *http.Client) ImageOption {
	return func(s *ImageStrategy) {
		s.httpClient = c
	}
}

// WithImageAPIKey sets the bearer token for the vision endpoint.
func WithImageAPIKey(key string) ImageOption {
	return func(s *ImageStrategy) {
		s.apiKey = key
	}
}

// NewImageStrategy creates an image extraction strategy against an
// OpenAI-compatible /chat/completions endpoint.
func NewImageStrategy(endpoint, model string, opts ...ImageOption) *ImageStrategy {
	s := &ImageStrategy{
		endpoint:   endpoint,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Vision request uses multimodal content parts, unlike the plain chat
// client, so it carries its own wire types.
type visionRequest struct {
	Model    string          `json:"model"`
	Messages []visionMessage `json:"messages"`
}

type visionMessage struct {
	Role    string       `json:"role"`
	Content []visionPart `json:"content"`
}

type visionPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *visionImageURL `json:"image_url,omitempty"`
}

type visionImageURL struct {
	URL string `json:"url"`
}

type visionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract sends the image to the vision model and returns its
// description.
func (s *ImageStrategy) Extract(ctx context.Context, path, hint string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(content))

	prompt := "Describe the contents of this image in detail, transcribing any visible text verbatim."
	if hint != "" {
		prompt += " Context for what matters in this image: " + hint
	}

	body, err := json.Marshal(visionRequest{
		Model: s.model,
		Messages: []visionMessage{
			{
				Role: "user",
				Content: []visionPart{
					{Type: "text", Text: prompt},
					{Type: "image_url", ImageURL: &visionImageURL{URL: dataURL}},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal vision request: %w", err)
	}

	url := strings.TrimSuffix(s.endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("vision request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("read vision response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vision endpoint returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed visionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse vision response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("vision response contained no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
