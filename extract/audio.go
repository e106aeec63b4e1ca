package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// AudioStrategy transcribes audio files through a Whisper-compatible
// /audio/transcriptions endpoint.
type AudioStrategy struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// AudioOption configures an AudioStrategy.
type AudioOption func(*AudioStrategy)

// WithAudioHTTPClient sets the HTTP client.
func WithAudioHTTPClient(c *http.Client) AudioOption {
	return func(s *AudioStrategy) {
		s.httpClient = c
	}
}

// WithAudioAPIKey sets the bearer token for the transcription endpoint.
func WithAudioAPIKey(key string) AudioOption {
	return func(s *AudioStrategy) {
		s.apiKey = key
	}
}

// NewAudioStrategy creates an audio transcription strategy.
func NewAudioStrategy(endpoint, model string, opts ...AudioOption) *AudioStrategy {
	s := &AudioStrategy{
		endpoint:   endpoint,
		model:      model,
		httpClient: &http.Client{Timeout: 300 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Extract uploads the audio file and returns its transcript.
func (s *AudioStrategy) Extract(ctx context.Context, path, _ string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy audio content: %w", err)
	}
	if err := writer.WriteField("model", s.model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("read transcription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription endpoint returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed transcriptionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse transcription response: %w", err)
	}

	return parsed.Text, nil
}
