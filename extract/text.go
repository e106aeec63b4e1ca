package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// TextStrategy reads plain-text formats directly. HTML goes through a
// readability pass to strip boilerplate before the agent sees it.
type TextStrategy struct{}

// NewTextStrategy creates a plain-text extraction strategy.
func NewTextStrategy() *TextStrategy {
	return &TextStrategy{}
}

// Extract reads the file contents.
func (s *TextStrategy) Extract(_ context.Context, path, _ string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".html") {
		return extractHTML(content)
	}
	return string(content), nil
}

func extractHTML(content []byte) (string, error) {
	u := &url.URL{Scheme: "file", Path: "/"}
	article, err := readability.FromReader(bytes.NewReader(content), u)
	if err != nil {
		return "", fmt.Errorf("readability parse: %w", err)
	}
	if article.TextContent == "" {
		// Nothing readable survived the boilerplate strip
		return string(content), nil
	}
	return article.TextContent, nil
}
