// Package extract turns uploaded files into plain text for the agent.
// A dispatcher routes by file extension to a fixed set of strategies:
// structured documents, images via a vision model, audio via a
// transcription endpoint, and plain-text formats read directly.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// ErrUnsupported is returned for file types outside the extension table.
// Callers skip the file with a warning rather than failing the job.
var ErrUnsupported = errors.New("unsupported file type")

// Strategy extracts text from one family of file formats. The hint
// carries workflow context for strategies that prompt a model.
type Strategy interface {
	Extract(ctx context.Context, path, hint string) (string, error)
}

// Dispatcher routes extraction requests to strategies by extension.
// The extension table is closed: unknown extensions are rejected, not
// guessed at.
type Dispatcher struct {
	table  map[string]Strategy
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher builds a dispatcher over the given strategies.
func NewDispatcher(document, image, audio, text Strategy, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		table: map[string]Strategy{
			".pdf":  document,
			".docx": document,

			".jpg":  image,
			".jpeg": image,
			".png":  image,
			".bmp":  image,
			".tiff": image,

			".mp3":  audio,
			".wav":  audio,
			".m4a":  audio,
			".webm": audio,

			".txt":  text,
			".json": text,
			".xml":  text,
			".md":   text,
			".csv":  text,
			".html": text,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Supported reports whether the file's extension has a strategy.
func (d *Dispatcher) Supported(path string) bool {
	_, ok := d.table[normalizeExt(path)]
	return ok
}

// Extract runs the strategy for the file's extension.
func (d *Dispatcher) Extract(ctx context.Context, path, hint string) (string, error) {
	ext := normalizeExt(path)
	strategy, ok := d.table[ext]
	if ok && strategy != nil {
		d.logger.Debug("Extracting file", "path", path, "ext", ext)
		text, err := strategy.Extract(ctx, path, hint)
		if err != nil {
			return "", fmt.Errorf("extract %s: %w", filepath.Base(path), err)
		}
		return text, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, ext)
}

func normalizeExt(path string) string {
	return strings.ToLower(filepath.Ext(path))
}
