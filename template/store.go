package template

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Template is one discovered collateral template file.
type Template struct {
	// Name is the path-less filename without extension.
	Name string
	// Path is the file's path relative to the store directory.
	Path string
	// Content is the raw file content.
	Content string
	// Variables are the placeholder names found in Content.
	Variables []string
}

// DefaultPatterns matches the template formats the store understands.
var DefaultPatterns = []string{"**/*.html", "**/*.md", "**/*.txt"}

// Store discovers templates under a directory and serves them by name.
// Watch keeps the set current as files change on disk.
type Store struct {
	dir      string
	patterns []string
	logger   *slog.Logger

	mu        sync.RWMutex
	templates map[string]*Template
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPatterns overrides the discovery glob patterns.
func WithPatterns(patterns []string) StoreOption {
	return func(s *Store) {
		if len(patterns) > 0 {
			s.patterns = patterns
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a template store over a directory and performs the
// initial load.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		dir:       dir,
		patterns:  DefaultPatterns,
		logger:    slog.Default(),
		templates: make(map[string]*Template),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rescans the directory and replaces the template set.
func (s *Store) Reload() error {
	root := os.DirFS(s.dir)
	found := make(map[string]*Template)

	for _, pattern := range s.patterns {
		matches, err := doublestar.Glob(root, pattern)
		if err != nil {
			return fmt.Errorf("glob %s: %w", pattern, err)
		}
		for _, match := range matches {
			info, err := fs.Stat(root, match)
			if err != nil || info.IsDir() {
				continue
			}
			content, err := fs.ReadFile(root, match)
			if err != nil {
				s.logger.Warn("Failed to read template", "path", match, "error", err)
				continue
			}
			name := templateName(match)
			found[name] = &Template{
				Name:      name,
				Path:      match,
				Content:   string(content),
				Variables: Variables(string(content)),
			}
		}
	}

	s.mu.Lock()
	s.templates = found
	s.mu.Unlock()

	s.logger.Debug("Templates loaded", "dir", s.dir, "count", len(found))
	return nil
}

// Get returns a template by name.
func (s *Store) Get(name string) (*Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	return t, ok
}

// List returns all template names, sorted load order not guaranteed.
func (s *Store) List() []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	return out
}

// Watch reloads the store whenever files under the directory change.
// It blocks until the context is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	// Watch subdirectories too; fsnotify is not recursive
	err = filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != s.dir {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch subdirectories: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("Template change detected", "path", event.Name, "op", event.Op.String())
			if err := s.Reload(); err != nil {
				s.logger.Warn("Template reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Template watcher error", "error", err)
		}
	}
}

func templateName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
