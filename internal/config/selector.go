package config

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/opencode-ai/lspmux/pkg/types"
)

// Selector finds the client configuration responsible for a file.
type Selector interface {
	Select(path string) (types.ClientConfig, bool)
}

// GlobSelector matches files against the doublestar patterns in
// ClientConfig.Files. Patterns are matched against the path relative to
// Root, and patterns without a slash also against the base name.
type GlobSelector struct {
	Root     string
	Settings *types.Settings
}

// NewSelector creates a GlobSelector over settings.
func NewSelector(settings *types.Settings, root string) *GlobSelector {
	return &GlobSelector{Root: root, Settings: settings}
}

// Select returns the first enabled configuration, by name, with a matching
// pattern.
func (s *GlobSelector) Select(path string) (types.ClientConfig, bool) {
	rel := path
	if s.Root != "" && filepath.IsAbs(path) {
		if r, err := filepath.Rel(s.Root, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	rel = filepath.ToSlash(rel)
	base := filepath.Base(path)

	for _, name := range ClientNames(s.Settings) {
		cfg := s.Settings.Clients[name]
		if !cfg.IsEnabled() {
			continue
		}
		for _, pattern := range cfg.Files {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return cfg, true
			}
			if !strings.Contains(pattern, "/") {
				if ok, _ := doublestar.Match(pattern, base); ok {
					return cfg, true
				}
			}
		}
	}
	return types.ClientConfig{}, false
}
