// Package config provides settings loading and path management.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard paths for lspmux data.
type Paths struct {
	Config string // ~/.config/lspmux
	State  string // ~/.local/state/lspmux
}

// GetPaths returns the standard paths for lspmux data.
func GetPaths() *Paths {
	return &Paths{
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "lspmux"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "lspmux"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Config, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// LogPath returns the path of the log file used by serve.
func (p *Paths) LogPath() string {
	return filepath.Join(p.State, "lspmux.log")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}

// GlobalConfigPath returns the path to the global settings file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "lspmux.json")
}

// ProjectConfigPath returns the path to the project settings file.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".lspmux", "lspmux.json")
}
