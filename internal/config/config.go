package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/lspmux/pkg/types"
)

// Environment variables consulted by Load.
const (
	EnvConfig        = "LSPMUX_CONFIG"
	EnvConfigContent = "LSPMUX_CONFIG_CONTENT"
	EnvLogDebug      = "LSPMUX_LOG_DEBUG"
	EnvLogStderr     = "LSPMUX_LOG_STDERR"
	EnvLogPayloads   = "LSPMUX_LOG_PAYLOADS"
)

// FileNames are the settings file names searched in every config directory,
// in load order.
var FileNames = []string{"lspmux.json", "lspmux.jsonc", "lspmux.yaml", "lspmux.yml"}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Load loads settings from the OS file system. See LoadFs.
func Load(directory string) (*types.Settings, error) {
	return LoadFs(afero.NewOsFs(), directory)
}

// LoadFs loads settings from multiple sources (priority order):
// 1. Global config (XDG config dir)
// 2. Project config (<directory>/lspmux.* and <directory>/.lspmux/)
// 3. LSPMUX_CONFIG file
// 4. LSPMUX_CONFIG_CONTENT inline JSON
// 5. Environment variables
//
// Missing files are skipped; a file that exists but does not parse is an
// error.
func LoadFs(fs afero.Fs, directory string) (*types.Settings, error) {
	settings := &types.Settings{
		Clients: make(map[string]types.ClientConfig),
	}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string) error {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil
		}
		if loaded[absPath] {
			return nil
		}
		ok, err := loadFile(fs, path, settings)
		if err != nil {
			return err
		}
		if ok {
			loaded[absPath] = true
		}
		return nil
	}

	var paths []string
	for _, dir := range SearchDirs(directory) {
		for _, name := range FileNames {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	if configPath := os.Getenv(EnvConfig); configPath != "" {
		paths = append(paths, configPath)
	}

	for _, path := range paths {
		if err := loadOnce(path); err != nil {
			return nil, err
		}
	}

	if content := os.Getenv(EnvConfigContent); content != "" {
		var inline types.Settings
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvConfigContent, err)
		}
		mergeSettings(settings, &inline)
	}

	applyEnvOverrides(settings)

	for name, c := range settings.Clients {
		c.Name = name
		settings.Clients[name] = c
	}

	return settings, nil
}

// SearchDirs returns the directories searched for settings files, global
// first.
func SearchDirs(directory string) []string {
	dirs := []string{GetPaths().Config}
	if directory != "" {
		dirs = append(dirs, directory, filepath.Join(directory, ".lspmux"))
	}
	return dirs
}

// loadFile merges one settings file into settings. It reports false when the
// file does not exist.
func loadFile(fs afero.Fs, path string, settings *types.Settings) (bool, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	data = interpolate(fs, data, filepath.Dir(path))

	var fileSettings types.Settings
	if err := unmarshal(path, data, &fileSettings); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}

	mergeSettings(settings, &fileSettings)
	return true, nil
}

func unmarshal(path string, data []byte, v *types.Settings) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, v)
	default:
		// Strip JSONC comments using tidwall/jsonc
		return json.Unmarshal(jsonc.ToJSON(data), v)
	}
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(fs afero.Fs, data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := afero.ReadFile(fs, filePath)
		if err != nil {
			return match
		}

		// Escape for a JSON string; the quotes are dropped again.
		escaped, _ := json.Marshal(strings.TrimRight(string(content), "\n"))
		return string(escaped[1 : len(escaped)-1])
	})

	return []byte(str)
}

// mergeSettings merges source into target. Client configurations merge
// field by field, so a project file can override a single setting of a
// global server.
func mergeSettings(target, source *types.Settings) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.LogDebug != nil {
		target.LogDebug = source.LogDebug
	}
	if source.LogStderr != nil {
		target.LogStderr = source.LogStderr
	}
	if source.LogPayloads != nil {
		target.LogPayloads = source.LogPayloads
	}
	if source.ConnectTimeout != 0 {
		target.ConnectTimeout = source.ConnectTimeout
	}
	if source.Server != nil {
		target.Server = source.Server
	}

	if source.Clients != nil {
		if target.Clients == nil {
			target.Clients = make(map[string]types.ClientConfig)
		}
		for k, v := range source.Clients {
			target.Clients[k] = mergeClient(target.Clients[k], v)
		}
	}
}

func mergeClient(target, source types.ClientConfig) types.ClientConfig {
	if len(source.Command) > 0 {
		target.Command = source.Command
	}
	if source.TCPPort != 0 {
		target.TCPPort = source.TCPPort
	}
	if source.Env != nil {
		if target.Env == nil {
			target.Env = make(map[string]any)
		}
		for k, v := range source.Env {
			target.Env[k] = v
		}
	}
	if source.EnvFile != "" {
		target.EnvFile = source.EnvFile
	}
	if len(source.Files) > 0 {
		target.Files = source.Files
	}
	if source.LanguageID != "" {
		target.LanguageID = source.LanguageID
	}
	if source.InitializationOptions != nil {
		target.InitializationOptions = source.InitializationOptions
	}
	if source.Enabled != nil {
		target.Enabled = source.Enabled
	}
	return target
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(settings *types.Settings) {
	overrides := []struct {
		name   string
		target **bool
	}{
		{EnvLogDebug, &settings.LogDebug},
		{EnvLogStderr, &settings.LogStderr},
		{EnvLogPayloads, &settings.LogPayloads},
	}
	for _, o := range overrides {
		raw := os.Getenv(o.name)
		if raw == "" {
			continue
		}
		if v, err := strconv.ParseBool(raw); err == nil {
			*o.target = &v
		}
	}
}

// ClientNames returns the configured client names in sorted order.
func ClientNames(settings *types.Settings) []string {
	names := make([]string, 0, len(settings.Clients))
	for name := range settings.Clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetEnabled records in the project settings file of directory whether the
// configuration name may start. Other content of the file is preserved,
// comments excepted.
func SetEnabled(fs afero.Fs, directory, name string, enabled bool) error {
	path := ProjectConfigPath(directory)

	doc := make(map[string]any)
	data, err := afero.ReadFile(fs, path)
	switch {
	case err == nil:
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("read %s: %w", path, err)
	}

	clients, _ := doc["clients"].(map[string]any)
	if clients == nil {
		clients = make(map[string]any)
		doc["clients"] = clients
	}
	client, _ := clients[name].(map[string]any)
	if client == nil {
		client = make(map[string]any)
		clients[name] = client
	}
	client["enabled"] = enabled

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, out, 0644)
}

// Save writes settings as indented JSON.
func Save(fs afero.Fs, settings *types.Settings, path string) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	return afero.WriteFile(fs, path, data, 0644)
}
