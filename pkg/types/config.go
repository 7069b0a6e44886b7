// Package types holds the settings data model shared by the CLI and the
// launcher.
package types

// Settings is the merged lspmux configuration.
type Settings struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Language server configurations by name
	Clients map[string]ClientConfig `json:"clients,omitempty" yaml:"clients,omitempty"`

	// Logging switches
	LogDebug    *bool `json:"log_debug,omitempty" yaml:"log_debug,omitempty"`
	LogStderr   *bool `json:"log_stderr,omitempty" yaml:"log_stderr,omitempty"`
	LogPayloads *bool `json:"log_payloads,omitempty" yaml:"log_payloads,omitempty"`

	// TCP connect budget in milliseconds, 0 means the default
	ConnectTimeout int `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`

	// Status server
	Server *ServerConfig `json:"server,omitempty" yaml:"server,omitempty"`
}

// Debug reports whether debug logging is enabled.
func (s *Settings) Debug() bool {
	return s.LogDebug != nil && *s.LogDebug
}

// Stderr reports whether server stderr output is logged.
func (s *Settings) Stderr() bool {
	return s.LogStderr != nil && *s.LogStderr
}

// Payloads reports whether message params and results are logged.
func (s *Settings) Payloads() bool {
	return s.LogPayloads != nil && *s.LogPayloads
}

// Client returns the configuration called name.
func (s *Settings) Client(name string) (ClientConfig, bool) {
	c, ok := s.Clients[name]
	return c, ok
}

// ClientConfig describes how to launch and talk to one language server.
type ClientConfig struct {
	// Name is the key of the configuration in Settings.Clients.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Command is the launch template; elements may use ~ and $VAR.
	Command []string `json:"command" yaml:"command"`

	// TCPPort makes the launcher connect to localhost:TCPPort instead of
	// talking over stdio.
	TCPPort int `json:"tcp_port,omitempty" yaml:"tcp_port,omitempty"`

	// Env values are strings or lists of strings; lists are joined with the
	// platform path list separator.
	Env map[string]any `json:"env,omitempty" yaml:"env,omitempty"`

	// EnvFile is a dotenv file applied before Env.
	EnvFile string `json:"env_file,omitempty" yaml:"env_file,omitempty"`

	// Files are doublestar globs selecting the files this server handles.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`

	LanguageID            string         `json:"languageId,omitempty" yaml:"languageId,omitempty"`
	InitializationOptions map[string]any `json:"initializationOptions,omitempty" yaml:"initializationOptions,omitempty"`

	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the configuration may be started. Configurations
// are enabled unless stated otherwise.
func (c ClientConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ServerConfig holds status server settings.
type ServerConfig struct {
	Addr        string   `json:"addr,omitempty" yaml:"addr,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}
