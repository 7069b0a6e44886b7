// Package config provides settings loading, merging, file selection and
// path management for lspmux.
//
// # Settings Loading
//
// LoadFs reads settings through an afero.Fs and merges them in priority
// order:
//
//  1. Global settings (~/.config/lspmux/, XDG compatible)
//  2. Project settings (<dir>/lspmux.* then <dir>/.lspmux/lspmux.*)
//  3. LSPMUX_CONFIG file
//  4. LSPMUX_CONFIG_CONTENT inline JSON
//  5. Environment variables
//
// # Supported Formats
//
//   - lspmux.json, lspmux.jsonc - JSON with optional comments (tidwall/jsonc)
//   - lspmux.yaml, lspmux.yml - YAML (gopkg.in/yaml.v3)
//
// # Variable Interpolation
//
// Settings files support two placeholders:
//   - {env:VAR_NAME} - Expands to environment variable values
//   - {file:path} - Expands to file contents, escaped for a JSON string
//
// Relative {file:...} paths are resolved against the directory of the
// settings file; ~/ expands to the home directory.
//
//	{
//	  "clients": {
//	    "pyls": {
//	      "command": ["pyls"],
//	      "files": ["**/*.py"],
//	      "env": {"PYTHONPATH": ["{env:HOME}/lib", "./src"]}
//	    }
//	  }
//	}
//
// # Merging
//
// Later sources win. Logging switches only override when set, and client
// configurations merge field by field with env maps combined by key.
// SetEnabled writes the enabled flag of one configuration into the project
// settings file.
//
// # Environment Variable Overrides
//
//   - LSPMUX_LOG_DEBUG, LSPMUX_LOG_STDERR, LSPMUX_LOG_PAYLOADS - booleans
//   - LSPMUX_CONFIG - Path to a specific settings file
//   - LSPMUX_CONFIG_CONTENT - Inline JSON settings
//
// # Selection and Watching
//
// GlobSelector maps a file to the first enabled configuration whose Files
// patterns (bmatcuk/doublestar) match it. Watcher reports writes to any
// settings file through fsnotify.
package config
