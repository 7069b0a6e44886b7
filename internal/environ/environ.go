// Package environ resolves a client configuration into the argument list,
// environment and working directory of a server process.
//
// Resolve is pure: it reads nothing but its arguments. FromHost gathers the
// arguments from the running process.
package environ

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"mvdan.cc/sh/v3/shell"

	"github.com/opencode-ai/lspmux/pkg/types"
)

// ErrNoCommand is returned for a configuration without a command.
var ErrNoCommand = errors.New("configuration has no command")

// Variables are the host supplied inputs of a resolution.
type Variables struct {
	// Home replaces a leading ~ in arguments and env values.
	Home string

	// WorkingDir becomes the process working directory.
	WorkingDir string

	// Paths are prepended to PATH, in order.
	Paths []string

	// Values are host variables such as project_path. They take precedence
	// over the base environment during expansion.
	Values map[string]string

	// DotEnv holds the entries of the configuration's EnvFile.
	DotEnv map[string]string
}

// Launch is a resolved process description.
type Launch struct {
	Args []string
	Env  map[string]string
	Dir  string
}

// Environ returns Env as a sorted KEY=VALUE list for exec.Cmd.
func (l *Launch) Environ() []string {
	out := make([]string, 0, len(l.Env))
	for k, v := range l.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Resolve expands cfg against vars and the base environment.
//
// Arguments get ~ expansion, then $name and ${name} substitution; unknown
// names expand to the empty string. The environment starts as a copy of
// base, overlaid with vars.DotEnv and then cfg.Env. List values are joined
// with the platform path list separator and a nil value removes the
// variable. Every overlaid value is expanded like an argument, against the
// host variables and base, never against other overlaid values.
func Resolve(cfg types.ClientConfig, vars Variables, base map[string]string) (*Launch, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoCommand, cfg.Name)
	}

	lookup := func(name string) string {
		if v, ok := vars.Values[name]; ok {
			return v
		}
		return base[name]
	}

	args := make([]string, 0, len(cfg.Command))
	for _, arg := range cfg.Command {
		expanded, err := expand(arg, vars.Home, lookup)
		if err != nil {
			return nil, fmt.Errorf("expand argument %q: %w", arg, err)
		}
		args = append(args, expanded)
	}

	env := make(map[string]string, len(base)+len(vars.DotEnv)+len(cfg.Env))
	for k, v := range base {
		env[k] = v
	}

	for _, k := range sortedKeys(vars.DotEnv) {
		expanded, err := expand(vars.DotEnv[k], vars.Home, lookup)
		if err != nil {
			return nil, fmt.Errorf("expand %s from env file: %w", k, err)
		}
		env[k] = expanded
	}

	for _, k := range sortedKeys(cfg.Env) {
		raw := cfg.Env[k]
		if raw == nil {
			delete(env, k)
			continue
		}
		value, err := envValue(raw, vars.Home, lookup)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", k, err)
		}
		env[k] = value
	}

	if len(vars.Paths) > 0 {
		parts := append([]string(nil), vars.Paths...)
		if current := env["PATH"]; current != "" {
			parts = append(parts, current)
		}
		env["PATH"] = strings.Join(parts, string(os.PathListSeparator))
	}

	return &Launch{Args: args, Env: env, Dir: vars.WorkingDir}, nil
}

// envValue turns a configured value into a string. Scalars are weakly
// decoded, so numbers and booleans are accepted; lists are expanded element
// by element and joined.
func envValue(raw any, home string, lookup func(string) string) (string, error) {
	switch raw.(type) {
	case []any, []string:
		var items []string
		if err := mapstructure.WeakDecode(raw, &items); err != nil {
			return "", err
		}
		for i, item := range items {
			expanded, err := expand(item, home, lookup)
			if err != nil {
				return "", err
			}
			items[i] = expanded
		}
		return strings.Join(items, string(os.PathListSeparator)), nil
	case map[string]any:
		return "", fmt.Errorf("unsupported value type %T", raw)
	default:
		var s string
		if err := mapstructure.WeakDecode(raw, &s); err != nil {
			return "", err
		}
		return expand(s, home, lookup)
	}
}

// expand applies ~ expansion and then shell style parameter expansion.
func expand(s, home string, lookup func(string) string) (string, error) {
	if home != "" && (s == "~" || strings.HasPrefix(s, "~/")) {
		s = home + s[1:]
	}
	if !strings.Contains(s, "$") {
		return s, nil
	}
	return shell.Expand(s, lookup)
}

// FromHost builds the variables and base environment of cfg from the
// running process. The EnvFile of cfg, when set, is read relative to
// workingDir.
func FromHost(cfg types.ClientConfig, workingDir string, values map[string]string) (Variables, map[string]string, error) {
	home, _ := os.UserHomeDir()

	base := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			base[k] = v
		}
	}

	vars := Variables{
		Home:       home,
		WorkingDir: workingDir,
		Values:     values,
	}

	if cfg.EnvFile != "" {
		path := cfg.EnvFile
		if strings.HasPrefix(path, "~/") && home != "" {
			path = filepath.Join(home, path[2:])
		} else if !filepath.IsAbs(path) {
			path = filepath.Join(workingDir, path)
		}
		dotenv, err := godotenv.Read(path)
		if err != nil {
			return Variables{}, nil, fmt.Errorf("read env file: %w", err)
		}
		vars.DotEnv = dotenv
	}

	return vars, base, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
