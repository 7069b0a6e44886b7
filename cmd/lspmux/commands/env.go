package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/lspmux/internal/config"
	"github.com/opencode-ai/lspmux/internal/environ"
	"github.com/opencode-ai/lspmux/internal/workspace"
	"github.com/opencode-ai/lspmux/pkg/types"
)

var (
	envWindow int
	envAll    bool
)

var envCmd = &cobra.Command{
	Use:   "env <config>",
	Short: "Print the resolved command and environment of a configuration",
	Long: `Resolve a configuration the way a session start would and print the
command line, working directory and environment.

Only variables that differ from the current environment are printed
unless --all is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnv,
}

func init() {
	envCmd.Flags().IntVarP(&envWindow, "window", "w", 1, "Window id used for ${window}")
	envCmd.Flags().BoolVar(&envAll, "all", false, "Print the whole environment")
}

func runEnv(cmd *cobra.Command, args []string) error {
	dir, settings, err := loadSettings()
	if err != nil {
		return err
	}

	name := args[0]
	cfg, ok := settings.Client(name)
	if !ok {
		return unknownConfigError(settings, name)
	}

	projectPath := workspace.FindRoot(dir)
	vars, base, err := environ.FromHost(cfg, projectPath, map[string]string{
		"project_path": projectPath,
		"window":       fmt.Sprint(envWindow),
	})
	if err != nil {
		return err
	}
	launch, err := environ.Resolve(cfg, vars, base)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printHeader(out, "command:", strings.Join(launch.Args, " "))
	printHeader(out, "dir:", launch.Dir)
	if !cfg.IsEnabled() {
		fmt.Fprintln(out, warnColor.Sprint("disabled"))
	}
	printHeader(out, "env:", "")

	keys := make([]string, 0, len(launch.Env))
	for k, v := range launch.Env {
		if envAll || base[k] != v {
			keys = append(keys, k)
		}
	}
	for k := range base {
		if _, ok := launch.Env[k]; !ok {
			fmt.Fprintln(out, dimColor.Sprintf("  -%s", k))
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s=%s\n", k, launch.Env[k])
	}
	return nil
}

// unknownConfigError names the closest configured clients.
func unknownConfigError(settings *types.Settings, name string) error {
	if s := suggest(name, config.ClientNames(settings)); len(s) > 0 {
		return fmt.Errorf("unknown configuration %q, did you mean %s?", name, strings.Join(s, " or "))
	}
	return fmt.Errorf("unknown configuration %q", name)
}

// suggest returns the candidates within an edit distance of a third of
// name's length, closest first.
func suggest(name string, candidates []string) []string {
	limit := len(name)/3 + 1
	type scored struct {
		name string
		dist int
	}
	var matches []scored
	for _, c := range candidates {
		if d := levenshtein.ComputeDistance(name, c); d <= limit {
			matches = append(matches, scored{c, d})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].dist < matches[j].dist })

	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = fmt.Sprintf("%q", m.name)
	}
	return out
}
