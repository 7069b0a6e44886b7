package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/lspmux/internal/config"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debug utilities",
}

var debugConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the merged settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, settings, err := loadSettings()
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), settings)
	},
}

var debugPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Print the settings search paths and data directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := GetWorkDir(workDir)
		if err != nil {
			return err
		}
		paths := config.GetPaths()

		var files []string
		for _, d := range config.SearchDirs(dir) {
			for _, name := range config.FileNames {
				files = append(files, filepath.Join(d, name))
			}
		}

		return printJSON(cmd.OutOrStdout(), map[string]any{
			"config":   paths.Config,
			"state":    paths.State,
			"log":      paths.LogPath(),
			"global":   config.GlobalConfigPath(),
			"project":  config.ProjectConfigPath(dir),
			"override": os.Getenv(config.EnvConfig),
			"searched": files,
		})
	},
}

func init() {
	debugCmd.AddCommand(debugConfigCmd)
	debugCmd.AddCommand(debugPathsCmd)
}
