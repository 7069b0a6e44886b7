// Package commands provides the CLI commands for lspmux.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/lspmux/internal/config"
	"github.com/opencode-ai/lspmux/internal/logging"
	"github.com/opencode-ai/lspmux/pkg/types"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs  bool
	logLevel   string
	configFile string
	workDir    string
)

var rootCmd = &cobra.Command{
	Use:   "lspmux",
	Short: "lspmux - language server session multiplexer",
	Long: `lspmux starts language servers per editor window and configuration,
talks to them over JSON-RPC and shuts them down when windows close.

Run 'lspmux request <file> --method textDocument/hover' for a one-shot
request, or 'lspmux serve' to manage sessions over HTTP.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := os.Setenv(config.EnvConfig, configFile); err != nil {
				return err
			}
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Settings file loaded after the global and project files")
	rootCmd.PersistentFlags().StringVarP(&workDir, "directory", "C", "", "Project directory (default: current directory)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("lspmux %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(debugCmd)
}

// Execute runs the root command.
func Execute() error {
	defer logging.Close()
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// loadSettings loads the settings of the working directory and sets up
// logging from the flags and the log_debug switch.
func loadSettings() (string, *types.Settings, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return "", nil, err
	}
	settings, err := config.Load(dir)
	if err != nil {
		return "", nil, err
	}
	if err := initLogging(settings); err != nil {
		return "", nil, err
	}
	return dir, settings, nil
}

// initLogging writes logs to stderr with --print-logs and to the log file
// otherwise.
func initLogging(settings *types.Settings) error {
	level := logging.ParseLevel(logLevel)
	if settings.Debug() {
		level = logging.DebugLevel
	}

	cfg := logging.Config{Level: level, Output: os.Stderr, Pretty: printLogs}
	if !printLogs {
		paths := config.GetPaths()
		if err := paths.EnsurePaths(); err != nil {
			return err
		}
		cfg.File = paths.LogPath()
	}
	return logging.Init(cfg)
}
