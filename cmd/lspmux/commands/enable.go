package commands

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/lspmux/internal/config"
)

var enableCmd = &cobra.Command{
	Use:   "enable <config>",
	Short: "Enable a configuration in the project settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <config>",
	Short: "Disable a configuration in the project settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], false)
	},
}

func setEnabled(cmd *cobra.Command, name string, enabled bool) error {
	dir, settings, err := loadSettings()
	if err != nil {
		return err
	}
	if _, ok := settings.Client(name); !ok {
		return unknownConfigError(settings, name)
	}
	if err := config.SetEnabled(afero.NewOsFs(), dir, name, enabled); err != nil {
		return err
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s in %s\n", nameColor.Sprint(name), state, config.ProjectConfigPath(dir))
	return nil
}
