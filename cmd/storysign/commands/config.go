package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prats-2311/story-sign-sub001/internal/config"
)

// ConfigCmd groups configuration-file maintenance subcommands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or scaffold StorySign's TOML configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write (or fill in missing defaults in) a storysign.toml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "storysign.toml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote configuration defaults to %s\n", path)
		return nil
	},
}

func init() {
	ConfigCmd.AddCommand(configInitCmd)
}
