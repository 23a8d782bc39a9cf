package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/prats-2311/story-sign-sub001/cmd/storysign/commands"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "storysign",
	Short: "StorySign — real-time ASL learning server",
	Long: `StorySign is the control-plane server for an interactive American
Sign Language learning platform: it accepts a client's webcam frames over
WebSocket, extracts hand/face/pose landmarks, drives a gesture-segmentation
state machine, and dispatches completed attempts for feedback, all behind
an adaptive quality controller that degrades gracefully under load.

Available commands:
  server   - Start the StorySign server
  config   - Inspect or scaffold the TOML configuration file
  version  - Show version information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		return logging.Initialize(jsonLogs)
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "emit structured JSON logs instead of console output")
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
