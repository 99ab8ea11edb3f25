package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <chat-id>",
	Short: "Print the transcript of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runner := newRunner(cmd)
		defer runner.Cleanup()
		return runner.Show(context.Background(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}
