package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <chat-id> [message-id]",
	Short: "Regenerate a reply, the last one by default",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		runner := newRunner(cmd)
		defer runner.Cleanup()

		if err := runner.Open(ctx, args[0]); err != nil {
			return err
		}
		messageID := ""
		if len(args) == 2 {
			messageID = args[1]
		}
		return runner.Retry(ctx, messageID)
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <chat-id> <message-id> <new prompt>",
	Short: "Replace a prompt and regenerate its reply",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		runner := newRunner(cmd)
		defer runner.Cleanup()

		if err := runner.Open(ctx, args[0]); err != nil {
			return err
		}
		return runner.Edit(ctx, args[1], strings.Join(args[2:], " "))
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(editCmd)
}
