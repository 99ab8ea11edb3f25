package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/killallgit/divechat/pkg/config"
	"github.com/killallgit/divechat/pkg/logger"
	"github.com/killallgit/divechat/pkg/memory"
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [chat-id...]",
	Short: "Delete chats and their tool server state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		out := status(cmd)
		c := newClient()
		all, _ := cmd.Flags().GetBool("all")

		if all {
			res, err := c.ClearAll(ctx, sessionFilter(true))
			if err != nil {
				return err
			}
			forgetCached(ctx, nil)
			if res.Failed > 0 {
				out.Warn("deleted %d chat(s), %d failed", res.Deleted, res.Failed)
				return nil
			}
			out.Success("deleted %d chat(s)", res.Deleted)
			return nil
		}

		if len(args) == 0 {
			return errors.New("give at least one chat id, or --all")
		}

		failed := 0
		for _, chatID := range args {
			if err := c.DeleteChat(ctx, chatID); err != nil {
				out.Error("%v", err)
				failed++
				continue
			}
			if err := c.ClearMCP(ctx, chatID); err != nil {
				out.Warn("%v", err)
			}
			forgetCached(ctx, []string{chatID})
			out.Success("deleted %s", chatID)
		}
		if failed > 0 {
			return fmt.Errorf("%d chat(s) could not be deleted", failed)
		}
		return nil
	},
}

// forgetCached drops chats from the local cache; nil drops them all
func forgetCached(ctx context.Context, chatIDs []string) {
	if !config.Get().Cache.Enabled {
		return
	}
	store, err := memory.NewFromConfig()
	if err != nil {
		logger.Warn("failed to open transcript cache: %v", err)
		return
	}
	defer store.Close()

	if chatIDs == nil {
		if err := store.Clear(ctx); err != nil {
			logger.Warn("failed to clear transcript cache: %v", err)
		}
		return
	}
	for _, id := range chatIDs {
		if err := store.DeleteTranscript(ctx, id); err != nil {
			logger.Warn("failed to drop cached transcript %s: %v", id, err)
		}
	}
}

func init() {
	deleteCmd.Flags().BoolP("all", "a", false, "delete every chat")
	rootCmd.AddCommand(deleteCmd)
}
