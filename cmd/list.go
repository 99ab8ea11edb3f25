package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/killallgit/divechat/pkg/client"
	"github.com/killallgit/divechat/pkg/config"
	"github.com/killallgit/divechat/pkg/memory"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		w := cmd.OutOrStdout()

		if cached, _ := cmd.Flags().GetBool("cached"); cached {
			return listCached(ctx, w)
		}

		all, _ := cmd.Flags().GetBool("all")
		chats, err := newClient().ListChats(ctx, sessionFilter(all))
		if err != nil {
			return err
		}
		printChats(w, chats)
		return nil
	},
}

// sessionFilter restricts listings to this client's chats unless all is set
func sessionFilter(all bool) string {
	if all {
		return ""
	}
	return config.Get().Session.ID
}

func printChats(w io.Writer, chats []client.ChatSummary) {
	if len(chats) == 0 {
		fmt.Fprintln(w, "no chats")
		return
	}
	header := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s  %s  %s\n", header(fmt.Sprintf("%-36s", "ID")), header(fmt.Sprintf("%-16s", "CREATED")), header("TITLE"))
	for _, chat := range chats {
		fmt.Fprintf(w, "%-36s  %-16s  %s\n", chat.ID, formatTime(chat.CreatedAt), chat.Title)
	}
}

func listCached(ctx context.Context, w io.Writer) error {
	store, err := memory.NewFromConfig()
	if err != nil {
		return err
	}
	defer store.Close()

	transcripts, err := store.ListTranscripts(ctx)
	if err != nil {
		return err
	}
	if len(transcripts) == 0 {
		fmt.Fprintln(w, "no cached chats")
		return nil
	}
	header := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s  %s  %s  %s\n", header(fmt.Sprintf("%-36s", "ID")), header(fmt.Sprintf("%-16s", "UPDATED")), header(fmt.Sprintf("%5s", "MSGS")), header("TITLE"))
	for _, t := range transcripts {
		fmt.Fprintf(w, "%-36s  %-16s  %5d  %s\n", t.ChatID, formatTime(t.UpdatedAt), t.Messages, t.Title)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func init() {
	listCmd.Flags().BoolP("all", "a", false, "list chats of every session")
	listCmd.Flags().Bool("cached", false, "list the local transcript cache instead")
	rootCmd.AddCommand(listCmd)
}
