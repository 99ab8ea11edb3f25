package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/killallgit/divechat/pkg/transcript"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a prompt, or start an interactive chat",
	Long: `Send a prompt and stream the reply. Without a prompt, prompts are read
line by line from stdin; /new starts a new chat, /retry regenerates the
last reply and /quit exits. Ctrl-C aborts the reply being streamed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		runner := newRunner(cmd)
		defer runner.Cleanup()

		chatID, _ := cmd.Flags().GetString("chat")
		if chatID != "" {
			if err := runner.Open(ctx, chatID); err != nil {
				return err
			}
		}

		paths, _ := cmd.Flags().GetStringSlice("file")
		files, err := attachments(paths)
		if err != nil {
			return err
		}

		if len(args) == 0 {
			return runner.REPL(ctx, cmd.InOrStdin())
		}
		return runner.Send(ctx, strings.Join(args, " "), files)
	},
}

// attachments describes the files to upload with a prompt
func attachments(paths []string) ([]transcript.File, error) {
	files := make([]transcript.File, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		files = append(files, transcript.File{
			Name: filepath.Base(path),
			Path: path,
			Size: info.Size(),
		})
	}
	return files, nil
}

func init() {
	chatCmd.Flags().StringP("chat", "C", "", "continue the chat with this id")
	chatCmd.Flags().StringSliceP("file", "f", nil, "attach a file (repeatable)")
	rootCmd.AddCommand(chatCmd)
}
