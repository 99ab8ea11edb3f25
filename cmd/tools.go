package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tool servers and their tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		servers, err := newClient().ListTools(context.Background())
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(servers) == 0 {
			fmt.Fprintln(w, "no tool servers")
			return nil
		}

		name := color.New(color.FgMagenta, color.Bold).SprintFunc()
		on := color.New(color.FgGreen).SprintFunc()
		off := color.New(color.FgRed).SprintFunc()
		for _, server := range servers {
			state := on("enabled")
			if !server.Enabled || server.Disabled {
				state = off("disabled")
			}
			fmt.Fprintf(w, "%s (%s)\n", name(server.Name), state)
			if server.Description != "" {
				fmt.Fprintf(w, "  %s\n", server.Description)
			}
			for _, tool := range server.Tools {
				mark := on("+")
				if !tool.Enabled {
					mark = off("-")
				}
				fmt.Fprintf(w, "  %s %s", mark, tool.Name)
				if tool.Description != "" {
					fmt.Fprintf(w, ": %s", tool.Description)
				}
				fmt.Fprintln(w)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}
