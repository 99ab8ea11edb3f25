package cmd

import (
	"github.com/killallgit/divechat/pkg/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default settings file to .divechat/settings.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.InitializeDefaults()
		if err != nil {
			return err
		}
		status(cmd).Success("settings at %s", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
