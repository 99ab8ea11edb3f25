package cmd

import (
	"fmt"
	"os"

	"github.com/killallgit/divechat/pkg/client"
	"github.com/killallgit/divechat/pkg/config"
	"github.com/killallgit/divechat/pkg/headless"
	"github.com/killallgit/divechat/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "divechat",
	Short: "Terminal client for Dive chats",
	Long: `Chat with a Dive backend from the terminal.

Replies stream as they are generated, tool calls and citations included.
Chats can be reopened, retried, edited, listed and deleted.`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Close()
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is .divechat/settings.yaml)")

	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level")
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().StringP("server", "s", "http://localhost:4321", "chat backend URL")
	viper.BindPFlag("server.url", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.PersistentFlags().String("sources", "inline", "where citations come from: inline or endpoint")
	viper.BindPFlag("sources.mode", rootCmd.PersistentFlags().Lookup("sources"))
}

func initConfig() {
	if _, err := config.Load(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("using config file: %s", config.GetConfigFileUsed())
}

func newClient() *client.Client {
	cfg := config.Get()
	return client.New(cfg.Server.URL, cfg.Server.Timeout)
}

func newRunner(cmd *cobra.Command) *headless.Runner {
	return headless.NewRunnerFromConfig(cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func status(cmd *cobra.Command) *headless.Output {
	return headless.NewOutput(cmd.ErrOrStderr())
}
