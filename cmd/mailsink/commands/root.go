// Package commands implements the mailsink command line.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "mailsink",
	Short: "mailsink - SMTP sink for development and testing",
	Long: `mailsink accepts mail over SMTP and hands it to listeners instead of
relaying it. The serve command runs the daemon; send submits a message to any
SMTP server.

Use "mailsink [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML); defaults are used when empty")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
