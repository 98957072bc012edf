// Package commands implements the CLI commands for secmgr server management.
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

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "secmgr",
	Short: "secmgr - Session manager for enterprise access gateways",
	Long: `secmgr is the session manager behind an enterprise access gateway.

It maintains server-side sessions addressed by unguessable identifiers,
stores per-session string and binary values, reaps idle sessions, and
captures Kerberos delegated credentials so the gateway can obtain backend
service tickets on the authenticated user's behalf.

Use "secmgr [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/secmgr/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(keytabCmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
