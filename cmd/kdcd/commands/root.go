// Package commands implements the kdcd command line.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"
	Commit  = "none"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "kdcd",
	Short: "Kerberos key distribution center",
	Long: `kdcd answers Kerberos AS and TGS requests for a single realm over
UDP and TCP.

Use "kdcd serve" to run the KDC, "kdcd principal" to manage the principal
database and "kdcd probe" to ask a running KDC for tickets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (KDCD_* environment variables override it)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(principalCmd)
	rootCmd.AddCommand(keytabCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
