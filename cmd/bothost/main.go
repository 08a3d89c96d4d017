// bothost hosts user-uploaded Python bots: uploads are scanned for malicious
// code, run under a supervisor and watched for files dropped after launch.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bothost",
	Short: "bothost — multi-tenant hosting for user-uploaded Python bots.",
	Long: `bothost accepts zip archives of Python bots, scans every file with a
language-model classifier before anything runs, supervises the chosen entry
file as a child process and keeps watching its directory for new or changed
files while it runs.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
