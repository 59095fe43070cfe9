package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "telertc",
	Short: "Join telehealth video consultations from the command line",
	Long: `telertc joins a consultation's video room, subscribes to every remote
participant, optionally publishes local media from files and records the
received tracks.

Environment Variables:
  TELERTC_TOKEN         bearer token of the joining user
  TELERTC_CONSULTATION  consultation id
  TELERTC_API_URL       consultation API base url
  LOG_LEVEL             debug, info, warn or error`,
	Version: version,
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
