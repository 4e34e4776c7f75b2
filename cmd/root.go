package cmd

import (
	"fmt"
	"log"
	"os"

	"GroupFM/server"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "groupfm_server",
	Short: "GroupFM is a shared Spotify group listening service.",
	Run: func(cmd *cobra.Command, args []string) {
		log.Println("Starting GroupFM server...")
		// server.Start handles its own port and startup logging.
		server.Start()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
