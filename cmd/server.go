package cmd

import (
	"GroupFM/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动GroupFM服务器",
	Long:  `启动GroupFM群组听歌系统的HTTP服务器，提供群组API和实时推送`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
