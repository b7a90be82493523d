package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "memoir",
	Short: "memoir is a self-hosted semantic memory service",
	Long: "memoir ingests free-form text into named collections, indexes it for " +
		"semantic search, and answers questions about it with an LLM.",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the memoir version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
