package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lambdev/lambdev/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "lambdev",
	Short: "Local Lambda development server",
	Long: `Run AWS Lambda functions locally with hot reloading.

lambdev serves the Lambda Runtime and Extensions APIs, spawns function
processes on demand, and rebuilds and restarts them when source files change.`,
	Version: cli.Version,
}

func main() {
	rootCmd.AddCommand(cli.NewWatchCommand())
	rootCmd.AddCommand(cli.NewInvokeCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
