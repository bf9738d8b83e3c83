// Package main is the relay daemon: it wires configuration, the durable
// store, the event bus, model providers, and the session runtime together,
// and keeps them running until signalled.
//
// Start the daemon:
//
//	relayd serve --config relay.yaml
//
// API keys are read from the environment by default:
//
//   - ANTHROPIC_API_KEY: Anthropic key for Claude models
//   - OPENAI_API_KEY: OpenAI key for GPT models
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "relayd",
		Short:         "Session runtime daemon for tool-using conversational agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relayd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relayd", version)
		},
	}
}
