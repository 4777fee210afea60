// Package main is the miniclaw CLI: a long-running personal assistant
// runtime that bridges chat channels to LLM providers with tool execution,
// per-session run scheduling, and crash-safe local persistence.
//
// Basic usage:
//
//	miniclaw serve --config miniclaw.yaml
//	miniclaw status
//	miniclaw secret set llm anthropic_api_key
//
// Environment:
//
//   - MINICLAW_CONFIG: configuration file path (default: miniclaw.yaml)
//   - MINICLAW_SECRETS_MASTER_KEY: master key for the encrypted secret file
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "miniclaw",
		Short: "Personal AI assistant runtime",
		Long:  "miniclaw runs a local agent loop that turns inbound chat messages into tool-using LLM conversations.",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Configuration file path")

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newSessionsCmd(),
		newRunsCmd(),
		newSecretCmd(),
		newClusterCmd(),
		newComplianceCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func defaultConfigPath() string {
	if p := os.Getenv("MINICLAW_CONFIG"); p != "" {
		return p
	}
	return "miniclaw.yaml"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("miniclaw %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
