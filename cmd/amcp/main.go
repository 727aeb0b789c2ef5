// Package main provides the CLI entry point for the AMCP agent server.
//
// AMCP runs session-bound coding agents behind an HTTP/WebSocket API:
// prompts go in, the model streams back, and tool calls (file edits,
// shell commands, sub-agent delegation) execute under permission and
// hook gating.
//
// # Basic Usage
//
// Start the server:
//
//	amcp serve --config amcp.yaml
//
// Inspect the registered surface:
//
//	amcp tools
//	amcp agents
//	amcp skills
//
// # Environment Variables
//
//   - AMCP_CONFIG: Path to configuration file
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Default logger until serve installs the configured one.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "amcp",
		Short: "AMCP - Session-bound coding agent server",
		Long: `AMCP runs coding agents with tool execution over HTTP, WebSocket, and SSE.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)
Built-in tools: file read/grep/write/edit/patch, bash, sub-agent tasks`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
		buildToolsCmd(),
		buildAgentsCmd(),
		buildSkillsCmd(),
		buildConfigCmd(),
		buildPatchCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "amcp %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
