// Package main provides the CLI entry point for the crossquery multi-source
// query orchestrator.
//
// crossquery accepts natural-language queries over HTTP, scores which of the
// configured providers (tickets, chat, mail, object store, ...) are relevant,
// fans provider-scoped sub-queries out through a uniform JSON-RPC tool
// protocol, and synthesizes the per-provider results into one answer.
//
// # Basic Usage
//
// Start the server:
//
//	crossquery serve --config crossquery.yaml
//
// Validate the config and the providers file:
//
//	crossquery config validate
//
// Score a query offline (keyword pass, no reasoner call):
//
//	crossquery detect "open tickets about the billing outage"
//
// # Environment Variables
//
//   - CROSSQUERY_CONFIG: path to the configuration file (default: crossquery.yaml)
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY: reasoner credentials, referenced
//     from the config file via ${VAR} expansion
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/crossquery/internal/config"
)

// defaultConfigName is picked up from the working directory when no --config
// flag or CROSSQUERY_CONFIG variable names a file.
const defaultConfigName = "crossquery.yaml"

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

// main is the entry point for the crossquery CLI.
func main() {
	// Configure structured logging with JSON output for production parsing.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	// Bare invocation starts the server.
	if len(os.Args) == 1 {
		rootCmd.SetArgs([]string{"serve"})
	}

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crossquery",
		Short: "crossquery - multi-source query orchestrator",
		Long: `crossquery answers natural-language questions by querying several
workplace data sources at once.

A request is scored against the configured providers (issue trackers, chat,
mail, object stores, databases, code hosts, shops), fanned out to the most
relevant ones through a uniform JSON-RPC tool protocol, and the per-provider
results are synthesized into a single answer. Results stream over SSE or
WebSocket while the legs run.

Documentation: https://github.com/haasonsaas/crossquery`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildProvidersCmd(),
		buildDetectCmd(),
		buildTokenCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// resolveConfigPath picks the config file: the explicit flag wins, then the
// CROSSQUERY_CONFIG variable, then crossquery.yaml when it exists. Empty
// means built-in defaults.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("CROSSQUERY_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}

// loadConfig loads the file at path, or the built-in defaults when path is
// empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
