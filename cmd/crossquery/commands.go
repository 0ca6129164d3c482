// Package main provides the CLI entry point for the crossquery multi-source
// query orchestrator.
//
// commands.go contains all cobra command definitions and their flag
// configurations. Each command builder creates a command and wires it to its
// handler in handlers.go.
package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the HTTP server.
// This is the primary command for running crossquery in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the crossquery server",
		Long: `Start the crossquery HTTP server.

The server will:
1. Load configuration from the specified file (or crossquery.yaml)
2. Load the provider connector registry and start hot reload
3. Open the cache backend (memory or Redis)
4. Start the tool gateway with its maintenance schedule
5. Initialize the reasoner (OpenAI or Anthropic) when credentials allow
6. Serve /api/query, /api/query/stream, /api/query/ws, /healthz, /metrics

Without reasoner credentials the server still starts: detection degrades
to the keyword pass and answers take the deterministic assembly path.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  crossquery serve

  # Start with custom config
  crossquery serve --config /etc/crossquery/production.yaml

  # Start with debug logging
  crossquery serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and the providers file it names",
		Long: `Parse the configuration, apply defaults, and run the same validation
the server runs at startup. When the config names a providers file, that
file is parsed and validated too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Providers Commands
// =============================================================================

// buildProvidersCmd creates the "providers" command group.
func buildProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect configured provider connectors",
	}
	cmd.AddCommand(buildProvidersListCmd())
	return cmd
}

func buildProvidersListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List providers from the connectors file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvidersList(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Detect Command
// =============================================================================

// buildDetectCmd creates the "detect" command: the offline keyword scoring
// pass over the providers file, without any reasoner call.
func buildDetectCmd() *cobra.Command {
	var (
		configPath string
		max        int
	)
	cmd := &cobra.Command{
		Use:   "detect [query]",
		Short: "Score provider relevance for a query offline",
		Long: `Run the keyword scoring pass a request would get when no reasoner is
configured. Useful for tuning the weighted keyword sets in the providers
file without paying for model calls.`,
		Example: `  crossquery detect "open tickets about the billing outage"

  crossquery detect --max 5 "what did ops say about the deploy"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetect(cmd, resolveConfigPath(configPath), args[0], max)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().IntVar(&max, "max", 0, "Maximum suggestions to print (0 = server default)")
	return cmd
}

// =============================================================================
// Token Command
// =============================================================================

// buildTokenCmd creates the "token" command for minting JWTs against the
// configured signing secret, mainly for local testing and scripting.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		email      string
		name       string
	)
	cmd := &cobra.Command{
		Use:   "token [principal-id]",
		Short: "Mint a JWT for a principal",
		Long: `Sign a JWT for the given principal id using the jwt_secret from the
config file. The token is printed to stdout for use as a Bearer token.`,
		Example: `  crossquery token user-42

  curl -H "Authorization: Bearer $(crossquery token user-42)" \
    -d '{"query":"where is the Q3 report"}' localhost:8080/api/query`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, resolveConfigPath(configPath), args[0], email, name)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&email, "email", "", "Email claim (optional)")
	cmd.Flags().StringVar(&name, "name", "", "Display name claim (optional)")
	return cmd
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd)
		},
	}
}
