package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fnforge/pkg/telemetry"
)

var (
	// Global flags
	logLevel      string
	logFormat     string
	jsonOutput    bool
	traceExporter string
	otlpEndpoint  string
	pluginDirs    []string
	journalPath   string
	creds         credentialFlags
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fnforge",
		Short: "fnforge - serverless project deployer",
		Long: `fnforge compiles a project manifest into packages, actions, triggers,
rules and API routes and deploys them to an OpenWhisk-style control plane.

Features:
  - Plugin keywords expanded to a fixpoint by Starlark plugins
  - Actions deployed in dependency waves
  - Ownership-aware undeploy that never deletes another service's resources
  - Rego policies checked before any remote change
  - SQLite deployment journal`,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return setupTelemetry(cmd, version) },
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			t := telemetry.FromContext(cmd.Context())
			if t == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return t.Shutdown(ctx)
		},
	}

	// Persistent flags available to all commands
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error); LOG_LEVEL when unset")
	flags.StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flags.StringVar(&traceExporter, "trace", "none", "trace exporter (none, stdout, otlp)")
	flags.StringVar(&otlpEndpoint, "otlp-endpoint", "localhost:4317", "OTLP gRPC endpoint")
	flags.StringSliceVar(&pluginDirs, "plugins-dir", nil, "additional plugin directories")
	flags.StringVar(&journalPath, "journal", os.Getenv("FNFORGE_JOURNAL"), "deployment journal database; empty disables journaling")
	flags.StringVar(&creds.apihost, "apihost", "", "control plane API host")
	flags.StringVarP(&creds.auth, "auth", "u", "", "API key (user:password)")
	flags.StringVar(&creds.namespace, "namespace", "", "target namespace override")
	flags.StringVar(&creds.space, "space", "", "named space in the properties file")
	flags.StringVar(&creds.propsFile, "props", "", "properties file (default ~/.fnforge.props)")

	// Add subcommands
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newUndeployCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newPluginsCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// setupTelemetry builds the process telemetry from the global flags and
// stores it in the command context.
func setupTelemetry(cmd *cobra.Command, version string) error {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version

	cfg.Logging.Level = logLevel
	if env := os.Getenv("LOG_LEVEL"); env != "" && !cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = env
	}
	cfg.Logging.Format = logFormat
	cfg.Logging.Writer = cmd.ErrOrStderr()

	if traceExporter != "" && traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = traceExporter
		cfg.Tracing.Endpoint = otlpEndpoint
		cfg.Tracing.Writer = cmd.ErrOrStderr()
	}

	t, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	cmd.SetContext(t.WithContext(cmd.Context()))
	return nil
}

// telemetryFor returns the telemetry set up by the root command.
func telemetryFor(cmd *cobra.Command) *telemetry.Telemetry {
	if t := telemetry.FromContext(cmd.Context()); t != nil {
		return t
	}
	t, _ := telemetry.NewTelemetry(telemetry.DefaultConfig())
	return t
}

// projectPath returns the first positional argument, or the working directory.
func projectPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func defaultPluginDir() string {
	return filepath.Join(homeDir(), ".fnforge", "plugins")
}
