package commands

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/fnforge/pkg/config"
	"github.com/openfroyo/fnforge/pkg/policy"
)

func newWatchCommand() *cobra.Command {
	var (
		flags       deployFlags
		metricsAddr string
		debounce    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Redeploy a project whenever its files change",
		Long: `Deploy the project at path, then redeploy it after every burst of file
changes. Changes to custom policy files are picked up without a restart.
Redeploys always update existing resources.`,
		Example: `  # Redeploy on change and expose metrics
  fnforge watch ./demo --metrics-addr :9464`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := telemetryFor(cmd)
			logger := t.Logger
			path := projectPath(args)
			flags.force = true

			_, dir, err := config.ResolveManifest(path)
			if err != nil {
				return &ExitError{Code: ExitMissingManifest, Err: err}
			}

			pe, err := newPolicyEngine(cmd.Context(), flags.policies, logger)
			if err != nil {
				return err
			}

			redeploy := func(ctx context.Context) error {
				report, err := runDeploy(ctx, t, path, flags, pe)
				t.Metrics.RecordWatchRedeploy(err)
				if report != nil {
					printReport(cmd.OutOrStdout(), report)
				}
				return err
			}
			if err := redeploy(cmd.Context()); err != nil {
				logger.Error().Err(err).Msg("Initial deployment failed")
			}

			g, ctx := errgroup.WithContext(cmd.Context())

			g.Go(func() error {
				return config.NewWatcher(dir, debounce, logger).Run(ctx, redeploy)
			})

			if len(flags.policies) > 0 {
				g.Go(func() error {
					return policy.NewLoader(logger).Watch(ctx, flags.policies, pe.ReplaceCustom)
				})
			}

			if metricsAddr != "" {
				listener, err := net.Listen("tcp", metricsAddr)
				if err != nil {
					return fmt.Errorf("failed to listen on %s: %w", metricsAddr, err)
				}
				g.Go(func() error {
					return t.Metrics.Serve(ctx, listener, logger)
				})
			}

			return g.Wait()
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "quiet period before a redeploy")
	return cmd
}
