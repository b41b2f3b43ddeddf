package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fnforge/pkg/config"
	"github.com/openfroyo/fnforge/pkg/engine"
	"github.com/openfroyo/fnforge/pkg/policy"
	"github.com/openfroyo/fnforge/pkg/telemetry"
)

type deployFlags struct {
	force       bool
	prune       bool
	strict      bool
	dryRun      bool
	parallelism int
	policies    []string
	environment string
}

func (f *deployFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.force, "force", false, "update existing resources instead of failing on them")
	cmd.Flags().BoolVar(&f.prune, "prune", false, "delete owned resources missing from the manifest after deploying")
	cmd.Flags().BoolVar(&f.strict, "strict", false, "fail on keywords no plugin handles")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "compute every payload without remote calls")
	cmd.Flags().IntVar(&f.parallelism, "parallelism", engine.DefaultParallelism, "max concurrent deployments per wave")
	cmd.Flags().StringSliceVar(&f.policies, "policies", nil, "policy files or directories")
	cmd.Flags().StringVar(&f.environment, "environment", "", "environment label handed to policies")
}

func newDeployCommand() *cobra.Command {
	var flags deployFlags

	cmd := &cobra.Command{
		Use:   "deploy [path]",
		Short: "Deploy a project",
		Long: `Deploy the project at path (a manifest file or a directory holding one).

This command:
  - Loads the manifest and merges its dependencies
  - Expands plugin keywords to a fixpoint
  - Checks the built-in and custom policies
  - Deploys packages, then actions in dependency waves, then triggers,
    rules and API routes
  - Optionally deletes owned resources the manifest no longer names`,
		Example: `  # Deploy the project in the current directory
  fnforge deploy

  # Overwrite existing resources and prune removed ones
  fnforge deploy ./demo --force --prune

  # Show what would be deployed
  fnforge deploy ./demo --dry-run --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := runDeploy(cmd.Context(), telemetryFor(cmd), projectPath(args), flags, nil)
			if report != nil {
				if jsonOutput {
					if werr := writeJSON(cmd.OutOrStdout(), report); werr != nil {
						return werr
					}
				} else {
					printReport(cmd.OutOrStdout(), report)
				}
			}
			return err
		},
	}

	flags.register(cmd)
	return cmd
}

// runDeploy compiles, checks and deploys the project at path, then prunes
// when asked. The report is nil when the run failed before scheduling. A nil
// pe loads the policies named by flags.
func runDeploy(ctx context.Context, t *telemetry.Telemetry, path string, flags deployFlags, pe *policy.Engine) (report *engine.Report, err error) {
	ctx, span := t.Tracer.StartCommandSpan(ctx, "deploy", path)
	defer func() {
		telemetry.RecordError(span, err)
		t.Metrics.RecordError(err)
		span.End()
	}()
	logger := t.Logger

	ws, err := compileProject(ctx, path, flags.strict, logger)
	if err != nil {
		return nil, err
	}
	p := ws.project
	mode := engine.ModeFor(flags.force)

	if pe == nil {
		if pe, err = newPolicyEngine(ctx, flags.policies, logger); err != nil {
			return nil, err
		}
	}
	if _, err := checkPolicies(ctx, pe, p, policy.PolicyContext{
		Operation:   "deploy",
		Environment: flags.environment,
		Mode:        mode,
		Prune:       flags.prune,
		DryRun:      flags.dryRun,
	}, t.Metrics); err != nil {
		return nil, err
	}

	rc, err := newResourceClient(flags.dryRun, logger)
	if err != nil {
		return nil, err
	}
	store, journal, err := openJournal(ctx, logger)
	if err != nil {
		return nil, err
	}
	if store != nil {
		defer store.Close()
	}
	observer := t.Observer()
	if journal != nil {
		observer = t.Observer(journal)
	}

	deployer := engine.NewDeployer(rc, ws.registry, config.NewFileLoader(ws.dir), observer, logger)
	report, err = deployer.Deploy(ctx, p, engine.DeployOptions{
		Mode:        mode,
		Parallelism: flags.parallelism,
		DryRun:      flags.dryRun,
		BuildDir:    filepath.Join(ws.dir, ".fnforge", "build"),
	})
	if err != nil || !flags.prune {
		return report, err
	}

	undeploy, err := engine.NewReconciler(rc, observer, logger).Undeploy(ctx, p, engine.UndeployOptions{
		Parallelism: flags.parallelism,
		DryRun:      flags.dryRun,
	})
	if err != nil {
		return report, fmt.Errorf("prune failed: %w", err)
	}
	logger.Info().
		Int("deleted", len(undeploy.Deleted)).
		Int("skipped", len(undeploy.Skipped)).
		Msg("Pruned resources missing from the manifest")
	return report, nil
}
