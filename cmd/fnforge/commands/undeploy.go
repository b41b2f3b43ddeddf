package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fnforge/pkg/engine"
	"github.com/openfroyo/fnforge/pkg/policy"
	"github.com/openfroyo/fnforge/pkg/telemetry"
)

type undeployFlags struct {
	all         bool
	dryRun      bool
	parallelism int
	policies    []string
	environment string
}

func newUndeployCommand() *cobra.Command {
	var flags undeployFlags

	cmd := &cobra.Command{
		Use:   "undeploy [path]",
		Short: "Delete the resources a project owns",
		Long: `Delete every live resource annotated as owned by the project at path.
Resources owned by other services or by nobody are left in place.

With --all, the namespace is wiped regardless of ownership.`,
		Example: `  # Remove everything the demo service deployed
  fnforge undeploy ./demo

  # Wipe the namespace
  fnforge undeploy ./demo --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := runUndeploy(cmd.Context(), telemetryFor(cmd), projectPath(args), flags)
			if report != nil {
				if jsonOutput {
					if werr := writeJSON(cmd.OutOrStdout(), report); werr != nil {
						return werr
					}
				} else {
					printUndeployReport(cmd.OutOrStdout(), report)
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&flags.all, "all", false, "delete every resource in the namespace regardless of ownership")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "report what would be deleted")
	cmd.Flags().IntVar(&flags.parallelism, "parallelism", engine.DefaultParallelism, "max concurrent deletions")
	cmd.Flags().StringSliceVar(&flags.policies, "policies", nil, "policy files or directories")
	cmd.Flags().StringVar(&flags.environment, "environment", "", "environment label handed to policies")
	return cmd
}

func runUndeploy(ctx context.Context, t *telemetry.Telemetry, path string, flags undeployFlags) (report *engine.UndeployReport, err error) {
	ctx, span := t.Tracer.StartCommandSpan(ctx, "undeploy", path)
	defer func() {
		telemetry.RecordError(span, err)
		t.Metrics.RecordError(err)
		span.End()
	}()
	logger := t.Logger

	ws, err := compileProject(ctx, path, false, logger)
	if err != nil {
		return nil, err
	}
	// Nothing is kept: every owned resource falls out of the manifest.
	owned := engine.NewProject(ws.project.Name, ws.project.Namespace, ws.project.Version)

	pe, err := newPolicyEngine(ctx, flags.policies, logger)
	if err != nil {
		return nil, err
	}
	if _, err := checkPolicies(ctx, pe, owned, policy.PolicyContext{
		Operation:   "undeploy",
		Environment: flags.environment,
		Wipe:        flags.all,
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

	opts := engine.UndeployOptions{
		Service:     owned.Name,
		Namespace:   owned.Namespace,
		Parallelism: flags.parallelism,
		DryRun:      flags.dryRun,
	}
	target := owned
	if flags.all {
		target = nil
	}
	return engine.NewReconciler(rc, observer, logger).Undeploy(ctx, target, opts)
}
