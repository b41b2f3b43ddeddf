package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fnforge/pkg/engine"
	"github.com/openfroyo/fnforge/pkg/policy"
)

// validation is the JSON output of validate.
type validation struct {
	Service   string               `json:"service"`
	Namespace string               `json:"namespace"`
	Packages  int                  `json:"packages"`
	Actions   int                  `json:"actions"`
	Triggers  int                  `json:"triggers"`
	Rules     int                  `json:"rules"`
	APIs      int                  `json:"apis"`
	Waves     [][]string           `json:"waves"`
	Policies  *policy.PolicyResult `json:"policies"`
}

func newValidateCommand() *cobra.Command {
	var (
		strict      bool
		policies    []string
		environment string
	)

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a project without deploying it",
		Long: `Validate the project at path.

This command:
  - Checks the manifest against its schema
  - Expands plugin keywords
  - Builds the action dependency graph and rejects cycles
  - Evaluates the built-in and custom policies`,
		Example: `  # Validate the project in the current directory
  fnforge validate

  # Fail on keywords no plugin handles
  fnforge validate ./demo --strict`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			t := telemetryFor(cmd)
			path := projectPath(args)
			ctx, span := t.Tracer.StartCommandSpan(cmd.Context(), "validate", path)
			defer span.End()
			defer func() { t.Metrics.RecordError(err) }()

			ws, err := compileProject(ctx, path, strict, t.Logger)
			if err != nil {
				return err
			}
			p := ws.project

			graph, err := engine.BuildGraph(p)
			if err != nil {
				return err
			}
			waves, err := graph.Waves()
			if err != nil {
				return err
			}

			pe, err := newPolicyEngine(ctx, policies, t.Logger)
			if err != nil {
				return err
			}
			result, policyErr := checkPolicies(ctx, pe, p, policy.PolicyContext{
				Operation:   "deploy",
				Environment: environment,
				DryRun:      true,
			}, t.Metrics)
			if result == nil {
				return policyErr
			}

			out := validation{
				Service:   p.Name,
				Namespace: p.Namespace,
				Packages:  len(p.Packages),
				Actions:   len(p.AllActions()),
				Triggers:  len(p.Triggers),
				Rules:     len(p.Rules),
				APIs:      len(p.APIs),
				Waves:     waves,
				Policies:  result,
			}
			w := cmd.OutOrStdout()
			if jsonOutput {
				if err := writeJSON(w, out); err != nil {
					return err
				}
				return policyErr
			}

			fmt.Fprintf(w, "Project %s (namespace %s)\n", out.Service, out.Namespace)
			fmt.Fprintf(w, "  %d packages, %d actions, %d triggers, %d rules, %d apis\n",
				out.Packages, out.Actions, out.Triggers, out.Rules, out.APIs)
			fmt.Fprintf(w, "  %d deployment waves\n", len(waves))
			for _, v := range result.Violations {
				fmt.Fprintf(w, "  ✗ [%s] %s: %s\n", v.Policy, v.Entity, v.Message)
			}
			for _, v := range result.Warnings {
				fmt.Fprintf(w, "  ! [%s] %s: %s\n", v.Policy, v.Entity, v.Message)
			}
			if policyErr == nil {
				fmt.Fprintln(w, "✓ Project is valid")
			}
			return policyErr
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "fail on keywords no plugin handles")
	cmd.Flags().StringSliceVar(&policies, "policies", nil, "policy files or directories")
	cmd.Flags().StringVar(&environment, "environment", "", "environment label handed to policies")
	return cmd
}
