package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fnforge/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		service string
		limit   int
		runID   string
		prune   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled deploy and undeploy runs",
		Example: `  # Last runs of the demo service
  fnforge history --journal ~/.fnforge/journal.db --service demo

  # Entities of one run
  fnforge history --journal ~/.fnforge/journal.db --run <id>

  # Forget runs older than a month
  fnforge history --journal ~/.fnforge/journal.db --prune 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if journalPath == "" {
				return fmt.Errorf("no journal: use --journal or FNFORGE_JOURNAL")
			}
			ctx := cmd.Context()
			store, err := stores.Open(ctx, journalPath)
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer store.Close()
			w := cmd.OutOrStdout()

			if prune > 0 {
				n, err := store.PruneRuns(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "Pruned %d runs\n", n)
				return nil
			}

			if runID != "" {
				run, err := store.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				records, err := store.ListEntities(ctx, runID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(w, map[string]interface{}{"run": run, "entities": records})
				}
				fmt.Fprintf(w, "%s %s %s: %s\n", run.ID, run.Kind, run.Service, run.Status)
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "KIND\tNAME\tOUTCOME\tDURATION")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Kind, r.Name, r.Outcome, time.Duration(r.DurationMs)*time.Millisecond)
				}
				return tw.Flush()
			}

			var filter stores.RunFilter
			if service != "" {
				filter.Service = &service
			}
			runs, err := store.ListRuns(ctx, filter, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(w, runs)
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tKIND\tSERVICE\tSTATUS\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.Service, r.Status, r.StartedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "only runs of this service")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show the entities of one run")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete runs older than this age")
	return cmd
}
