package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fnforge/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "graph [path]",
		Short: "Show the action dependency graph",
		Example: `  # List the deployment waves
  fnforge graph ./demo

  # Render with graphviz
  fnforge graph ./demo --dot | dot -Tsvg > graph.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := telemetryFor(cmd)
			ws, err := compileProject(cmd.Context(), projectPath(args), false, t.Logger)
			if err != nil {
				return err
			}
			graph, err := engine.BuildGraph(ws.project)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch {
			case dot:
				fmt.Fprint(w, graph.ToDOT())
				return nil
			case jsonOutput:
				return writeJSON(w, graph)
			}

			waves, err := graph.Waves()
			if err != nil {
				return err
			}
			for i, wave := range waves {
				fmt.Fprintf(w, "wave %d:\n", i+1)
				for _, key := range wave {
					deps := graph.Nodes[key].Dependencies
					if len(deps) == 0 {
						fmt.Fprintf(w, "  %s\n", key)
						continue
					}
					fmt.Fprintf(w, "  %s <- %v\n", key, deps)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "output in graphviz DOT format")
	return cmd
}
