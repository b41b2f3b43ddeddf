package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fnforge/pkg/config"
	"github.com/openfroyo/fnforge/pkg/plugins"
)

func newPluginsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect installed plugins",
	}
	cmd.AddCommand(newPluginsListCommand())
	return cmd
}

func newPluginsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [path]",
		Short: "List the plugins and variable sources a project sees",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := telemetryFor(cmd)

			dir := ""
			if len(args) > 0 {
				_, resolved, err := config.ResolveManifest(args[0])
				if err != nil {
					return &ExitError{Code: ExitMissingManifest, Err: err}
				}
				dir = resolved
			}
			dirs := append(append([]string{}, pluginDirs...), defaultPluginDir())
			if dir != "" {
				dirs = pluginSearchPath(dir)
			}

			registry, err := plugins.Load(cmd.Context(), plugins.Config{Dirs: dirs, ProjectDir: dir}, t.Logger)
			if err != nil {
				return err
			}
			infos := registry.List()

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), infos)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tEXTENSION\tKEYWORD\tSOURCE")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, info.Extension, info.Keyword, info.Source)
			}
			return w.Flush()
		},
	}
}
