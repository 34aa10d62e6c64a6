package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured servers",
	Long:  `List every configured server with its type, host, tunnels and current state.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	views, err := newClient().servers()
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(views) == 0 {
		fmt.Fprintln(out, "No servers configured")
		return nil
	}

	// State is last so colour codes do not skew the columns
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SERVER\tTYPE\tHOST\tTUNNELS\tSTATE")
	fmt.Fprintln(w, "──────\t────\t────\t───────\t─────")

	for _, v := range views {
		serverType, host, tunnels := "-", "-", "-"
		if v.Config != nil {
			serverType = string(v.Config.ServerType)
			host = v.Config.Host
			tunnels = fmt.Sprint(len(v.Config.Tunnels))
		}

		state := stateSymbol(v.Status.State) + " " + renderState(v.Status.State)
		if len(v.Problems) > 0 {
			state += " " + errorStyle.Render("(invalid config)")
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncate(v.ID, 32),
			serverType,
			host,
			tunnels,
			state,
		)
	}

	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d server(s)\n", len(views))

	return nil
}
