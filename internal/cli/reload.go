package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the daemon's configuration file",
	Long: `Re-read the configuration file. Active servers that were removed are
disconnected and servers whose tunnels changed are restarted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().reload()
		if err != nil {
			return fmt.Errorf("failed to reload config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reloaded %d server(s): %s\n", result.Servers, reconcileSummary(result.Reconcile))
		return nil
	},
}
