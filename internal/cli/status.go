package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/craigderington/realmtunnel/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status <server>",
	Short: "Get server status",
	Long:  `Get the current state of a server, each of its tunnels and their traffic counters.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	serverID := args[0]
	c := newClient()

	view, err := c.server(serverID)
	if err != nil {
		return fmt.Errorf("failed to get server status: %w", err)
	}

	out := cmd.OutOrStdout()
	printSnapshot(out, view.Status)

	for _, p := range view.Problems {
		fmt.Fprintf(out, "  %s\n", errorStyle.Render("Config: "+p))
	}

	if view.Status.State == types.StateDisconnected {
		return nil
	}

	stats, err := c.stats(serverID)
	if err != nil {
		return fmt.Errorf("failed to get tunnel stats: %w", err)
	}
	if len(stats) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, titleStyle.Render("Traffic"))
	}
	for _, st := range stats {
		fmt.Fprintf(out, "  %s  %s -> %s\n", st.Label, st.LocalAddr, st.RemoteAddr)
		fmt.Fprintf(out, "    Sent: %s  Received: %s  Connections: %d (%d active)  Errors: %d\n",
			formatBytes(st.BytesSent), formatBytes(st.BytesReceived), st.Connections, st.ActiveConns, st.Errors)
	}

	return nil
}

// printSnapshot renders one status snapshot
func printSnapshot(out io.Writer, snap types.StatusSnapshot) {
	fmt.Fprintln(out, titleStyle.Render("Server Status: "+snap.ServerID))
	fmt.Fprintln(out, "─────────────────────────────")
	fmt.Fprintf(out, "  State: %s %s\n", stateSymbol(snap.State), renderState(snap.State))

	if snap.LastError != "" {
		fmt.Fprintf(out, "  Last Error: %s\n", errorStyle.Render(snap.LastError))
	}
	if snap.RetryAttempt > 0 {
		fmt.Fprintf(out, "  Retry Attempt: %d\n", snap.RetryAttempt)
	}
	if snap.NextRetryAt != nil {
		fmt.Fprintf(out, "  Next Retry: %s (in %s)\n",
			snap.NextRetryAt.Local().Format(time.TimeOnly),
			time.Until(*snap.NextRetryAt).Round(time.Second))
	}

	for _, m := range snap.Mappings {
		line := fmt.Sprintf("  %s %-20s :%-5d %s", stateSymbol(m.State), m.Label, m.LocalPort, renderState(m.State))
		if m.Error != "" {
			line += "  " + dimStyle.Render(m.Error)
		}
		fmt.Fprintln(out, line)
	}
}
