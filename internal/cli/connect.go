package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/craigderington/realmtunnel/pkg/types"
)

var connectCmd = &cobra.Command{
	Use:   "connect <server>",
	Short: "Connect a server's tunnels",
	Long: `Bind every tunnel of a configured server. The first attempt runs
before the command returns; failed tunnels are retried by the daemon.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, args[0], "connect")
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <server>",
	Short: "Disconnect a server's tunnels",
	Long:  `Close every tunnel of a server and cancel pending retries.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, args[0], "disconnect")
	},
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect <server>",
	Short: "Disconnect and connect a server again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, args[0], "reconnect")
	},
}

func runCommand(cmd *cobra.Command, serverID, action string) error {
	snap, err := newClient().command(serverID, action)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, serverID, err)
	}

	out := cmd.OutOrStdout()
	switch snap.State {
	case types.StateConnected:
		fmt.Fprintf(out, "%s Server connected: %s\n", stateSymbol(snap.State), serverID)
	case types.StateDisconnected:
		fmt.Fprintf(out, "%s Server disconnected: %s\n", stateSymbol(snap.State), serverID)
	default:
		printSnapshot(out, snap)
	}
	return nil
}
