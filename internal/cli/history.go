package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <server>",
	Short: "Show a server's status history",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of events to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	serverID := args[0]

	events, err := newClient().history(serverID, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to get history: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintf(out, "No history for %s\n", serverID)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIME\tRETRY\tERROR\tSTATE")
	fmt.Fprintln(w, "────\t─────\t─────\t─────")

	for _, ev := range events {
		retry := "-"
		if ev.RetryAttempt > 0 {
			retry = fmt.Sprint(ev.RetryAttempt)
		}
		errText := ev.LastError
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			ev.CreatedAt.Local().Format(time.DateTime),
			retry,
			truncate(errText, 60),
			renderState(ev.State),
		)
	}

	return w.Flush()
}
