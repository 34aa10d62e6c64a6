package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/craigderington/realmtunnel/internal/api"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream status changes",
	Long:  `Print the current state of every server, then every status change until interrupted.`,
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	return watchStatus(ctx, cmd, newClient())
}

func watchStatus(ctx context.Context, cmd *cobra.Command, c *client) error {
	url, err := c.wsURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to open status stream: %s", resp.Status)
		}
		return fmt.Errorf("failed to open status stream: %w", err)
	}
	defer conn.Close()

	context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})

	out := cmd.OutOrStdout()
	for {
		var msg api.WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("status stream closed: %w", err)
			}
			return fmt.Errorf("failed to read status stream: %w", err)
		}
		if msg.Type != api.MessageTypeStatus {
			continue
		}

		snap := msg.Payload
		line := fmt.Sprintf("%s  %s %-24s %s",
			snap.Timestamp.Local().Format(time.TimeOnly),
			stateSymbol(snap.State),
			snap.ServerID,
			renderState(snap.State),
		)
		if snap.LastError != "" {
			line += "  " + dimStyle.Render(snap.LastError)
		}
		fmt.Fprintln(out, line)
	}
}
