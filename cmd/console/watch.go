package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opsconsole/internal/core/domain"
	"opsconsole/pkg/validation"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// newWatchCmd connects to a running console's /ws endpoint and prints the
// envelopes it receives.
func newWatchCmd() *cobra.Command {
	var (
		serverURL    string
		types        []string
		pingInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream dashboard updates from a running console",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := websocketURL(serverURL)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
			}
			defer conn.Close()

			go keepAlive(ctx, conn, pingInterval)
			go func() {
				<-ctx.Done()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				_ = conn.Close()
			}()

			wanted := make(map[domain.MessageType]bool, len(types))
			for _, t := range types {
				wanted[domain.MessageType(t)] = true
			}

			out := cmd.OutOrStdout()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return fmt.Errorf("connection lost: %w", err)
				}

				var env struct {
					Type domain.MessageType `json:"type"`
				}
				if err := json.Unmarshal(data, &env); err != nil {
					continue
				}
				if len(wanted) > 0 && !wanted[env.Type] {
					continue
				}
				fmt.Fprintln(out, string(data))
			}
		},
	}
	cmd.Flags().StringVar(&serverURL, "url", "http://localhost:8000", "console base URL")
	cmd.Flags().StringSliceVar(&types, "type", nil, "message types to print (metrics_update, room_update, alert, heartbeat, pong)")
	cmd.Flags().DurationVar(&pingInterval, "ping-interval", 20*time.Second, "interval between application pings")
	return cmd
}

// keepAlive sends application-level pings; the replies show up as pong
// envelopes.
func keepAlive(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
				return
			}
		}
	}
}

// websocketURL maps a console base URL to its /ws endpoint.
func websocketURL(base string) (string, error) {
	if err := validation.ValidateURL(base); err != nil {
		return "", err
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	return u.String(), nil
}
