package main

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/brojonat/tokendesk/client"
	natspkg "github.com/brojonat/tokendesk/service/nats"
	"github.com/urfave/cli/v2"
)

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream live events via SSE (HTTP)",
		ArgsUsage: "[wallet_address]",
		Description: `Streams operation, notification and snapshot events from the server.
With --notifications only the desk's own notifications are streamed.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "notifications", Usage: "Stream desk notifications only"},
		},
		Action: func(c *cli.Context) error {
			serverURL := strings.TrimRight(c.String("server-url"), "/")
			walletAddress := c.Args().First()
			jsonOutput := c.Bool("json")

			var url string
			switch {
			case c.Bool("notifications"):
				url = serverURL + "/api/v1/stream/notifications"
			case walletAddress != "":
				url = fmt.Sprintf("%s/api/v1/stream/events/%s", serverURL, walletAddress)
			default:
				url = serverURL + "/api/v1/stream/events"
			}

			// Create context that cancels on interrupt
			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")

			// No timeout for streaming
			resp, err := (&http.Client{}).Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Connected to %s\n", url)
				fmt.Fprintf(os.Stderr, "Streaming events... (Ctrl+C to stop)\n\n")
			}

			err = readSSE(resp.Body, func(event, data string) error {
				return handleSSEEvent(c.App.Writer, event, data, jsonOutput)
			})
			if err != nil && ctx.Err() != nil {
				if !jsonOutput {
					fmt.Fprintf(os.Stderr, "\nDisconnected\n")
				}
				return nil
			}
			return err
		},
	}
}

// readSSE calls handle for each complete event on r. Handler errors other
// than server-reported ones are printed and the stream continues.
func readSSE(r io.Reader, handle func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var currentEvent, currentData string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if currentEvent != "" && currentData != "" {
				if err := handle(currentEvent, currentData); err != nil {
					if currentEvent == "error" {
						return err
					}
					fmt.Fprintf(os.Stderr, "Error handling event: %v\n", err)
				}
			}
			currentEvent = ""
			currentData = ""
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}

func handleSSEEvent(w io.Writer, eventType, data string, jsonOutput bool) error {
	switch eventType {
	case "connected":
		if !jsonOutput {
			var info map[string]interface{}
			if err := json.Unmarshal([]byte(data), &info); err != nil {
				return err
			}
			if wallet, ok := info["wallet"].(string); ok {
				fmt.Fprintf(os.Stderr, "✓ Subscribed to: %s\n\n", wallet)
			}
		}
		return nil

	case natspkg.KindOperation:
		var op natspkg.OperationEvent
		if err := json.Unmarshal([]byte(data), &op); err != nil {
			return err
		}
		if jsonOutput {
			fmt.Fprintln(w, data)
			return nil
		}
		printOperation(w, op)
		return nil

	case natspkg.KindNotification:
		// Desk notification streams carry the API shape; JetStream ones carry the event shape.
		var n client.Notification
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			return err
		}
		if jsonOutput {
			fmt.Fprintln(w, data)
			return nil
		}
		fmt.Fprintf(w, "[%s] %-7s %s\n", n.CreatedAt.Local().Format("15:04:05"), n.Type, n.Message)
		return nil

	case natspkg.KindSnapshot:
		var snap natspkg.SnapshotEvent
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return err
		}
		if jsonOutput {
			fmt.Fprintln(w, data)
			return nil
		}
		printSnapshot(w, snap)
		return nil

	case "error":
		var errInfo map[string]interface{}
		if err := json.Unmarshal([]byte(data), &errInfo); err != nil {
			return err
		}
		return fmt.Errorf("server error: %v", errInfo["error"])

	default:
		// Unknown event type, ignore
		return nil
	}
}

func printOperation(w io.Writer, op natspkg.OperationEvent) {
	fmt.Fprintf(w, "[%s] %s %s %s", op.Timestamp.Local().Format("15:04:05"), op.Kind, op.Status, op.Wallet)
	if op.Amount != "" {
		fmt.Fprintf(w, " amount=%s", op.Amount)
	}
	if op.Mint != "" {
		fmt.Fprintf(w, " mint=%s", op.Mint)
	}
	if op.Error != "" {
		fmt.Fprintf(w, " error=%q", op.Error)
	}
	fmt.Fprintln(w)
	for _, sig := range op.Signatures {
		fmt.Fprintf(w, "    %s\n", sig)
	}
}

func printSnapshot(w io.Writer, snap natspkg.SnapshotEvent) {
	fmt.Fprintf(w, "[%s] snapshot %s (%s) SOL=%s records=%d\n",
		snap.TakenAt.Local().Format("15:04:05"), snap.Wallet, snap.Network, snap.SOLBalance, snap.RecordCount)
	for _, h := range snap.Holdings {
		fmt.Fprintf(w, "    %s %s\n", h.Mint, h.Balance)
	}
}
