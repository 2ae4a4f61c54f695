package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	natspkg "github.com/brojonat/tokendesk/service/nats"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand subscribes to desk events straight from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to operation, notification and snapshot events",
		ArgsUsage: "[wallet_address]",
		Description: `Subscribe to real-time events published to NATS JetStream.

Events are published to the subjects ops.{wallet}, notify.{wallet} and
snapshots.{wallet}. Without a wallet every subject in the stream is read.

Example:
  tokendesk nats subscribe DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "tokendesk-cli",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Replay every retained event instead of only new ones",
			},
		},
		Action: func(c *cli.Context) error {
			subjects := natspkg.StreamSubjects
			if address := c.Args().First(); address != "" {
				subjects = walletSubjects(address)
			}

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubjects: subjects,
				AckPolicy:      jetstream.AckExplicitPolicy,
				DeliverPolicy:  jetstream.DeliverNewPolicy,
			}
			if c.Bool("all") {
				consumerConfig.DeliverPolicy = jetstream.DeliverAllPolicy
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			return streamEvents(c, consumerConfig)
		},
	}
}

func walletSubjects(address string) []string {
	return []string{
		natspkg.OperationSubject(address),
		natspkg.NotificationSubject(address),
		natspkg.SnapshotSubject(address),
	}
}

// streamEvents consumes matching events until interrupted.
func streamEvents(c *cli.Context, consumerConfig jetstream.ConsumerConfig) error {
	natsURL := c.String("nats-url")
	jsonOutput := c.Bool("json")

	nc, js, err := natspkg.Connect(natsURL, "tokendesk-cli")
	if err != nil {
		return err
	}
	defer nc.Close()

	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "📡 Subscribing to: %v\n", consumerConfig.FilterSubjects)
		fmt.Fprintf(os.Stderr, "   NATS: %s\n", natsURL)
		if consumerConfig.Durable != "" {
			fmt.Fprintf(os.Stderr, "   Consumer: %s (durable)\n", consumerConfig.Durable)
		}
		fmt.Fprintf(os.Stderr, "\nWaiting for events... (Ctrl-C to exit)\n\n")
	}

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			env, err := natspkg.Decode(msg.Subject(), msg.Data())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event on %s: %v\n", msg.Subject(), err)
				_ = msg.Ack()
				continue
			}
			count++
			if err := printEnvelope(c.App.Writer, env, jsonOutput); err != nil {
				fmt.Fprintf(os.Stderr, "Error printing event: %v\n", err)
			}
			_ = msg.Ack()

		case <-ctx.Done():
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\nReceived %d events\n", count)
			}
			if ctx.Err() == context.Canceled {
				return nil
			}
			return ctx.Err()
		}
	}
}

func printEnvelope(w io.Writer, env *natspkg.Envelope, jsonOutput bool) error {
	if jsonOutput {
		data, err := json.Marshal(map[string]interface{}{"kind": env.Kind, "event": env.Payload()})
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	switch env.Kind {
	case natspkg.KindOperation:
		printOperation(w, *env.Operation)
	case natspkg.KindNotification:
		n := env.Notification
		fmt.Fprintf(w, "[%s] %-7s %s %s\n", n.CreatedAt.Local().Format("15:04:05"), n.Type, n.Wallet, n.Message)
	case natspkg.KindSnapshot:
		printSnapshot(w, *env.Snapshot)
	}
	return nil
}
