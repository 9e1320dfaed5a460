package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalvas/relay"
)

type clientFlags struct {
	transport string
	timeout   time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.transport, "transport", "t", "stream", "Transport: stream (TCP) or datagram (UDP)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", relay.DefaultAckTimeout, "Acknowledgement timeout")
}

// brokerAddress builds the dial address for host and port on transport.
func brokerAddress(transport, host, port string) (string, error) {
	var scheme string
	switch transport {
	case "stream", "tcp":
		scheme = "tcp"
	case "datagram", "udp":
		scheme = "udp"
	default:
		return "", fmt.Errorf("unknown transport %q: want stream or datagram", transport)
	}
	return scheme + "://" + net.JoinHostPort(host, port), nil
}

func (f *clientFlags) dial(ctx context.Context, host, port string) (*relay.Client, error) {
	address, err := brokerAddress(f.transport, host, port)
	if err != nil {
		return nil, err
	}

	client, err := relay.Dial(ctx, address, relay.WithAckTimeout(f.timeout))
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", net.JoinHostPort(host, port), err)
	}
	return client, nil
}

func newPublishCmd() *cobra.Command {
	var f clientFlags

	cmd := &cobra.Command{
		Use:   "publish <host> <port> <topic> <message>",
		Short: "Publish a message to a topic",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, topic, message := args[0], args[1], args[2], args[3]
			p := newPrinter(cmd.OutOrStdout())

			client, err := f.dial(cmd.Context(), host, port)
			if err != nil {
				return err
			}
			defer client.Close()

			id, err := client.Publish(cmd.Context(), topic, []byte(message))
			if err != nil {
				p.Failure("Failed to receive publish acknowledgment")
				return err
			}

			p.Success("Message published to topic '%s' (delivery %d)", topic, id)
			return nil
		},
	}

	f.register(cmd)
	return cmd
}

func newSubscribeCmd() *cobra.Command {
	var f clientFlags

	cmd := &cobra.Command{
		Use:   "subscribe <host> <port> <topic> [topic...]",
		Short: "Subscribe to topics and print messages",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, topics := args[0], args[1], args[2:]
			p := newPrinter(cmd.OutOrStdout())
			ctx := cmd.Context()

			client, err := f.dial(ctx, host, port)
			if err != nil {
				return err
			}
			defer client.Close()

			handler := func(msg *relay.Message) {
				p.Message(msg.Topic, msg.Payload)
			}

			for _, topic := range topics {
				if err := client.Subscribe(ctx, handler, topic); err != nil {
					p.Failure("Failed to subscribe to topic '%s'", topic)
					return err
				}
				p.Success("Subscribed to topic '%s'", topic)
			}

			p.Notice("Waiting for messages... (Ctrl+C to exit)")

			select {
			case <-ctx.Done():
				p.Notice("Disconnecting...")
			case <-client.Done():
				if client.Err() != nil {
					p.Notice("Server disconnected")
				}
			}
			return nil
		},
	}

	f.register(cmd)
	return cmd
}
