package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "relay is a topic relay broker",
		Long: `relay forwards messages published to a named topic to every client
subscribed to it, over TCP streams and UDP datagrams.`,
		Version: fmt.Sprintf("%s (%s)", Version, Commit),
		// No Run function: 'relay' with no args prints help.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		newServeCmd(),
		newPublishCmd(),
		newSubscribeCmd(),
	)

	return cmd
}
