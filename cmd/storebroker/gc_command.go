package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"storebroker/internal/brokerctl"
	"storebroker/internal/config"
	"storebroker/internal/message"
)

func newGCCommand(ctx *commandContext) *cobra.Command {
	var stop bool

	cmd := &cobra.Command{
		Use:   "gc <store>",
		Short: "Ask the broker to vacuum a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipe, err := ctx.pipe(nil, nil)
			if err != nil {
				return err
			}
			store, err := config.ExpandPath(args[0])
			if err != nil {
				return fmt.Errorf("resolve store path: %w", err)
			}
			verb := "GC"
			if stop {
				verb = "GCSTOP"
			}
			if err := brokerctl.Send(pipe, message.Command{Verb: verb, Path: store}); err != nil {
				return err
			}
			if stop {
				fmt.Fprintf(cmd.OutOrStdout(), "Requested vacuum stop for %s\n", store)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Requested vacuum of %s\n", store)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stop, "stop", false, "Interrupt a running vacuum instead of starting one")
	return cmd
}
