package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"storebroker/internal/brokerctl"
	"storebroker/internal/message"
)

func newPokeCommand(ctx *commandContext) *cobra.Command {
	var (
		flood        int
		kill         bool
		retryTimeout int
		maxRetries   int
	)

	cmd := &cobra.Command{
		Use:   "poke [verb] [path]",
		Short: "Send a raw command to the broker",
		Long: "Send a raw command to the broker. --flood runs first, then the " +
			"verb, then --kill asks the broker to quit.",
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var retryPtr, maxPtr *int
			if cmd.Flags().Changed("retry-timeout") {
				retryPtr = &retryTimeout
			}
			if cmd.Flags().Changed("max-retries") {
				maxPtr = &maxRetries
			}
			pipe, err := ctx.pipe(retryPtr, maxPtr)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if flood > 0 {
				n, err := brokerctl.Flood(cmd.Context(), pipe, brokerctl.FloodOptions{Count: flood})
				if err != nil {
					return fmt.Errorf("flood: %d of %d sent: %w", n, flood, err)
				}
				fmt.Fprintf(out, "Sent %d ECHO commands\n", n)
			}

			if len(args) > 0 {
				verb := strings.ToUpper(strings.TrimSpace(args[0]))
				var path string
				if len(args) > 1 {
					path = args[1]
				}
				if err := brokerctl.Send(pipe, message.Command{Verb: verb, Path: path}); err != nil {
					return err
				}
				fmt.Fprintf(out, "Sent %s\n", verb)
			}

			if kill {
				if err := brokerctl.Send(pipe, message.Command{Verb: "SUICIDE"}); err != nil {
					return err
				}
				fmt.Fprintln(out, "Sent SUICIDE")
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&flood, "flood", "m", 0, "Flood the broker with this many ECHO commands")
	flags.BoolVarP(&kill, "kill", "k", false, "Ask the broker to quit after the other commands")
	flags.IntVar(&retryTimeout, "retry-timeout", 0, "Wait between connection attempts in milliseconds")
	flags.IntVar(&maxRetries, "max-retries", 0, "Connection attempts before giving up (-1 retries forever)")
	return cmd
}
