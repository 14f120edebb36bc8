package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"storebroker/internal/brokerctl"
)

func newStopCommand(ctx *commandContext) *cobra.Command {
	var (
		force bool
		grace time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the broker and wait for it to exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			pipe, err := ctx.pipe(nil, nil)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			result, err := brokerctl.StopAndTerminate(cmd.Context(), pipe, brokerctl.StopOptions{
				LockPath:    cfg.LockPath(),
				PIDPath:     cfg.PIDPath(),
				GracePeriod: grace,
				Force:       force,
			})
			if errors.Is(err, brokerctl.ErrBrokerNotRunning) {
				fmt.Fprintln(stdout, "Broker is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.StopAcknowledged {
				fmt.Fprintln(stdout, "Stop request sent")
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Killed broker process (pid %d)\n", result.PID)
			}
			fmt.Fprintln(stdout, "Broker stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Kill the broker if it has not exited after the grace period")
	cmd.Flags().DurationVar(&grace, "timeout", 5*time.Second, "How long to wait for the broker to exit")
	return cmd
}
