package main

import (
	"github.com/spf13/cobra"

	"storebroker/internal/brokerrun"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	var opts brokerrun.Options

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the broker in the foreground",
		Long: "Run the broker in the foreground. It listens on the FIFO until it " +
			"receives SIGINT, SIGTERM, or a SUICIDE command.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts.Output = cmd.OutOrStdout()
			return brokerrun.Run(cmd.Context(), cfg, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.Record, "record", false, "Journal every received frame")
	flags.StringVar(&opts.PlaybackPath, "playback", "", "Replay the frames recorded in this journal, then exit")
	flags.StringVar(&opts.PlaybackSession, "session", "", "Session to replay (default: the most recent one)")
	flags.BoolVar(&opts.EchoEvents, "echo-events", false, "Print log events and status messages")
	flags.BoolVar(&opts.Diagnostic, "diagnostic", false, "Write a separate DEBUG log under the log directory")
	flags.StringVar(&opts.LogLevel, "log-level", "", "Override the configured log level")
	return cmd
}
