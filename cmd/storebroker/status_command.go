package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"storebroker/internal/brokerctl"
	"storebroker/internal/deps"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the broker is running and where it lives",
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
			running, pid, err := brokerctl.ProcessInfo(cfg.LockPath(), cfg.PIDPath())
			if err != nil {
				return err
			}
			pidText := "-"
			if running && pid > 0 {
				pidText = strconv.Itoa(pid)
			}
			vacuum := deps.ResolveVacuum(cfg.Broker.VacuumBinary)
			vacuumText := vacuum.Command
			if !vacuum.Available {
				vacuumText = fmt.Sprintf("missing (%s)", vacuum.Detail)
			}

			rows := [][]string{
				{"Broker", runningText(running)},
				{"PID", pidText},
				{"FIFO", pipe.String()},
				{"FIFO present", yesNo(isFIFO(pipe.String()))},
				{"Read threads", strconv.Itoa(cfg.Broker.ReadThreads)},
				{"Vacuum helper", vacuumText},
				{"GC capacity", strconv.Itoa(cfg.Broker.GCCapacity)},
				{"Recording", yesNo(cfg.Broker.Record)},
				{"Journal", cfg.Paths.JournalPath},
				{"Config", ctx.configPath},
			}
			writeTable(cmd.OutOrStdout(), []string{"Item", "Value"}, rows, nil)
			return nil
		},
	}
}

func runningText(running bool) string {
	if running {
		return "running"
	}
	return "not running"
}

func isFIFO(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeNamedPipe != 0
}
