package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"storebroker/internal/journal"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		events bool
		limit  int
		path   string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded broker sessions or vacuum events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			target := cfg.Paths.JournalPath
			if path != "" {
				target = path
			}
			out := cmd.OutOrStdout()
			if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(out, "No journal at %s (run the daemon with --record)\n", target)
				return nil
			}

			j, err := journal.Open(target)
			if err != nil {
				return err
			}
			defer j.Close()

			if events {
				records, err := j.Events(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Fprintln(out, "No vacuum events recorded")
					return nil
				}
				writeTable(out, eventHeaders, eventRows(records), []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft})
				return nil
			}

			sessions, err := j.Sessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions recorded")
				return nil
			}
			writeTable(out, sessionHeaders, sessionRows(sessions), []columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignLeft, alignRight})
			return nil
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "List vacuum events instead of sessions")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum rows to show")
	cmd.Flags().StringVar(&path, "journal", "", "Journal to read (default: paths.journal_path)")
	return cmd
}

var (
	sessionHeaders = []string{"Session", "PID", "Started", "Stopped", "Cause", "Frames"}
	eventHeaders   = []string{"Time", "Session", "Kind", "Store", "PID", "Status"}
)

func sessionRows(sessions []journal.Session) [][]string {
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		stopped := "-"
		if !s.StoppedAt.IsZero() {
			stopped = formatTime(s.StoppedAt)
		}
		cause := s.StopCause
		if cause == "" {
			cause = "-"
		}
		rows = append(rows, []string{
			s.ID,
			strconv.Itoa(s.PID),
			formatTime(s.StartedAt),
			stopped,
			cause,
			strconv.Itoa(s.Frames),
		})
	}
	return rows
}

func eventRows(records []journal.EventRecord) [][]string {
	rows := make([][]string, 0, len(records))
	for _, ev := range records {
		pid := "-"
		if ev.PID > 0 {
			pid = strconv.Itoa(ev.PID)
		}
		status := ev.Status
		if status == "" {
			status = "-"
		}
		rows = append(rows, []string{
			formatTime(ev.At),
			shortID(ev.SessionID),
			ev.Kind,
			ev.Path,
			pid,
			status,
		})
	}
	return rows
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
