package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"upkeep/internal/trigger"
)

var (
	nextCount    int
	nextTimezone string
)

var nextCmd = &cobra.Command{
	Use:   "next <schedule>",
	Short: "Preview upcoming fire times for a schedule",
	Long: `Print the next fire times of a schedule expression.

Accepted forms:
  cron        "0 2 * * 0", "@daily", "cron:*/5 * * * *"
  interval    "15m", "02:30" (HH:MM), "every:1h"
  one-shot    "at:2026-01-02T15:04:05Z"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runNext,
}

func init() {
	nextCmd.Flags().IntVarP(&nextCount, "count", "n", 5, "Number of fire times to print")
	nextCmd.Flags().StringVar(&nextTimezone, "tz", "", "IANA timezone (default: local)")
}

func runNext(cmd *cobra.Command, args []string) error {
	spec, err := trigger.ParseSchedule(strings.Join(args, " "))
	if err != nil {
		return err
	}
	loc := time.Local
	if nextTimezone != "" {
		if loc, err = time.LoadLocation(nextTimezone); err != nil {
			return fmt.Errorf("--tz: %w", err)
		}
	}
	times := spec.Preview(time.Now().In(loc), nextCount)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", spec)
	if len(times) == 0 {
		fmt.Fprintln(out, "  (no upcoming runs)")
		return nil
	}
	for _, t := range times {
		fmt.Fprintf(out, "  %s\n", t.In(loc).Format("2006-01-02 15:04:05 MST (Mon)"))
	}
	return nil
}
