package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"upkeep/internal/builtin"
	"upkeep/internal/job"
	logx "upkeep/pkg/logx"
)

var jobsAll bool

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List scheduled jobs and their next run",
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

func init() {
	jobsCmd.Flags().BoolVarP(&jobsAll, "all", "a", false, "Include built-in system jobs")
}

func runJobs(cmd *cobra.Command, _ []string) error {
	cfg, _, loaded, err := loadSchedule(logx.NewConsole("error"))
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return err
		}
	}
	now := time.Now().In(loc)

	var defs []job.Definition
	if jobsAll {
		defs = append(defs, builtin.Definitions(cfg, now)...)
	}
	unresolved := map[string]bool{}
	for _, l := range loaded {
		defs = append(defs, l.Definition)
		if l.LoadErr != nil {
			unresolved[l.Definition.ID] = true
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHANDLER\tTRIGGER\tENABLED\tNEXT RUN\tDEPENDS ON")
	for _, d := range defs {
		next, enabled := "-", fmt.Sprint(d.Enabled)
		if unresolved[d.ID] {
			enabled = "false (load error)"
		} else if d.Enabled {
			if t, ok := d.Trigger.Next(now); ok {
				next = t.In(loc).Format("2006-01-02 15:04 MST")
			}
		}
		deps := "-"
		if len(d.Dependencies) > 0 {
			deps = strings.Join(d.Dependencies, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Handler, d.Trigger, enabled, next, deps)
	}
	return w.Flush()
}
