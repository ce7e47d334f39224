package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"upkeep/internal/builtin"
	"upkeep/internal/deps"
	"upkeep/internal/persist"
	logx "upkeep/pkg/logx"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config and schedule file",
	Long: `Load the config and the schedule file without starting anything.
Prints the job load order and every job that would load disabled, and exits
non-zero if a job is unusable (unknown handler, missing dependency, cycle).`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, pm, loaded, err := loadSchedule(logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "schedule: %s (%d jobs)\n", pm.Path(), len(loaded))

	byID := make(map[string]persist.Loaded, len(loaded))
	ids := make([]string, 0, len(loaded))
	for _, l := range loaded {
		byID[l.Definition.ID] = l
		ids = append(ids, l.Definition.ID)
	}

	known := map[string]bool{}
	for _, d := range builtin.Definitions(cfg, time.Now()) {
		known[d.ID] = true
	}
	for id := range byID {
		known[id] = true
	}

	var problems []error
	order, err := deps.LoadOrder(ids, func(id string) []string { return byID[id].Definition.Dependencies })
	if err != nil {
		problems = append(problems, err)
		order = ids
	}
	for i, id := range order {
		l := byID[id]
		d := l.Definition
		status := "ok"
		if l.LoadErr != nil {
			status = "disabled: " + l.LoadErr.Error()
			problems = append(problems, fmt.Errorf("%s: %w", d.ID, l.LoadErr))
		}
		for _, dep := range d.Dependencies {
			if !known[dep] {
				problems = append(problems, fmt.Errorf("%s: depends on unknown job %q", d.ID, dep))
			}
		}
		fmt.Fprintf(out, "%3d. %-24s %-16s %s\n", i+1, d.ID, d.Handler, status)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%d problem(s): %w", len(problems), errors.Join(problems...))
	}
	fmt.Fprintln(out, "ok")
	return nil
}
